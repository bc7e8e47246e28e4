// Package console implements the receipt-and-stream HTTP protocol
// interactive clients use to talk to Relay (spec §4.16, §6.4): a submit
// endpoint that registers the client's console endpoint on first use and
// returns a synchronous receipt, and a single per-session SSE stream
// carrying the union of session-sync events and Relay-originated events.
//
// Grounded on the teacher's chi-routed long-polling handler
// (internal/handler/lp/delivery.go), generalized from "hold the
// connection until one batch of events arrives, then return" to "hold the
// connection open and push every event as it arrives" — the SSE analogue
// of the same wait-for-event-or-timeout shape.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relay"
)

const consolePrefix = "relay.human.console."

// SyncEvent is one pre-existing session-file-change notification, sourced
// from outside Relay (spec §4.16 "existing session-sync events"). Name is
// one of sync_connected/sync_update.
type SyncEvent struct {
	Name string
	Data interface{}
}

// SessionSync is the seam the host application's existing session-file
// watcher plugs into. Subscribe returns a channel of events for sessionID
// and an unsubscribe func; callers with no such watcher pass a nil
// SessionSync and only Relay-originated events are streamed.
type SessionSync interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan SyncEvent, func())
}

// LegacyHandler implements the retained direct-call path used when the
// RELAY_ENABLED feature flag is off (spec §6.6): it drives the agent
// runtime inline and returns the full streamed response on the same
// request, bypassing Relay entirely.
type LegacyHandler func(ctx context.Context, req SubmitRequest) (interface{}, error)

// SubmitRequest is the client->Relay submit body (spec §4.16).
type SubmitRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Cwd       string `json:"cwd,omitempty"`
}

// SubmitResponse is the synchronous receipt submit returns in Relay mode.
type SubmitResponse struct {
	MessageID      string `json:"messageId"`
	TraceID        string `json:"traceId"`
	DeliveredCount int    `json:"deliveredCount"`
}

// Handler serves the console submit/stream HTTP surface.
type Handler struct {
	core         *relay.Core
	endpoints    *registry.EndpointRegistry
	sync         SessionSync
	legacy       LegacyHandler
	relayEnabled bool
	log          *logging.Logger

	mu        sync.Mutex
	listeners map[string][]chan sseEvent // clientID -> active stream fan-out channels
}

// Config configures a Handler.
type Config struct {
	Core         *relay.Core
	Endpoints    *registry.EndpointRegistry
	Sync         SessionSync   // optional; nil means no session-sync events
	Legacy       LegacyHandler // required when RelayEnabled is false
	RelayEnabled bool
	Log          *logging.Logger
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		core:         cfg.Core,
		endpoints:    cfg.Endpoints,
		sync:         cfg.Sync,
		legacy:       cfg.Legacy,
		relayEnabled: cfg.RelayEnabled,
		log:          cfg.Log,
		listeners:    make(map[string][]chan sseEvent),
	}
}

// Mount registers the submit and stream routes under r, keyed by a
// clientID URL param named param (e.g. "clientID").
func (h *Handler) Mount(r chi.Router, param string) {
	r.Post("/submit/{"+param+"}", h.submitHandler(param))
	r.Get("/stream/{"+param+"}", h.streamHandler(param))
}

type sseEvent struct {
	name string
	data interface{}
}

func (h *Handler) submitHandler(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, param)
		if strings.TrimSpace(clientID) == "" {
			http.Error(w, "client id is required", http.StatusBadRequest)
			return
		}

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Content) == "" {
			http.Error(w, "sessionId and content are required", http.StatusBadRequest)
			return
		}

		if !h.relayEnabled {
			h.handleLegacySubmit(w, r, req)
			return
		}
		h.handleRelaySubmit(w, clientID, req)
	}
}

func (h *Handler) handleLegacySubmit(w http.ResponseWriter, r *http.Request, req SubmitRequest) {
	if h.legacy == nil {
		http.Error(w, "legacy submit path not configured", http.StatusServiceUnavailable)
		return
	}
	resp, err := h.legacy(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleRelaySubmit(w http.ResponseWriter, clientID string, req SubmitRequest) {
	consoleSubject := consolePrefix + clientID
	if !h.endpoints.HasEndpoint(consoleSubject) {
		if _, err := h.endpoints.RegisterEndpoint(consoleSubject); err != nil && !h.endpoints.HasEndpoint(consoleSubject) {
			http.Error(w, fmt.Sprintf("failed to register console endpoint: %v", err), http.StatusInternalServerError)
			return
		}
	}

	traceID := envelope.NewID()
	payload := map[string]interface{}{
		"content": req.Content,
		"platformData": map[string]interface{}{
			"cwd":       req.Cwd,
			"sessionId": req.SessionID,
			"clientId":  clientID,
			"traceId":   traceID,
		},
	}

	result, err := h.core.Publish("relay.agent."+req.SessionID, payload, relay.PublishOptions{
		From:    consoleSubject,
		ReplyTo: consoleSubject,
		TraceID: traceID,
		Budget: &envelope.Budget{
			MaxHops:             5,
			TTL:                 time.Now().Add(300 * time.Second).UnixMilli(),
			CallBudgetRemaining: envelope.DefaultBudget(nil).CallBudgetRemaining,
		},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.broadcast(clientID, sseEvent{name: "relay_receipt", data: map[string]string{"messageId": result.MessageID, "traceId": result.TraceID}})
	h.broadcast(clientID, sseEvent{name: "message_delivered", data: map[string]interface{}{
		"messageId": result.MessageID, "subject": "relay.agent." + req.SessionID, "status": deliveryStatus(result),
	}})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SubmitResponse{
		MessageID:      result.MessageID,
		TraceID:        result.TraceID,
		DeliveredCount: result.DeliveredTo,
	})
}

func deliveryStatus(result relay.PublishResult) string {
	if result.DeliveredTo > 0 {
		return "delivered"
	}
	return "no_receiver"
}

// streamHandler serves one SSE stream per session, carrying session-sync
// events (if a SessionSync is configured) and every Relay-originated event
// for clientID: relay_message (subscription traffic), relay_receipt and
// message_delivered (pushed by a concurrent submit).
func (h *Handler) streamHandler(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, param)
		sessionID := r.URL.Query().Get("sessionId")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := h.registerListener(clientID)
		defer h.unregisterListener(clientID, ch)

		consoleSubject := consolePrefix + clientID
		unsubRelay, err := h.core.Subscribe(consoleSubject, h.forwardToListener(clientID))
		if err != nil {
			h.log.Warn("console: failed to subscribe stream for %s: %v", clientID, err)
		} else {
			defer unsubRelay()
		}

		var syncEvents <-chan SyncEvent
		var unsubSync func()
		if h.sync != nil && sessionID != "" {
			syncEvents, unsubSync = h.sync.Subscribe(r.Context(), sessionID)
			defer unsubSync()
		}

		bw := bufio.NewWriter(w)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				writeSSE(bw, ev.name, ev.data)
				flusher.Flush()
			case sev, ok := <-syncEvents:
				if !ok {
					syncEvents = nil
					continue
				}
				writeSSE(bw, sev.Name, sev.Data)
				flusher.Flush()
			}
		}
	}
}

// forwardToListener adapts an incoming subscription envelope into a
// relay_message SSE event for clientID.
func (h *Handler) forwardToListener(clientID string) registry.Handler {
	return func(env *envelope.Envelope) error {
		var body interface{}
		if err := env.UnmarshalPayload(&body); err != nil {
			body = map[string]string{"raw": string(env.Payload)}
		}
		h.broadcast(clientID, sseEvent{name: "relay_message", data: body})
		return nil
	}
}

func (h *Handler) registerListener(clientID string) chan sseEvent {
	ch := make(chan sseEvent, 32)
	h.mu.Lock()
	h.listeners[clientID] = append(h.listeners[clientID], ch)
	h.mu.Unlock()
	return ch
}

func (h *Handler) unregisterListener(clientID string, ch chan sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.listeners[clientID]
	for i, c := range chans {
		if c == ch {
			h.listeners[clientID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.listeners[clientID]) == 0 {
		delete(h.listeners, clientID)
	}
}

func (h *Handler) broadcast(clientID string, ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners[clientID] {
		select {
		case ch <- ev:
		default: // slow consumer, drop rather than block the publisher
		}
	}
}

func writeSSE(w *bufio.Writer, name string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	w.Flush()
}
