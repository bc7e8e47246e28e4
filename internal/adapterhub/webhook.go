package adapterhub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
)

// WebhookAdapter bridges a generic HTTP webhook channel into Relay:
// outbound delivery POSTs the envelope payload to a configured URL;
// inbound delivery is an HTTP handler the caller mounts (spec §4.14,
// "protocol specifics... are not core Relay"). Grounded on the teacher's
// chi-routed handler convention (internal/handler/lp/delivery.go).
type WebhookAdapter struct {
	statusBase

	id          string
	prefix      string
	outboundURL string
	client      *http.Client
	log         *logging.Logger

	mu      sync.Mutex
	publish PublishFunc
	running bool
}

// NewWebhookAdapter builds a WebhookAdapter from its Config. Required
// setting: outboundURL (string). Optional: subjectPrefix (string, defaults
// to "relay.human.webhook").
func NewWebhookAdapter(cfg Config, log *logging.Logger) (Adapter, error) {
	url, _ := cfg.Settings["outboundURL"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook adapter %s: outboundURL is required", cfg.ID)
	}
	prefix, _ := cfg.Settings["subjectPrefix"].(string)
	if prefix == "" {
		prefix = "relay.human.webhook"
	}
	return &WebhookAdapter{
		id:          cfg.ID,
		prefix:      prefix,
		outboundURL: url,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}, nil
}

func (a *WebhookAdapter) ID() string                { return a.id }
func (a *WebhookAdapter) DisplayName() string       { return "Webhook: " + a.id }
func (a *WebhookAdapter) SubjectPrefixes() []string { return []string{a.prefix} }

// Start marks the adapter connected; webhooks have no persistent
// connection to establish. Idempotent.
func (a *WebhookAdapter) Start(publish PublishFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publish = publish
	a.running = true
	a.setState(StateConnected)
	return nil
}

// Stop marks the adapter disconnected. Idempotent.
func (a *WebhookAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setState(StateStopping)
	a.running = false
	a.setState(StateDisconnected)
	return nil
}

// inboundPayload is the shape a webhook sender must POST.
type inboundPayload struct {
	SenderID string      `json:"senderId"`
	Content  interface{} `json:"content"`
}

// InboundHandler returns an http.HandlerFunc the caller mounts at the
// webhook's receive endpoint (e.g. via chi.Router.Post). It validates
// senderId before publishing onto Relay (spec §6.5 "reject empty or
// non-integer suffixes" generalizes to "reject empty sender ids").
func (a *WebhookAdapter) InboundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.SenderID) == "" {
			http.Error(w, "senderId is required", http.StatusBadRequest)
			return
		}

		a.mu.Lock()
		publish := a.publish
		a.mu.Unlock()
		if publish == nil {
			http.Error(w, "adapter not started", http.StatusServiceUnavailable)
			return
		}

		a.bumpInbound()
		subject := a.prefix + "." + body.SenderID
		messageID, err := publish(subject, map[string]interface{}{"content": body.Content}, subject, subject)
		if err != nil {
			a.setError(err.Error())
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": messageID})
	}
}

// MountRoutes registers the inbound endpoint on r at path.
func (a *WebhookAdapter) MountRoutes(r chi.Router, path string) {
	r.Post(path, a.InboundHandler())
}

// Deliver POSTs env's payload to the configured outbound URL.
func (a *WebhookAdapter) Deliver(subject string, env *envelope.Envelope) (DeliveryResult, error) {
	if strings.HasPrefix(env.From, a.prefix) {
		return DeliveryResult{Success: true}, nil // echo guard
	}

	body, err := json.Marshal(map[string]interface{}{
		"subject": subject,
		"payload": json.RawMessage(env.Payload),
	})
	if err != nil {
		return DeliveryResult{Success: false, Error: err.Error()}, err
	}

	start := time.Now()
	resp, err := a.client.Post(a.outboundURL, "application/json", bytes.NewReader(body))
	duration := time.Since(start).Milliseconds()
	if err != nil {
		a.setError(err.Error())
		return DeliveryResult{Success: false, Error: err.Error(), DurationMs: duration}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errMsg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		a.setError(errMsg)
		return DeliveryResult{Success: false, Error: errMsg, DurationMs: duration}, nil
	}

	a.bumpOutbound()
	return DeliveryResult{Success: true, DurationMs: duration}, nil
}

func (a *WebhookAdapter) GetStatus() Status { return a.snapshot() }

// TestConnection sends a HEAD request to the outbound URL.
func (a *WebhookAdapter) TestConnection() (bool, error) {
	resp, err := a.client.Head(a.outboundURL)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, nil
}
