// Package receiver bridges Relay to the external agent runtime (spec
// §4.13): an agent handler that streams a session turn and republishes
// events via replyTo, and a Pulse handler that validates scheduled
// dispatch payloads and drives a cron run's lifecycle. Grounded on
// public/agent/framework.go's processMessage (call the runner, forward
// the result via egress), generalized from "one synchronous call, one
// forward" to "stream many events, republish each one".
package receiver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tenzoki/relay/internal/agentruntime"
	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/pulse"
	"github.com/tenzoki/relay/internal/relay"
	"github.com/tenzoki/relay/internal/trace"
)

const (
	agentSubjectPattern = "relay.agent.>"
	pulseSubjectPattern = "relay.system.pulse.>"

	// textDeltaCap bounds the concatenated text_delta output a Pulse run
	// stores as its summary (spec §4.13 step 4, "capped at 1000 chars").
	textDeltaCap = 1000

	defaultPulseTTL = time.Hour
)

// platformData is the subset of envelope.payload.platformData the
// receiver reads. Unknown fields are ignored.
type platformData struct {
	Cwd            string `json:"cwd"`
	PermissionMode string `json:"permissionMode"`
	TraceID        string `json:"traceId"`
}

type agentPayload struct {
	Content      string       `json:"content"`
	PlatformData platformData `json:"platformData"`
}

// pulseDispatchPayload mirrors the PulseDispatchPayload schema (spec
// §4.13 step 1).
type pulseDispatchPayload struct {
	Type           string `json:"type"`
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd"`
	PermissionMode string `json:"permissionMode"`
	ScheduleName   string `json:"scheduleName"`
	Cron           string `json:"cron"`
	Trigger        string `json:"trigger"`
}

func (p pulseDispatchPayload) validate() error {
	if p.Type != "pulse_dispatch" {
		return fmt.Errorf("unexpected payload type %q, want pulse_dispatch", p.Type)
	}
	if p.ScheduleID == "" || p.RunID == "" || p.Prompt == "" {
		return fmt.Errorf("pulse dispatch payload missing required field (scheduleId=%q runId=%q prompt empty=%v)",
			p.ScheduleID, p.RunID, p.Prompt == "")
	}
	return nil
}

// Receiver owns the two subscriptions that drive the agent runtime from
// Relay traffic.
type Receiver struct {
	core    *relay.Core
	runtime agentruntime.Runtime
	runs    *pulse.Store
	traces  *trace.Store
	log     *logging.Logger

	unsubscribeAgent func()
	unsubscribePulse func()
}

// Deps bundles Receiver's collaborators.
type Deps struct {
	Core    *relay.Core
	Runtime agentruntime.Runtime
	Runs    *pulse.Store
	Traces  *trace.Store
	Log     *logging.Logger
}

// New constructs a Receiver. Call Start to begin subscribing.
func New(d Deps) *Receiver {
	return &Receiver{core: d.Core, runtime: d.Runtime, runs: d.Runs, traces: d.Traces, log: d.Log}
}

// Start subscribes the agent and Pulse handlers (spec §4.13 "Subscribes
// to two pattern families on startup").
func (r *Receiver) Start() error {
	unsubAgent, err := r.core.Subscribe(agentSubjectPattern, r.handleAgentMessage)
	if err != nil {
		return fmt.Errorf("receiver: failed to subscribe %s: %w", agentSubjectPattern, err)
	}
	unsubPulse, err := r.core.Subscribe(pulseSubjectPattern, r.handlePulseMessage)
	if err != nil {
		unsubAgent()
		return fmt.Errorf("receiver: failed to subscribe %s: %w", pulseSubjectPattern, err)
	}
	r.unsubscribeAgent = unsubAgent
	r.unsubscribePulse = unsubPulse
	return nil
}

// Stop removes both subscriptions.
func (r *Receiver) Stop() {
	if r.unsubscribeAgent != nil {
		r.unsubscribeAgent()
	}
	if r.unsubscribePulse != nil {
		r.unsubscribePulse()
	}
}

// sessionIDFromSubject extracts the last token of subject (spec §4.13
// step 1).
func sessionIDFromSubject(subj string) string {
	idx := strings.LastIndex(subj, ".")
	if idx < 0 {
		return subj
	}
	return subj[idx+1:]
}

// ensureSpan updates messageID's trace span to status, inserting a fresh
// span if none exists yet — the agent/Pulse subjects are consumed purely
// via subscription, so unlike endpoint-bound delivery there may be no
// span recorded upstream.
func (r *Receiver) ensureSpan(messageID, traceID, subject, from, to, status string, now time.Time, processedAt, deliveredAt *int64, errText string) {
	existing, err := r.traces.GetSpanByMessageID(messageID)
	if err != nil {
		r.log.Warn("receiver: failed to look up span %s: %v", messageID, err)
		return
	}
	if existing == nil {
		span := trace.Span{
			MessageID:    messageID,
			TraceID:      traceID,
			SpanID:       messageID,
			Subject:      subject,
			FromEndpoint: from,
			ToEndpoint:   to,
			Status:       status,
			SentAt:       now.UnixMilli(),
		}
		if processedAt != nil {
			span.ProcessedAt.Valid = true
			span.ProcessedAt.Int64 = *processedAt
		}
		if deliveredAt != nil {
			span.DeliveredAt.Valid = true
			span.DeliveredAt.Int64 = *deliveredAt
		}
		if errText != "" {
			span.Error.Valid = true
			span.Error.String = errText
		}
		if err := r.traces.InsertSpan(span); err != nil {
			r.log.Warn("receiver: failed to insert span %s: %v", messageID, err)
		}
		return
	}

	u := trace.SpanUpdate{Status: &status}
	if processedAt != nil {
		u.ProcessedAt = processedAt
	}
	if deliveredAt != nil {
		u.DeliveredAt = deliveredAt
	}
	if errText != "" {
		u.Error = &errText
	}
	if err := r.traces.UpdateSpan(messageID, u); err != nil {
		r.log.Warn("receiver: failed to update span %s: %v", messageID, err)
	}
}

// handleAgentMessage implements spec §4.13's agent handler.
func (r *Receiver) handleAgentMessage(env *envelope.Envelope) error {
	sessionID := sessionIDFromSubject(env.Subject)

	var payload agentPayload
	if err := env.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("receiver: failed to decode agent payload for %s: %w", env.Subject, err)
	}

	traceID := payload.PlatformData.TraceID
	if traceID == "" {
		traceID = env.ID
	}

	now := time.Now()
	processedAt := now.UnixMilli()
	r.ensureSpan(env.ID, traceID, env.Subject, env.From, "agentruntime", "processing", now, &processedAt, nil, "")

	ctx := context.Background()
	sessionOpts := agentruntime.SessionOptions{Cwd: payload.PlatformData.Cwd, PermissionMode: payload.PlatformData.PermissionMode}
	if err := r.runtime.EnsureSession(ctx, sessionID, sessionOpts); err != nil {
		r.ensureSpan(env.ID, traceID, env.Subject, env.From, "agentruntime", "failed", now, nil, nil, err.Error())
		return fmt.Errorf("receiver: ensureSession %s failed: %w", sessionID, err)
	}

	events, err := r.runtime.SendMessage(ctx, sessionID, payload.Content, agentruntime.SendOptions{TTL: env.Budget.TTL})
	if err != nil {
		r.ensureSpan(env.ID, traceID, env.Subject, env.From, "agentruntime", "failed", now, nil, nil, err.Error())
		return fmt.Errorf("receiver: sendMessage %s failed: %w", sessionID, err)
	}

	var lastErr error
	for ev := range events {
		if ev.Type == agentruntime.EventError {
			lastErr = ev.Err
		}
		r.republish(env, ev)
	}

	finishedAt := time.Now().UnixMilli()
	if lastErr != nil {
		r.ensureSpan(env.ID, traceID, env.Subject, env.From, "agentruntime", "failed", now, nil, nil, lastErr.Error())
		return fmt.Errorf("receiver: agent turn for session %s failed: %w", sessionID, lastErr)
	}
	r.ensureSpan(env.ID, traceID, env.Subject, env.From, "agentruntime", "delivered", now, nil, &finishedAt, "")
	return nil
}

// republish forwards one stream event to env.ReplyTo with an
// hop-incremented budget (spec §4.13 step 5).
func (r *Receiver) republish(env *envelope.Envelope, ev agentruntime.Event) {
	if env.ReplyTo == "" {
		return
	}
	budget := env.Budget
	budget.HopCount++

	payload := map[string]interface{}{"type": ev.Type, "text": ev.Text}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}

	if _, err := r.core.Publish(env.ReplyTo, payload, relay.PublishOptions{From: env.Subject, Budget: &budget}); err != nil {
		r.log.Warn("receiver: failed to republish %s event to %s: %v", ev.Type, env.ReplyTo, err)
	}
}

// handlePulseMessage implements spec §4.13's Pulse handler.
func (r *Receiver) handlePulseMessage(env *envelope.Envelope) error {
	var payload pulseDispatchPayload
	if err := env.UnmarshalPayload(&payload); err != nil {
		r.deadLetterPulse(env, "invalid pulse dispatch payload: "+err.Error())
		return nil
	}
	if err := payload.validate(); err != nil {
		r.deadLetterPulse(env, err.Error())
		return nil
	}

	startedAt := time.Now().UnixMilli()
	status := pulse.RunRunning
	if err := r.runs.UpdateRun(payload.RunID, pulse.RunUpdate{Status: &status, StartedAt: &startedAt}); err != nil {
		r.log.Warn("receiver: failed to mark run %s running: %v", payload.RunID, err)
	}

	ttl := defaultPulseTTL
	if env.Budget.TTL > 0 {
		if remaining := time.Until(time.UnixMilli(env.Budget.TTL)); remaining > 0 {
			ttl = remaining
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	sessionID := envelope.NewID()
	sessionOpts := agentruntime.SessionOptions{Cwd: payload.Cwd, PermissionMode: payload.PermissionMode}
	if err := r.runtime.EnsureSession(ctx, sessionID, sessionOpts); err != nil {
		r.failRun(payload.RunID, env, err.Error())
		return nil
	}

	events, err := r.runtime.SendMessage(ctx, sessionID, payload.Prompt, agentruntime.SendOptions{TTL: env.Budget.TTL})
	if err != nil {
		r.failRun(payload.RunID, env, err.Error())
		return nil
	}

	var summary strings.Builder
	summaryChars := 0
	var lastErr error
	for ev := range events {
		if ev.Type == agentruntime.EventTextDelta && summaryChars < textDeltaCap {
			remaining := textDeltaCap - summaryChars
			text := []rune(ev.Text)
			if len(text) > remaining {
				text = text[:remaining]
			}
			summary.WriteString(string(text))
			summaryChars += len(text)
		}
		if ev.Type == agentruntime.EventError {
			lastErr = ev.Err
		}
		r.republish(env, ev)
	}

	if lastErr != nil {
		r.failRun(payload.RunID, env, lastErr.Error())
		return nil
	}

	finishedAt := time.Now().UnixMilli()
	completed := pulse.RunCompleted
	output := summary.String()
	if err := r.runs.UpdateRun(payload.RunID, pulse.RunUpdate{Status: &completed, FinishedAt: &finishedAt, Output: &output}); err != nil {
		r.log.Warn("receiver: failed to mark run %s completed: %v", payload.RunID, err)
	}
	r.ensureSpan(env.ID, env.ID, env.Subject, env.From, "agentruntime", "delivered", time.Now(), nil, &finishedAt, "")
	return nil
}

func (r *Receiver) failRun(runID string, env *envelope.Envelope, reason string) {
	finishedAt := time.Now().UnixMilli()
	failed := pulse.RunFailed
	if err := r.runs.UpdateRun(runID, pulse.RunUpdate{Status: &failed, FinishedAt: &finishedAt, Error: &reason}); err != nil {
		r.log.Warn("receiver: failed to mark run %s failed: %v", runID, err)
	}
	r.ensureSpan(env.ID, env.ID, env.Subject, env.From, "agentruntime", "failed", time.Now(), nil, nil, reason)
}

func (r *Receiver) deadLetterPulse(env *envelope.Envelope, reason string) {
	r.ensureSpan(env.ID, env.ID, env.Subject, env.From, "agentruntime", "dead_lettered", time.Now(), nil, nil, reason)
	r.log.Warn("receiver: dead-lettered pulse dispatch on %s: %s", env.Subject, reason)
}
