package agentruntime

import (
	"context"
	"sync"
)

// Fake is an in-memory Runtime for tests. Scripted responses are queued
// per session with Script; a session with no queued response replies
// with a single default text_delta followed by done.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]SessionOptions
	scripts  map[string][][]Event
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]SessionOptions),
		scripts:  make(map[string][][]Event),
	}
}

// Script queues events to be returned by the next SendMessage call for
// sessionID, in order. Each call consumes one queued script.
func (f *Fake) Script(sessionID string, events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[sessionID] = append(f.scripts[sessionID], events)
}

// EnsureSession records opts for sessionID. Always succeeds.
func (f *Fake) EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = opts
	return nil
}

// SessionOptionsFor returns what EnsureSession last recorded for sessionID.
func (f *Fake) SessionOptionsFor(sessionID string) (SessionOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.sessions[sessionID]
	return opts, ok
}

// SendMessage replays the next queued script for sessionID, or a default
// single-delta turn if none was queued. Respects ctx cancellation between
// events.
func (f *Fake) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (<-chan Event, error) {
	f.mu.Lock()
	events := []Event{{Type: EventTextDelta, Text: "ok: " + content}, {Type: EventDone}}
	if queued := f.scripts[sessionID]; len(queued) > 0 {
		events = queued[0]
		f.scripts[sessionID] = queued[1:]
	}
	f.mu.Unlock()

	ch := make(chan Event, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}
