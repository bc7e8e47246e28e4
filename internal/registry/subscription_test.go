package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tenzoki/relay/internal/envelope"
)

func newTestSubRegistry(t *testing.T) (*SubscriptionRegistry, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "subreg-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "subscriptions.json")
	return NewSubscriptionRegistry(path), path
}

func TestSubscribeRejectsInvalidPattern(t *testing.T) {
	reg, _ := newTestSubRegistry(t)
	if _, err := reg.Subscribe("", func(*envelope.Envelope) error { return nil }); err == nil {
		t.Error("expected error for empty pattern")
	}
	if _, err := reg.Subscribe("relay.agent.>.extra", func(*envelope.Envelope) error { return nil }); err == nil {
		t.Error("expected error for '>' not in last position")
	}
}

func TestGetSubscribersMatchesInInsertionOrder(t *testing.T) {
	reg, _ := newTestSubRegistry(t)
	var calls []string
	reg.Subscribe("relay.agent.>", func(*envelope.Envelope) error {
		calls = append(calls, "wildcard")
		return nil
	})
	reg.Subscribe("relay.agent.echo", func(*envelope.Envelope) error {
		calls = append(calls, "exact")
		return nil
	})

	handlers := reg.GetSubscribers("relay.agent.echo")
	if len(handlers) != 2 {
		t.Fatalf("expected 2 matching handlers, got %d", len(handlers))
	}
	for _, h := range handlers {
		h(nil)
	}
	if calls[0] != "wildcard" || calls[1] != "exact" {
		t.Errorf("expected insertion order [wildcard, exact], got %v", calls)
	}
}

func TestCancelHandleIsIdempotent(t *testing.T) {
	reg, _ := newTestSubRegistry(t)
	cancel, err := reg.Subscribe("relay.agent.echo", func(*envelope.Envelope) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	cancel() // must not panic or double-remove

	if len(reg.GetSubscribers("relay.agent.echo")) != 0 {
		t.Error("expected no subscribers after cancel")
	}
	if len(reg.ListSubscriptions()) != 0 {
		t.Error("expected empty subscription list after cancel")
	}
}

func TestRemoveAllSubscriptionsClearsEverything(t *testing.T) {
	reg, _ := newTestSubRegistry(t)
	reg.Subscribe("relay.agent.a", func(*envelope.Envelope) error { return nil })
	reg.Subscribe("relay.agent.b", func(*envelope.Envelope) error { return nil })

	if err := reg.RemoveAllSubscriptions(); err != nil {
		t.Fatalf("RemoveAllSubscriptions: %v", err)
	}
	if len(reg.ListSubscriptions()) != 0 {
		t.Error("expected zero subscriptions")
	}
}

func TestPersistenceRestoresWithInertHandlers(t *testing.T) {
	reg, path := newTestSubRegistry(t)
	reg.Subscribe("relay.agent.echo", func(*envelope.Envelope) error { return nil })

	restored := NewSubscriptionRegistry(path)
	infos := restored.ListSubscriptions()
	if len(infos) != 1 || infos[0].Pattern != "relay.agent.echo" {
		t.Fatalf("expected restored subscription, got %+v", infos)
	}
	if restored.InertCount() != 1 {
		t.Errorf("InertCount() = %d, want 1", restored.InertCount())
	}

	handlers := restored.GetSubscribers("relay.agent.echo")
	if len(handlers) != 1 {
		t.Fatalf("expected 1 handler to match")
	}
	if err := handlers[0](nil); err != nil {
		t.Errorf("inert handler should be a no-op, got error: %v", err)
	}
}

func TestCorruptSnapshotDegradesToEmpty(t *testing.T) {
	dir, err := os.MkdirTemp("", "subreg-corrupt-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "subscriptions.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg := NewSubscriptionRegistry(path)
	if len(reg.ListSubscriptions()) != 0 {
		t.Error("expected empty subscriptions for corrupt snapshot")
	}
}
