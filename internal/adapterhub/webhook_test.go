package adapterhub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
)

func newTestWebhookAdapter(t *testing.T, outboundURL string) *WebhookAdapter {
	t.Helper()
	cfg := Config{
		ID: "hook1",
		Settings: map[string]interface{}{
			"outboundURL":   outboundURL,
			"subjectPrefix": "relay.human.webhook",
		},
	}
	adapter, err := NewWebhookAdapter(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewWebhookAdapter: %v", err)
	}
	return adapter.(*WebhookAdapter)
}

func TestNewWebhookAdapterRequiresOutboundURL(t *testing.T) {
	_, err := NewWebhookAdapter(Config{ID: "hook1"}, logging.NewNop())
	if err == nil {
		t.Fatal("expected error when outboundURL is missing")
	}
}

func TestWebhookDeliverPostsPayload(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := newTestWebhookAdapter(t, srv.URL)
	env := &envelope.Envelope{From: "relay.agent.sender", Payload: json.RawMessage(`{"content":"hi"}`)}

	result, err := adapter.Deliver("relay.human.webhook.bob", env)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful delivery, got %+v", result)
	}
	if received["subject"] != "relay.human.webhook.bob" {
		t.Errorf("posted subject = %v, want relay.human.webhook.bob", received["subject"])
	}
}

func TestWebhookDeliverEchoGuard(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	adapter := newTestWebhookAdapter(t, srv.URL)
	env := &envelope.Envelope{From: "relay.human.webhook.bob"}

	result, err := adapter.Deliver("relay.human.webhook.bob", env)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !result.Success {
		t.Errorf("expected echo guard to report success without calling out, got %+v", result)
	}
	if called {
		t.Error("expected echo guard to suppress the outbound POST")
	}
}

func TestWebhookDeliverReportsNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := newTestWebhookAdapter(t, srv.URL)
	env := &envelope.Envelope{From: "relay.agent.sender"}

	result, err := adapter.Deliver("relay.human.webhook.bob", env)
	if err != nil {
		t.Fatalf("Deliver returned transport error: %v", err)
	}
	if result.Success {
		t.Error("expected delivery to be reported as failed on 500 response")
	}
}

func TestWebhookInboundHandlerPublishesOnValidPayload(t *testing.T) {
	adapter := newTestWebhookAdapter(t, "http://unused.invalid")

	var gotSubject string
	adapter.Start(func(subject string, payload interface{}, from, replyTo string) (string, error) {
		gotSubject = subject
		return "msg-1", nil
	})

	r := chi.NewRouter()
	adapter.MountRoutes(r, "/webhook/in")

	body, _ := json.Marshal(map[string]interface{}{"senderId": "alice", "content": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/in", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("handler returned status %d, want 200", w.Code)
	}
	if gotSubject != "relay.human.webhook.alice" {
		t.Errorf("published subject = %q, want relay.human.webhook.alice", gotSubject)
	}
}

func TestWebhookInboundHandlerRejectsMissingSenderID(t *testing.T) {
	adapter := newTestWebhookAdapter(t, "http://unused.invalid")
	adapter.Start(func(subject string, payload interface{}, from, replyTo string) (string, error) {
		return "msg-1", nil
	})

	r := chi.NewRouter()
	adapter.MountRoutes(r, "/webhook/in")

	body, _ := json.Marshal(map[string]interface{}{"content": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/in", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("handler returned status %d, want 400", w.Code)
	}
}

func TestWebhookInboundHandlerRejectsBeforeStart(t *testing.T) {
	adapter := newTestWebhookAdapter(t, "http://unused.invalid")

	r := chi.NewRouter()
	adapter.MountRoutes(r, "/webhook/in")

	body, _ := json.Marshal(map[string]interface{}{"senderId": "alice", "content": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/in", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("handler returned status %d, want 503", w.Code)
	}
}
