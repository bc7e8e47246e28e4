package envelope

import (
	"testing"
	"time"
)

func TestNewIDMonotonic(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if id1 >= id2 {
		t.Fatalf("expected id1 < id2 lexicographically, got %q >= %q", id1, id2)
	}
}

func TestNewAndUnmarshalPayload(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
	}
	budget := DefaultBudget(nil)
	env, err := New("relay.agent.echo", "relay.console.user", "", budget, payload{Text: "hello"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID == "" {
		t.Error("expected non-empty ID")
	}
	if env.Subject != "relay.agent.echo" {
		t.Errorf("Subject = %s", env.Subject)
	}

	var got payload
	if err := env.UnmarshalPayload(&got); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("payload.Text = %s, want hello", got.Text)
	}
}

func TestForwardToDoesNotMutateOriginal(t *testing.T) {
	budget := DefaultBudget(nil)
	orig, err := New("relay.agent.a", "relay.agent.caller", "", budget, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	origID := orig.ID
	origSubject := orig.Subject

	updatedBudget, rej := Enforce(orig.Budget, "relay.agent.b", time.Now())
	if rej != nil {
		t.Fatalf("Enforce: %+v", rej)
	}
	fwd, err := orig.ForwardTo("relay.agent.b", "relay.agent.a", orig.ReplyTo, updatedBudget, map[string]string{"k": "v2"})
	if err != nil {
		t.Fatalf("ForwardTo: %v", err)
	}

	if orig.ID != origID || orig.Subject != origSubject {
		t.Error("ForwardTo mutated the original envelope")
	}
	if fwd.ID == orig.ID {
		t.Error("forwarded envelope should have a fresh ID")
	}
	if fwd.Subject != "relay.agent.b" {
		t.Errorf("forwarded Subject = %s, want relay.agent.b", fwd.Subject)
	}
}

func TestCloneDeepCopiesPayloadAndBudget(t *testing.T) {
	env, err := New("relay.agent.a", "relay.agent.b", "", DefaultBudget(nil), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clone := env.Clone()
	clone.Payload[0] = 'X'
	clone.Budget.AncestorChain = append(clone.Budget.AncestorChain, "relay.agent.z")

	if string(env.Payload) == string(clone.Payload) {
		t.Error("Clone aliased Payload backing array")
	}
	if len(env.Budget.AncestorChain) == len(clone.Budget.AncestorChain) {
		t.Error("Clone aliased Budget.AncestorChain backing array")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing id", Envelope{Subject: "relay.agent.a", From: "relay.agent.b", Payload: []byte("{}")}},
		{"missing subject", Envelope{ID: "01ABC", From: "relay.agent.b", Payload: []byte("{}")}},
		{"missing from", Envelope{ID: "01ABC", Subject: "relay.agent.a", Payload: []byte("{}")}},
		{"missing payload", Envelope{ID: "01ABC", Subject: "relay.agent.a", From: "relay.agent.b"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.env.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsCompleteEnvelope(t *testing.T) {
	env, err := New("relay.agent.a", "relay.agent.b", "", DefaultBudget(nil), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("Validate() on well-formed envelope: %v", err)
	}
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	env, err := New("relay.agent.a", "relay.agent.b", "relay.agent.c", DefaultBudget(nil), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := env.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.ID != env.ID || got.Subject != env.Subject || got.ReplyTo != env.ReplyTo {
		t.Errorf("round trip mismatch: %+v vs %+v", got, env)
	}
}
