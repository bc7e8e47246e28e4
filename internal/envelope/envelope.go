// Package envelope provides Relay's core message structure: the Envelope
// that carries a payload between endpoints, and the Budget that bounds how
// far and how long it is allowed to travel.
//
// Called by: relay core, maildir store, index, trace store, receiver,
// scheduler, console.
package envelope

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// entropySource is process-private; envelope IDs only need to be
// monotonic and sortable within one process (spec.md §3.3), not globally
// unique across a fleet, so a single shared rand source is sufficient.
var entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// Envelope is the unit Relay publishes. Thread safety: envelopes are
// treated as immutable after creation; republishing derives a new Envelope
// (ForwardTo) rather than mutating the original, per spec.md §3.4 (B1).
type Envelope struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	ReplyTo string `json:"replyTo,omitempty"`

	Budget Budget `json:"budget"`

	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// NewID generates a fresh ULID. Two calls in sequence on the same process
// satisfy id1 < id2 lexicographically (spec.md §3.3, §8 invariant 10).
func NewID() string {
	ms := ulid.Timestamp(time.Now())
	id := ulid.MustNew(ms, entropySource)
	return id.String()
}

// New constructs an Envelope with a fresh ID and current timestamp. payload
// must already be a JSON-serializable value; it is marshaled to
// json.RawMessage for storage and transport.
func New(subject, from, replyTo string, budget Budget, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        NewID(),
		Subject:   subject,
		From:      from,
		ReplyTo:   replyTo,
		Budget:    budget,
		CreatedAt: time.Now(),
		Payload:   raw,
	}, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// ForwardTo returns a copy of e addressed to a new subject/from/replyTo with
// the supplied (already hop-incremented) budget, leaving e untouched. Used
// by the receiver and scheduler to republish stream events without mutating
// the incoming envelope (spec.md §3.4 B1).
func (e *Envelope) ForwardTo(subject, from, replyTo string, budget Budget, payload interface{}) (*Envelope, error) {
	return New(subject, from, replyTo, budget, payload)
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Budget = e.Budget.Clone()
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks that e has the fields required of any envelope crossing a
// trust boundary (spec.md §9 "runtime validation at every trust boundary").
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	if e.Subject == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "from is required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}

// ValidationError reports a single invalid envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
