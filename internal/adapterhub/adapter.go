// Package adapterhub implements Relay's external channel adapters (spec
// §4.14, §6.5): the contract every adapter satisfies, the manager owning
// their lifecycle and hot-reload, and a Badger-backed status store.
package adapterhub

import (
	"time"

	"github.com/tenzoki/relay/internal/envelope"
)

// State is an adapter's runtime connectivity state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateStopping     State = "stopping"
)

// PublishFunc is how an adapter pushes an inbound channel message onto
// Relay. Bound to relay.Core.Publish by the caller assembling the manager,
// kept as a bare function type (not an interface naming relay.Core) so
// adapterhub never imports package relay.
type PublishFunc func(subject string, payload interface{}, from, replyTo string) (messageID string, err error)

// DeliveryResult is what Deliver reports for one outbound attempt (spec §4.14).
type DeliveryResult struct {
	Success           bool
	Error             string
	DeadLettered      bool
	ResponseMessageID string
	DurationMs        int64
}

// Status is the runtime snapshot GetStatus returns (spec §4.14).
type Status struct {
	State         State
	InboundCount  int64
	OutboundCount int64
	ErrorCount    int64
	LastError     string
	StartedAt     time.Time
}

// Adapter bridges one remote channel into Relay and vice versa (spec
// §4.14). Start/Stop must be idempotent; Stop must drain in-flight work.
type Adapter interface {
	ID() string
	SubjectPrefixes() []string
	DisplayName() string

	Start(publish PublishFunc) error
	Stop() error

	// Deliver sends env outbound to the remote channel. Implementations
	// apply the echo guard themselves (spec §4.14): an env whose From
	// equals the adapter's own inbound sender subject is skipped.
	Deliver(subject string, env *envelope.Envelope) (DeliveryResult, error)
	GetStatus() Status

	// TestConnection performs a non-destructive credential check. Adapters
	// without one return (true, nil).
	TestConnection() (bool, error)
}
