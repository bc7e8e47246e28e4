// Package agentruntime defines Relay's boundary with the external agent
// process: the contract the receiver drives (SendMessage, EnsureSession)
// and nothing of the agent's own implementation. Grounded on the
// teacher's AgentRunner interface (public/agent/agent.go), generalized
// from "process one BrokerMessage synchronously" to "stream events for
// one turn of a session".
//
// Called by: receiver, scheduler.
package agentruntime

import "context"

// EventType enumerates the kinds of events a streamed turn emits.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolUse   EventType = "tool_use"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one increment of a streamed agent turn.
type Event struct {
	Type    EventType
	Text    string
	Err     error
	Payload interface{}
}

// SessionOptions carries the per-session settings extracted from an
// envelope's platformData (spec §4.13 step 3).
type SessionOptions struct {
	Cwd            string
	PermissionMode string
}

// SendOptions carries the per-call settings for one streamed turn.
type SendOptions struct {
	// TTL bounds how long the runtime may keep streaming before the
	// caller gives up and cancels ctx (spec §4.13 step 3, §4.15 step 3).
	TTL int64 // epoch ms; 0 means no deadline beyond ctx
}

// Runtime is the external agent process Relay drives. Implementations
// run arbitrarily long tool-using turns; SendMessage must respect ctx
// cancellation and close its event channel when the turn ends, however
// it ends.
type Runtime interface {
	// EnsureSession creates sessionId if it does not already exist,
	// applying opts. Idempotent for an existing session.
	EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error

	// SendMessage starts (or continues) a turn in sessionID with content,
	// streaming Events until the turn completes, errors, or ctx is
	// cancelled. The returned channel is always closed by the runtime.
	SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (<-chan Event, error)
}
