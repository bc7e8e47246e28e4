// Package breaker implements Relay's per-endpoint circuit breaker state
// machine (spec §4.9): CLOSED/OPEN/HALF_OPEN, keyed by endpoint hash.
//
// The three-state model and State type are borrowed from sony/gobreaker;
// the transition rules themselves are spec-exact (check/recordSuccess/
// recordFailure as three independently callable operations) rather than
// gobreaker's single Execute-wrapped call, so the state machine below is
// hand-rolled around gobreaker.State instead of gobreaker.CircuitBreaker.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config is the per-deployment breaker configuration (spec §4.9).
type Config struct {
	Enabled          bool
	FailureThreshold int
	CooldownMs       int
	SuccessToClose   int
}

// CheckResult is what Check reports.
type CheckResult struct {
	Allowed bool
	Reason  string
	State   gobreaker.State
}

type endpointState struct {
	mu                  sync.Mutex
	state               gobreaker.State
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
}

// Breaker tracks one endpointState per endpoint hash.
type Breaker struct {
	config Config
	mu     sync.Mutex
	byHash map[string]*endpointState
}

// New returns a Breaker with no endpoints yet tracked.
func New(config Config) *Breaker {
	return &Breaker{config: config, byHash: make(map[string]*endpointState)}
}

func (b *Breaker) getOrCreate(hash string) *endpointState {
	b.mu.Lock()
	defer b.mu.Unlock()
	es, ok := b.byHash[hash]
	if !ok {
		es = &endpointState{state: gobreaker.StateClosed}
		b.byHash[hash] = es
	}
	return es
}

func (b *Breaker) get(hash string) (*endpointState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	es, ok := b.byHash[hash]
	return es, ok
}

// Check reports whether a delivery attempt to hash should proceed. Unknown
// endpoints are implicitly created in CLOSED. When the breaker is disabled,
// Check always allows and reports CLOSED.
func (b *Breaker) Check(hash string) CheckResult {
	if !b.config.Enabled {
		return CheckResult{Allowed: true, State: gobreaker.StateClosed}
	}

	es := b.getOrCreate(hash)
	es.mu.Lock()
	defer es.mu.Unlock()

	switch es.state {
	case gobreaker.StateClosed:
		return CheckResult{Allowed: true, State: gobreaker.StateClosed}

	case gobreaker.StateOpen:
		if time.Since(es.openedAt) >= time.Duration(b.config.CooldownMs)*time.Millisecond {
			es.state = gobreaker.StateHalfOpen
			es.halfOpenSuccesses = 0
			return CheckResult{Allowed: true, State: gobreaker.StateHalfOpen}
		}
		return CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("circuit open for endpoint %s", hash),
			State:   gobreaker.StateOpen,
		}

	default: // StateHalfOpen
		return CheckResult{Allowed: true, State: gobreaker.StateHalfOpen}
	}
}

// RecordSuccess reports a successful delivery to hash. A no-op on an
// endpoint that has never been Checked.
func (b *Breaker) RecordSuccess(hash string) {
	es, ok := b.get(hash)
	if !ok {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	switch es.state {
	case gobreaker.StateClosed:
		es.consecutiveFailures = 0
	case gobreaker.StateHalfOpen:
		es.halfOpenSuccesses++
		if es.halfOpenSuccesses >= b.config.SuccessToClose {
			es.state = gobreaker.StateClosed
			es.consecutiveFailures = 0
			es.halfOpenSuccesses = 0
			es.openedAt = time.Time{}
		}
	}
}

// RecordFailure reports a failed delivery to hash. A no-op on an endpoint
// that has never been Checked.
func (b *Breaker) RecordFailure(hash string) {
	es, ok := b.get(hash)
	if !ok {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	switch es.state {
	case gobreaker.StateClosed:
		es.consecutiveFailures++
		if es.consecutiveFailures >= b.config.FailureThreshold {
			es.state = gobreaker.StateOpen
			es.openedAt = time.Now()
		}
	case gobreaker.StateHalfOpen:
		es.state = gobreaker.StateOpen
		es.halfOpenSuccesses = 0
		es.openedAt = time.Now()
	}
}

// Reset fully deletes hash's tracked state.
func (b *Breaker) Reset(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byHash, hash)
}

// State reports hash's current state without mutating it. Unknown
// endpoints report CLOSED.
func (b *Breaker) State(hash string) gobreaker.State {
	if !b.config.Enabled {
		return gobreaker.StateClosed
	}
	es, ok := b.get(hash)
	if !ok {
		return gobreaker.StateClosed
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.state
}
