// Package signal implements Relay's ephemeral, in-memory pub/sub: the same
// pattern-matching rules as the subscription registry, but with no
// persistence and strict first-thrower-wins error propagation (spec §4.6).
package signal

import (
	"sync"

	"github.com/tenzoki/relay/internal/subject"
)

// Handler reacts to an emitted signal. A non-nil return stops the emission:
// later handlers for the same Emit call do not run.
type Handler func(payload interface{}) error

type listener struct {
	id      int
	pattern string
	handler Handler
}

// Emitter is a thin topic dispatcher with no I/O and no durability. Safe
// for concurrent use.
type Emitter struct {
	mu      sync.Mutex
	nextID  int
	byOrder []*listener
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// On registers handler for pattern and returns a cancellation func.
func (e *Emitter) On(pattern string, handler Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	l := &listener{id: id, pattern: pattern, handler: handler}
	e.byOrder = append(e.byOrder, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}, nil
}

func (e *Emitter) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.byOrder {
		if l.id == id {
			e.byOrder = append(e.byOrder[:i], e.byOrder[i+1:]...)
			return
		}
	}
}

// Emit invokes every handler whose pattern matches concreteSubject, in
// registration order, passing payload through unchanged. The first handler
// to return an error stops the emission immediately: that error is
// returned and no later handler runs (first-thrower wins, spec §4.6).
func (e *Emitter) Emit(concreteSubject string, payload interface{}) error {
	e.mu.Lock()
	matched := make([]Handler, 0, len(e.byOrder))
	for _, l := range e.byOrder {
		if subject.Match(l.pattern, concreteSubject) {
			matched = append(matched, l.handler)
		}
	}
	e.mu.Unlock()

	for _, h := range matched {
		if err := h(payload); err != nil {
			return err
		}
	}
	return nil
}
