package adapterhub

import (
	"sync"
	"sync/atomic"
	"time"
)

// statusBase tracks the runtime counters every adapter reports via
// GetStatus, so concrete adapters only need to embed it and call the
// bump methods at the right points. Mirrors the teacher's BrokerClient
// mutex-guarded connection-state convention (internal/client/broker.go).
type statusBase struct {
	mu        sync.RWMutex
	state     State
	lastError string
	startedAt time.Time

	inboundCount  int64
	outboundCount int64
	errorCount    int64
}

func (s *statusBase) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == StateConnected && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
}

func (s *statusBase) setError(err string) {
	s.mu.Lock()
	s.lastError = err
	s.state = StateError
	s.mu.Unlock()
	atomic.AddInt64(&s.errorCount, 1)
}

func (s *statusBase) bumpInbound()  { atomic.AddInt64(&s.inboundCount, 1) }
func (s *statusBase) bumpOutbound() { atomic.AddInt64(&s.outboundCount, 1) }

func (s *statusBase) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		State:         s.state,
		InboundCount:  atomic.LoadInt64(&s.inboundCount),
		OutboundCount: atomic.LoadInt64(&s.outboundCount),
		ErrorCount:    atomic.LoadInt64(&s.errorCount),
		LastError:     s.lastError,
		StartedAt:     s.startedAt,
	}
}
