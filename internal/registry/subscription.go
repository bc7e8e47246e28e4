package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/subject"
)

// Handler is invoked once per matching publish. Returning an error marks
// the message failed in the relay core's dispatch step (spec §4.12).
type Handler func(env *envelope.Envelope) error

// SubscriptionInfo is the restart-stable identity of one subscription,
// without its handler — what ListSubscriptions and the persisted snapshot
// expose.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`
}

type subscription struct {
	SubscriptionInfo
	handler Handler
	inert   bool
}

// SubscriptionRegistry is an ordered collection of pattern→handler
// subscriptions, persisted to disk so identity survives a restart (spec
// §4.5). Restored entries carry an inert (no-op) handler until the owning
// subsystem re-subscribes with a real one.
type SubscriptionRegistry struct {
	mu     sync.Mutex
	path   string
	nextID int
	order  []*subscription
	byID   map[string]*subscription
}

// NewSubscriptionRegistry returns a registry persisting its snapshot to
// path. If path already holds a valid snapshot, entries are restored with
// inert handlers; corrupt, missing, or invalid content degrades silently
// to "no subscriptions".
func NewSubscriptionRegistry(path string) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		path: path,
		byID: make(map[string]*subscription),
	}
	r.restore()
	return r
}

func (r *SubscriptionRegistry) restore() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var infos []SubscriptionInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return
	}
	for _, info := range infos {
		if err := subject.ValidatePattern(info.Pattern); err != nil {
			continue
		}
		sub := &subscription{
			SubscriptionInfo: info,
			handler:          func(*envelope.Envelope) error { return nil },
			inert:            true,
		}
		r.order = append(r.order, sub)
		r.byID[sub.ID] = sub
	}
}

func (r *SubscriptionRegistry) persistLocked() error {
	infos := make([]SubscriptionInfo, 0, len(r.order))
	for _, sub := range r.order {
		infos = append(infos, sub.SubscriptionInfo)
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("registry: failed to marshal subscriptions: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("registry: failed to create %s: %w", dir, err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: failed to write subscriptions snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("registry: failed to commit subscriptions snapshot: %w", err)
	}
	return nil
}

// Subscribe validates pattern, registers handler, and returns a
// cancellation handle. The handle is idempotent: calling it more than once
// is a no-op.
func (r *SubscriptionRegistry) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, newRegistryError("registry: invalid subscription pattern %q: %v", pattern, err)
	}

	r.mu.Lock()
	// A restored inert entry with the same pattern is re-armed in place,
	// keeping its identity, instead of being duplicated.
	var sub *subscription
	for _, existing := range r.order {
		if existing.inert && existing.Pattern == pattern {
			existing.handler = handler
			existing.inert = false
			sub = existing
			break
		}
	}
	if sub == nil {
		r.nextID++
		sub = &subscription{
			SubscriptionInfo: SubscriptionInfo{ID: fmt.Sprintf("sub-%d", r.nextID), Pattern: pattern, CreatedAt: time.Now()},
			handler:          handler,
		}
		r.order = append(r.order, sub)
		r.byID[sub.ID] = sub
	}
	id := sub.ID
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { r.remove(id) })
	}
	return cancel, nil
}

func (r *SubscriptionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, sub := range r.order {
		if sub.ID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked()
}

// GetSubscribers returns the handlers whose pattern matches concreteSubject,
// in insertion order.
func (r *SubscriptionRegistry) GetSubscribers(concreteSubject string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Handler
	for _, sub := range r.order {
		if subject.Match(sub.Pattern, concreteSubject) {
			matched = append(matched, sub.handler)
		}
	}
	return matched
}

// ListSubscriptions returns a snapshot of every subscription's identity.
func (r *SubscriptionRegistry) ListSubscriptions() []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(r.order))
	for _, sub := range r.order {
		out = append(out, sub.SubscriptionInfo)
	}
	return out
}

// RemoveAllSubscriptions clears every subscription; previously returned
// cancel handles become no-ops.
func (r *SubscriptionRegistry) RemoveAllSubscriptions() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.byID = make(map[string]*subscription)
	return r.persistLocked()
}

// InertCount reports how many restored subscriptions still carry an inert
// (no-op) handler because the owning subsystem hasn't re-subscribed yet —
// an operator-facing warning metric per spec §9.
func (r *SubscriptionRegistry) InertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, sub := range r.order {
		if sub.inert {
			count++
		}
	}
	return count
}
