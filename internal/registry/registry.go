// Package registry keeps the in-memory mapping from subject to registered
// Endpoint (kept consistent with the on-disk mailboxes/<hash>/ tree) and
// the ordered list of live subscriptions, the way the teacher's broker
// keeps its connections/topics maps (spec §4.4/§4.5).
package registry

import (
	"sync"

	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/subject"
)

// EndpointRegistry maps subject → Endpoint, guarded by an RWMutex the same
// way the teacher's broker.Service guards its topics/connections maps.
type EndpointRegistry struct {
	mu       sync.RWMutex
	baseDir  string
	store    *maildir.Store
	byHash   map[string]*Endpoint
	subjects map[string]*Endpoint
}

// NewEndpointRegistry returns a registry whose mailboxes live under baseDir,
// created via store.
func NewEndpointRegistry(baseDir string, store *maildir.Store) *EndpointRegistry {
	return &EndpointRegistry{
		baseDir:  baseDir,
		store:    store,
		byHash:   make(map[string]*Endpoint),
		subjects: make(map[string]*Endpoint),
	}
}

// RegisterEndpoint rejects empty or wildcard-bearing subjects and duplicate
// registration, ensures the mailbox directory tree exists, and inserts the
// new Endpoint (spec §4.4, I2).
func (r *EndpointRegistry) RegisterEndpoint(subj string) (*Endpoint, error) {
	if err := subject.ValidateConcrete(subj); err != nil {
		return nil, newRegistryError("registry: invalid subject %q: %v", subj, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subjects[subj]; exists {
		return nil, newRegistryError("registry: endpoint %q already registered", subj)
	}

	ep := newEndpoint(r.baseDir, subj)
	if err := r.store.EnsureMaildir(ep.Hash); err != nil {
		return nil, newRegistryError("registry: failed to ensure maildir for %q: %v", subj, err)
	}

	r.subjects[subj] = &ep
	r.byHash[ep.Hash] = &ep
	return &ep, nil
}

// UnregisterEndpoint removes the mapping and recursively deletes the
// mailbox directory. Unregistering a subject that was never registered is
// not an error; it returns false.
func (r *EndpointRegistry) UnregisterEndpoint(subj string) (bool, error) {
	r.mu.Lock()
	ep, exists := r.subjects[subj]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.subjects, subj)
	delete(r.byHash, ep.Hash)
	r.mu.Unlock()

	if err := r.store.Remove(ep.Hash); err != nil {
		return true, newRegistryError("registry: failed to remove mailbox for %q: %v", subj, err)
	}
	return true, nil
}

// GetEndpoint returns the endpoint registered at subj, or nil.
func (r *EndpointRegistry) GetEndpoint(subj string) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subjects[subj]
}

// GetEndpointByHash returns the endpoint whose hash is hash, or nil.
func (r *EndpointRegistry) GetEndpointByHash(hash string) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHash[hash]
}

// ListEndpoints returns a snapshot of every registered endpoint.
func (r *EndpointRegistry) ListEndpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.subjects))
	for _, ep := range r.subjects {
		out = append(out, *ep)
	}
	return out
}

// HasEndpoint reports whether subj is currently registered.
func (r *EndpointRegistry) HasEndpoint(subj string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subjects[subj]
	return ok
}

// Size returns the number of registered endpoints.
func (r *EndpointRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subjects)
}
