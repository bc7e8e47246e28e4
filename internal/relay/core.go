// Package relay implements Core, Relay's publish pipeline (spec §4.12):
// validate → ACL → rate limit → fan-out candidates → per-endpoint
// (breaker → backpressure → budget) → deliver → subscription dispatch.
//
// Grounded on public/agent/framework.go's Run lifecycle (init → connect →
// process loop → signal-driven graceful shutdown) and
// internal/broker/service.go's request-dispatch shape, generalized from
// "one broker process routing agent connections" to "one core orchestrating
// admission control in front of a durable per-endpoint mailbox".
package relay

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tenzoki/relay/internal/access"
	"github.com/tenzoki/relay/internal/backpressure"
	"github.com/tenzoki/relay/internal/breaker"
	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/ratelimit"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relayerr"
	"github.com/tenzoki/relay/internal/signal"
	"github.com/tenzoki/relay/internal/subject"
	"github.com/tenzoki/relay/internal/trace"
)

// PublishOptions carries the optional fields of a publish call.
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  *envelope.Budget // nil uses envelope.DefaultBudget(nil)
	TraceID string           // empty opens a new trace per spec §4.12
}

// RejectedEndpoint names one endpoint a publish could not deliver to.
type RejectedEndpoint struct {
	EndpointHash string
	Reason       string
}

// PublishResult is what Publish returns (spec §4.12 step 8).
type PublishResult struct {
	MessageID       string
	TraceID         string
	DeliveredTo     int
	Rejected        []RejectedEndpoint
	MailboxPressure map[string]float64
}

// Core wires every Relay subsystem into the publish pipeline and owns
// their lifecycle.
type Core struct {
	mu     sync.RWMutex
	closed bool

	maildirStore  *maildir.Store
	idx           *index.Index
	traceStore    *trace.Store
	endpoints     *registry.EndpointRegistry
	subscriptions *registry.SubscriptionRegistry
	signals       *signal.Emitter
	acl           *access.ACL
	rateLimiter   *ratelimit.Limiter
	circuit       *breaker.Breaker
	gate          *backpressure.Gate
	log           *logging.Logger
}

// Deps bundles Core's already-constructed collaborators. Every field is
// required; callers assemble them (config, DB opens, watchers) before
// calling New.
type Deps struct {
	MaildirStore  *maildir.Store
	Index         *index.Index
	TraceStore    *trace.Store
	Endpoints     *registry.EndpointRegistry
	Subscriptions *registry.SubscriptionRegistry
	Signals       *signal.Emitter
	ACL           *access.ACL
	RateLimiter   *ratelimit.Limiter
	Circuit       *breaker.Breaker
	Gate          *backpressure.Gate
	Log           *logging.Logger
}

// New assembles a Core from already-opened dependencies. Mailboxes present
// on disk but not registered are tolerated (spec §4.12 "On startup").
func New(d Deps) *Core {
	return &Core{
		maildirStore:  d.MaildirStore,
		idx:           d.Index,
		traceStore:    d.TraceStore,
		endpoints:     d.Endpoints,
		subscriptions: d.Subscriptions,
		signals:       d.Signals,
		acl:           d.ACL,
		rateLimiter:   d.RateLimiter,
		circuit:       d.Circuit,
		gate:          d.Gate,
		log:           d.Log,
	}
}

// Publish runs the canonical pipeline (spec §4.12) for a message published
// to subject by opts.From, fanning out to every registered endpoint whose
// subject matches.
func (c *Core) Publish(targetSubject string, payload interface{}, opts PublishOptions) (PublishResult, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return PublishResult{}, relayerr.ErrClosed
	}

	// 1. Validate subject (concrete, not a pattern) and build the envelope.
	if err := subject.ValidateConcrete(targetSubject); err != nil {
		return PublishResult{}, relayerr.New(relayerr.KindInvalidInput, err.Error())
	}

	budget := envelope.DefaultBudget(nil)
	if opts.Budget != nil {
		budget = *opts.Budget
	}

	env, err := envelope.New(targetSubject, opts.From, opts.ReplyTo, budget, payload)
	if err != nil {
		return PublishResult{}, relayerr.New(relayerr.KindInvalidInput, err.Error())
	}

	traceID := opts.TraceID
	if traceID == "" {
		traceID = env.ID
	}

	// 2. ACL.
	decision := c.acl.CheckAccess(opts.From, targetSubject)
	if !decision.Allowed {
		return PublishResult{}, relayerr.New(relayerr.KindAccessDenied, fmt.Sprintf("access denied: %s -> %s", opts.From, targetSubject))
	}

	// 3. Rate limit.
	now := time.Now()
	rlResult, err := c.rateLimiter.CheckRateLimit(opts.From, now)
	if err != nil {
		return PublishResult{}, relayerr.New(relayerr.KindRateLimited, err.Error())
	}
	if !rlResult.Allowed {
		c.recordRejectionSpan(env, traceID, "", "failed", rlResult.Reason)
		return PublishResult{}, relayerr.New(relayerr.KindRateLimited, rlResult.Reason)
	}

	// 4. Fan-out candidates: endpoints whose concrete subject matches.
	candidates := c.matchingEndpoints(targetSubject)

	result := PublishResult{MessageID: env.ID, TraceID: traceID, MailboxPressure: map[string]float64{}}

	for _, ep := range candidates {
		rejected, pressure := c.admitAndDeliver(env, ep, traceID, now)
		if rejected != nil {
			result.Rejected = append(result.Rejected, *rejected)
			continue
		}
		result.DeliveredTo++
		if pressure > 0 {
			result.MailboxPressure[ep.Hash] = pressure
		}
	}

	// 7. Subscription dispatch: synchronous, independent of endpoint fan-out.
	result.DeliveredTo += c.dispatchSubscriptions(env)

	return result, nil
}

// matchingEndpoints returns every registered endpoint whose concrete
// subject equals targetSubject (endpoints register concrete subjects, so
// matching here is literal equality per spec §4.12 step 4).
func (c *Core) matchingEndpoints(targetSubject string) []registry.Endpoint {
	all := c.endpoints.ListEndpoints()
	matched := make([]registry.Endpoint, 0, len(all))
	for _, ep := range all {
		if ep.Subject == targetSubject {
			matched = append(matched, ep)
		}
	}
	return matched
}

// admitAndDeliver runs the per-endpoint admission chain (breaker →
// backpressure → budget) and, on success, delivers to the mailbox and
// records the sent trace span. A non-nil *RejectedEndpoint means the
// endpoint was skipped without failing the whole publish (spec §4.12
// step 5); pressure is the endpoint's current mailbox pressure (0 if not
// computed).
func (c *Core) admitAndDeliver(env *envelope.Envelope, ep registry.Endpoint, traceID string, now time.Time) (*RejectedEndpoint, float64) {
	breakerResult := c.circuit.Check(ep.Hash)
	if !breakerResult.Allowed {
		return &RejectedEndpoint{EndpointHash: ep.Hash, Reason: breakerResult.Reason}, 0
	}

	gateResult, err := c.gate.Check(ep.Hash)
	if err != nil {
		return &RejectedEndpoint{EndpointHash: ep.Hash, Reason: err.Error()}, 0
	}
	if !gateResult.Allowed {
		return &RejectedEndpoint{EndpointHash: ep.Hash, Reason: gateResult.Reason}, gateResult.Pressure
	}

	updatedBudget, budgetErr := envelope.Enforce(env.Budget, ep.Subject, now)
	if budgetErr != nil {
		c.rejectToDeadLetter(env, ep, traceID, budgetErr)
		return &RejectedEndpoint{EndpointHash: ep.Hash, Reason: budgetErr.Reason}, gateResult.Pressure
	}

	deliverEnv := env.Clone()
	deliverEnv.Budget = updatedBudget

	filenameID, err := c.maildirStore.Deliver(ep.Hash, deliverEnv)
	if err != nil {
		return &RejectedEndpoint{EndpointHash: ep.Hash, Reason: fmt.Sprintf("delivery failed: %v", err)}, gateResult.Pressure
	}

	_ = c.idx.InsertMessage(index.Message{
		ID:           filenameID,
		Subject:      ep.Subject,
		Sender:       env.From,
		EndpointHash: ep.Hash,
		Status:       "new",
		CreatedAt:    now.UTC().Format(time.RFC3339Nano),
		TTL:          updatedBudget.TTL,
	})

	_ = c.traceStore.InsertSpan(trace.Span{
		MessageID:    filenameID,
		TraceID:      traceID,
		SpanID:       filenameID,
		Subject:      ep.Subject,
		FromEndpoint: env.From,
		ToEndpoint:   ep.Subject,
		Status:       "sent",
		SentAt:       now.UnixMilli(),
	})

	return nil, gateResult.Pressure
}

// rejectToDeadLetter handles a budget-enforcement rejection: the envelope
// goes straight to the endpoint's failed/ mailbox, with an index row and a
// trace span carrying the canonical rejection substring.
func (c *Core) rejectToDeadLetter(env *envelope.Envelope, ep registry.Endpoint, traceID string, budgetErr *relayerr.Error) {
	now := time.Now()
	_ = c.maildirStore.FailDirect(ep.Hash, env, budgetErr.Reason)

	_ = c.idx.InsertMessage(index.Message{
		ID:           env.ID,
		Subject:      ep.Subject,
		Sender:       env.From,
		EndpointHash: ep.Hash,
		Status:       "failed",
		CreatedAt:    now.UTC().Format(time.RFC3339Nano),
		TTL:          env.Budget.TTL,
	})

	_ = c.traceStore.InsertSpan(trace.Span{
		MessageID:    env.ID,
		TraceID:      traceID,
		SpanID:       env.ID,
		Subject:      ep.Subject,
		FromEndpoint: env.From,
		ToEndpoint:   ep.Subject,
		Status:       "dead_lettered",
		SentAt:       now.UnixMilli(),
		Error:        nullString(budgetErr.Substring),
	})
}

// recordRejectionSpan records a trace span for a publish-level rejection
// that never reaches endpoint fan-out (e.g. rate limiting).
func (c *Core) recordRejectionSpan(env *envelope.Envelope, traceID, toEndpoint, status, reason string) {
	_ = c.traceStore.InsertSpan(trace.Span{
		MessageID:    env.ID,
		TraceID:      traceID,
		SpanID:       env.ID,
		Subject:      env.Subject,
		FromEndpoint: env.From,
		ToEndpoint:   toEndpoint,
		Status:       status,
		SentAt:       time.Now().UnixMilli(),
		Error:        nullString(reason),
	})
}

// dispatchSubscriptions synchronously invokes every subscription handler
// whose pattern matches env.Subject (spec §4.12 step 7). Handler success
// and failure both feed back into the circuit breaker so a misbehaving
// in-process subscriber affects the same breaker state as a misbehaving
// mailbox consumer. It returns the number of handlers that ran without
// error, counted toward PublishResult.DeliveredTo alongside endpoint
// fan-out (spec §4.12 step 8) since a pattern subscriber with no
// registered endpoint — e.g. the receiver's relay.agent.>/
// relay.system.pulse.> handlers — is still a real message recipient.
func (c *Core) dispatchSubscriptions(env *envelope.Envelope) int {
	handlers := c.subscriptions.GetSubscribers(env.Subject)
	hash := registry.HashSubject(env.Subject)
	delivered := 0
	for _, h := range handlers {
		if err := h(env); err != nil {
			c.circuit.RecordFailure(hash)
			c.log.Warn("subscription handler for %s failed: %v", env.Subject, err)
			continue
		}
		c.circuit.RecordSuccess(hash)
		delivered++
	}
	return delivered
}

// Close idempotently shuts Core down; subsequent Publish/Subscribe/
// RegisterEndpoint calls reject with relayerr.ErrClosed.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.acl.Close(); err != nil {
		return err
	}
	if err := c.idx.Close(); err != nil {
		return err
	}
	return c.traceStore.Close()
}

// RegisterEndpoint registers a concrete endpoint subject, rejecting once
// Core is closed.
func (c *Core) RegisterEndpoint(subj string) (*registry.Endpoint, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, relayerr.ErrClosed
	}
	return c.endpoints.RegisterEndpoint(subj)
}

// Subscribe registers a pattern subscription, rejecting once Core is closed.
func (c *Core) Subscribe(pattern string, handler registry.Handler) (func(), error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, relayerr.ErrClosed
	}
	return c.subscriptions.Subscribe(pattern, handler)
}

// RebuildIndex rescans every registered endpoint's maildir and repopulates
// the index (spec §4.12 "rebuildIndex"), returning the number indexed.
func (c *Core) RebuildIndex() (int, error) {
	endpoints := c.endpoints.ListEndpoints()
	hashToSubject := make(map[string]string, len(endpoints))
	for _, ep := range endpoints {
		hashToSubject[ep.Hash] = ep.Subject
	}
	if err := c.idx.Rebuild(c.maildirStore, hashToSubject); err != nil {
		return 0, err
	}
	metrics, err := c.idx.GetMetrics()
	if err != nil {
		return 0, err
	}
	return metrics.TotalMessages, nil
}

// GetDeadLetters enumerates failed/<id>.reason.json sidecars across every
// registered endpoint, or a single one if endpointHash is non-empty.
func (c *Core) GetDeadLetters(endpointHash string) ([]maildir.DeadLetter, error) {
	var hashes []string
	if endpointHash != "" {
		hashes = []string{endpointHash}
	} else {
		for _, ep := range c.endpoints.ListEndpoints() {
			hashes = append(hashes, ep.Hash)
		}
	}

	var out []maildir.DeadLetter
	for _, hash := range hashes {
		ids, err := c.maildirStore.ListFailed(hash)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			dl, err := c.maildirStore.ReadDeadLetter(hash, id)
			if err != nil {
				return nil, err
			}
			if dl != nil {
				out = append(out, *dl)
			}
		}
	}
	return out, nil
}

// GetMetrics delegates to the index (spec §4.12 "getMetrics").
func (c *Core) GetMetrics() (*index.Metrics, error) {
	return c.idx.GetMetrics()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
