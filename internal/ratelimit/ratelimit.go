// Package ratelimit implements Relay's sliding-window rate limiter, keyed
// by sender subject, with longest-prefix-match overrides (spec §4.8).
package ratelimit

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config mirrors the rate limiter's externally supplied settings.
type Config struct {
	Enabled           bool
	WindowSecs        int
	MaxPerWindow      int
	PerSenderOverride map[string]int
}

// Result is what CheckRateLimit reports.
type Result struct {
	Allowed      bool
	Reason       string
	CurrentCount int
	Limit        int
}

// CountFunc counts how many messages sender has sent since windowStart.
// Implemented by internal/index.CountSenderInWindow in production.
type CountFunc func(sender string, windowStartISO string) (int, error)

// Limiter resolves per-sender limits and evaluates the sliding window. A
// small LRU caches resolveLimit results so the common case of repeated
// senders avoids rescanning the override map on every publish.
type Limiter struct {
	config     Config
	countFn    CountFunc
	limitCache *lru.Cache[string, int]
}

// New returns a Limiter. countFn supplies the live per-sender window count;
// cacheSize bounds the resolveLimit cache (0 disables caching).
func New(config Config, countFn CountFunc, cacheSize int) (*Limiter, error) {
	l := &Limiter{config: config, countFn: countFn}
	if cacheSize > 0 {
		cache, err := lru.New[string, int](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: failed to create limit cache: %w", err)
		}
		l.limitCache = cache
	}
	return l, nil
}

// ResolveLimit selects the longest literal-string-prefix match in the
// configured overrides, falling back to MaxPerWindow. An empty override
// map means "always use the default".
func (l *Limiter) ResolveLimit(sender string) int {
	if l.limitCache != nil {
		if cached, ok := l.limitCache.Get(sender); ok {
			return cached
		}
	}

	limit := l.config.MaxPerWindow
	bestLen := -1
	for prefix, override := range l.config.PerSenderOverride {
		if strings.HasPrefix(sender, prefix) && len(prefix) > bestLen {
			limit = override
			bestLen = len(prefix)
		}
	}

	if l.limitCache != nil {
		l.limitCache.Add(sender, limit)
	}
	return limit
}

// CheckRateLimit evaluates sender's current sliding window. When the
// limiter is disabled it allows unconditionally and omits diagnostics.
func (l *Limiter) CheckRateLimit(sender string, now time.Time) (Result, error) {
	if !l.config.Enabled {
		return Result{Allowed: true}, nil
	}

	windowStart := now.Add(-time.Duration(l.config.WindowSecs) * time.Second).UTC().Format(time.RFC3339Nano)
	count, err := l.countFn(sender, windowStart)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: failed to count window for %s: %w", sender, err)
	}

	limit := l.ResolveLimit(sender)
	if count < limit {
		return Result{Allowed: true, CurrentCount: count, Limit: limit}, nil
	}

	return Result{
		Allowed:      false,
		Reason:       fmt.Sprintf("rate limit exceeded: %d/%d messages in %ds window", count, limit, l.config.WindowSecs),
		CurrentCount: count,
		Limit:        limit,
	}, nil
}
