// Package backpressure implements Relay's per-endpoint mailbox-depth
// admission gate (spec §4.10): reject delivery once a mailbox's new/
// queue reaches its configured ceiling, and log a warning once it
// crosses a lower watermark without rejecting.
package backpressure

import (
	"fmt"

	"github.com/tenzoki/relay/internal/logging"
)

// Config is the per-deployment backpressure configuration.
type Config struct {
	Enabled        bool
	MaxMailboxSize int
	PressureWarnAt float64 // fraction of MaxMailboxSize, e.g. 0.8
}

// Result is what Check reports.
type Result struct {
	Allowed     bool
	Reason      string
	CurrentSize int
	MaxSize     int
	Pressure    float64
}

// CountFunc counts how many messages currently sit in an endpoint's new/
// mailbox. Implemented by internal/index.CountNewByEndpoint in production.
type CountFunc func(endpointHash string) (int, error)

// Gate evaluates admission for a single endpoint hash at a time.
type Gate struct {
	config  Config
	countFn CountFunc
	log     *logging.Logger
	warned  map[string]bool
}

// New returns a Gate. log may be nil-safe (logging.NewNop()) when warnings
// aren't needed by the caller.
func New(config Config, countFn CountFunc, log *logging.Logger) *Gate {
	return &Gate{config: config, countFn: countFn, log: log, warned: make(map[string]bool)}
}

// Check evaluates admission for hash. When disabled it always allows. On
// reject, Reason names both the current depth and the ceiling. Crossing
// PressureWarnAt logs a one-shot warning per hash but never rejects on its
// own; the warning re-arms once pressure drops back below the watermark.
func (g *Gate) Check(hash string) (Result, error) {
	if !g.config.Enabled {
		return Result{Allowed: true}, nil
	}

	currentSize, err := g.countFn(hash)
	if err != nil {
		return Result{}, fmt.Errorf("backpressure: failed to count mailbox for %s: %w", hash, err)
	}

	pressure := 0.0
	if g.config.MaxMailboxSize > 0 {
		pressure = float64(currentSize) / float64(g.config.MaxMailboxSize)
	}

	if currentSize >= g.config.MaxMailboxSize {
		return Result{
			Allowed:     false,
			Reason:      fmt.Sprintf("mailbox full: %d/%d messages queued", currentSize, g.config.MaxMailboxSize),
			CurrentSize: currentSize,
			MaxSize:     g.config.MaxMailboxSize,
			Pressure:    pressure,
		}, nil
	}

	if g.config.PressureWarnAt > 0 && pressure >= g.config.PressureWarnAt {
		if !g.warned[hash] {
			g.warned[hash] = true
			if g.log != nil {
				g.log.Warn("mailbox %s under pressure: %d/%d (%.0f%%)", hash, currentSize, g.config.MaxMailboxSize, pressure*100)
			}
		}
	} else {
		delete(g.warned, hash)
	}

	return Result{
		Allowed:     true,
		CurrentSize: currentSize,
		MaxSize:     g.config.MaxMailboxSize,
		Pressure:    pressure,
	}, nil
}
