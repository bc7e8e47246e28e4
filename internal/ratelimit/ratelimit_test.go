package ratelimit

import (
	"testing"
	"time"
)

func TestResolveLimitUsesLongestPrefixMatch(t *testing.T) {
	l, err := New(Config{
		MaxPerWindow: 10,
		PerSenderOverride: map[string]int{
			"relay.human.":         5,
			"relay.human.telegram": 2,
		},
	}, nil, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := l.ResolveLimit("relay.human.telegram.12345"); got != 2 {
		t.Errorf("ResolveLimit = %d, want 2 (longest prefix)", got)
	}
	if got := l.ResolveLimit("relay.human.console.abc"); got != 5 {
		t.Errorf("ResolveLimit = %d, want 5", got)
	}
	if got := l.ResolveLimit("relay.agent.echo"); got != 10 {
		t.Errorf("ResolveLimit = %d, want default 10", got)
	}
}

func TestResolveLimitEmptyOverridesUsesDefault(t *testing.T) {
	l, err := New(Config{MaxPerWindow: 7}, nil, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := l.ResolveLimit("relay.agent.echo"); got != 7 {
		t.Errorf("ResolveLimit = %d, want 7", got)
	}
}

func TestCheckRateLimitDisabledAllowsUnconditionally(t *testing.T) {
	l, err := New(Config{Enabled: false, MaxPerWindow: 1}, func(string, string) (int, error) {
		return 100, nil
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := l.CheckRateLimit("relay.agent.echo", time.Now())
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !result.Allowed {
		t.Error("disabled limiter should always allow")
	}
	if result.Reason != "" {
		t.Errorf("expected no diagnostics when disabled, got %q", result.Reason)
	}
}

func TestCheckRateLimitAllowsBelowLimit(t *testing.T) {
	l, err := New(Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 5}, func(string, string) (int, error) {
		return 4, nil
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := l.CheckRateLimit("relay.agent.echo", time.Now())
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !result.Allowed {
		t.Error("expected allow when count < limit")
	}
}

func TestCheckRateLimitRejectsAtLimitWithFormattedReason(t *testing.T) {
	l, err := New(Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 5}, func(string, string) (int, error) {
		return 5, nil
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := l.CheckRateLimit("relay.agent.echo", time.Now())
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if result.Allowed {
		t.Error("expected reject when count == limit")
	}
	want := "rate limit exceeded: 5/5 messages in 60s window"
	if result.Reason != want {
		t.Errorf("Reason = %q, want %q", result.Reason, want)
	}
}

func TestLimitCacheReturnsStableResultsAcrossOverrideChanges(t *testing.T) {
	cfg := Config{MaxPerWindow: 10, PerSenderOverride: map[string]int{"relay.human.": 5}}
	l, err := New(cfg, nil, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := l.ResolveLimit("relay.human.telegram.1"); got != 5 {
		t.Fatalf("ResolveLimit = %d, want 5", got)
	}
	// Mutating the config map after the cache is warm must not change the
	// already-cached resolution for this sender.
	cfg.PerSenderOverride["relay.human."] = 999
	if got := l.ResolveLimit("relay.human.telegram.1"); got != 5 {
		t.Errorf("cached ResolveLimit changed to %d, want stable 5", got)
	}
}
