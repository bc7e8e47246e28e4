package backpressure

import (
	"errors"
	"testing"

	"github.com/tenzoki/relay/internal/logging"
)

func TestDisabledGateAlwaysAllows(t *testing.T) {
	g := New(Config{Enabled: false, MaxMailboxSize: 1}, func(string) (int, error) {
		return 100, nil
	}, logging.NewNop())

	result, err := g.Check("hash1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Allowed {
		t.Error("disabled gate should always allow")
	}
}

func TestAllowsBelowCeiling(t *testing.T) {
	g := New(Config{Enabled: true, MaxMailboxSize: 10}, func(string) (int, error) {
		return 5, nil
	}, logging.NewNop())

	result, err := g.Check("hash1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Allowed {
		t.Error("expected allow below ceiling")
	}
	if result.Pressure != 0.5 {
		t.Errorf("Pressure = %f, want 0.5", result.Pressure)
	}
}

func TestRejectsAtCeilingWithFormattedReason(t *testing.T) {
	g := New(Config{Enabled: true, MaxMailboxSize: 10}, func(string) (int, error) {
		return 10, nil
	}, logging.NewNop())

	result, err := g.Check("hash1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Allowed {
		t.Error("expected reject at ceiling")
	}
	want := "mailbox full: 10/10 messages queued"
	if result.Reason != want {
		t.Errorf("Reason = %q, want %q", result.Reason, want)
	}
}

func TestRejectsAboveCeiling(t *testing.T) {
	g := New(Config{Enabled: true, MaxMailboxSize: 10}, func(string) (int, error) {
		return 15, nil
	}, logging.NewNop())

	result, err := g.Check("hash1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Allowed {
		t.Error("expected reject above ceiling")
	}
}

func TestCrossingWarnThresholdStillAllows(t *testing.T) {
	g := New(Config{Enabled: true, MaxMailboxSize: 10, PressureWarnAt: 0.8}, func(string) (int, error) {
		return 9, nil
	}, logging.NewNop())

	result, err := g.Check("hash1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Allowed {
		t.Error("crossing the warn watermark must not reject")
	}
	if result.Pressure != 0.9 {
		t.Errorf("Pressure = %f, want 0.9", result.Pressure)
	}
}

func TestWarnIsOneShotUntilPressureDrops(t *testing.T) {
	calls := 0
	size := 9
	g := New(Config{Enabled: true, MaxMailboxSize: 10, PressureWarnAt: 0.8}, func(string) (int, error) {
		calls++
		return size, nil
	}, logging.NewNop())

	if _, err := g.Check("hash1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !g.warned["hash1"] {
		t.Fatal("expected hash1 to be marked warned after crossing watermark")
	}

	// Still above watermark: warned flag stays set, no panic/error on repeat.
	if _, err := g.Check("hash1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !g.warned["hash1"] {
		t.Error("expected warned flag to remain set while still under pressure")
	}

	// Pressure drops: re-arms.
	size = 2
	if _, err := g.Check("hash1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if g.warned["hash1"] {
		t.Error("expected warned flag to clear once pressure drops below watermark")
	}
}

func TestCountFnErrorPropagates(t *testing.T) {
	g := New(Config{Enabled: true, MaxMailboxSize: 10}, func(string) (int, error) {
		return 0, errors.New("index unavailable")
	}, logging.NewNop())

	_, err := g.Check("hash1")
	if err == nil {
		t.Error("expected error to propagate from countFn")
	}
}
