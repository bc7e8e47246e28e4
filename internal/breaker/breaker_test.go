package breaker

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func testConfig() Config {
	return Config{Enabled: true, FailureThreshold: 3, CooldownMs: 50, SuccessToClose: 2}
}

func TestUnknownEndpointChecksAsClosed(t *testing.T) {
	b := New(testConfig())
	result := b.Check("hash1")
	if !result.Allowed || result.State != gobreaker.StateClosed {
		t.Errorf("unexpected result for unknown endpoint: %+v", result)
	}
}

func TestRecordSuccessOnUnknownEndpointIsNoop(t *testing.T) {
	b := New(testConfig())
	b.RecordSuccess("never-checked")
	if b.State("never-checked") != gobreaker.StateClosed {
		t.Error("expected state to remain implicit CLOSED, not create an entry")
	}
}

func TestFailureThresholdOpensCircuit(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	for i := 0; i < 3; i++ {
		b.RecordFailure("hash1")
	}
	if b.State("hash1") != gobreaker.StateOpen {
		t.Fatalf("expected OPEN after reaching failure threshold, got %v", b.State("hash1"))
	}
	result := b.Check("hash1")
	if result.Allowed {
		t.Error("expected OPEN circuit to reject immediately")
	}
	if result.Reason != "circuit open for endpoint hash1" {
		t.Errorf("Reason = %q", result.Reason)
	}
}

func TestSuccessResetsConsecutiveFailuresInClosed(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	b.RecordFailure("hash1")
	b.RecordFailure("hash1")
	b.RecordSuccess("hash1") // should reset the counter
	b.RecordFailure("hash1")
	b.RecordFailure("hash1")
	if b.State("hash1") != gobreaker.StateClosed {
		t.Error("expected breaker to remain CLOSED since success reset the failure count")
	}
}

func TestCooldownTransitionsToHalfOpenAndAllowsProbe(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	for i := 0; i < 3; i++ {
		b.RecordFailure("hash1")
	}
	if b.State("hash1") != gobreaker.StateOpen {
		t.Fatal("expected OPEN before cooldown elapses")
	}

	time.Sleep(60 * time.Millisecond)
	result := b.Check("hash1")
	if !result.Allowed || result.State != gobreaker.StateHalfOpen {
		t.Fatalf("expected HALF_OPEN probe to be allowed after cooldown, got %+v", result)
	}
}

func TestHalfOpenClosesAfterSuccessToClose(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	for i := 0; i < 3; i++ {
		b.RecordFailure("hash1")
	}
	time.Sleep(60 * time.Millisecond)
	b.Check("hash1") // transitions to HALF_OPEN

	b.RecordSuccess("hash1")
	if b.State("hash1") != gobreaker.StateHalfOpen {
		t.Fatal("expected still HALF_OPEN after one success (successToClose=2)")
	}
	b.RecordSuccess("hash1")
	if b.State("hash1") != gobreaker.StateClosed {
		t.Error("expected CLOSED after reaching successToClose")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	for i := 0; i < 3; i++ {
		b.RecordFailure("hash1")
	}
	time.Sleep(60 * time.Millisecond)
	b.Check("hash1") // transitions to HALF_OPEN

	b.RecordFailure("hash1")
	if b.State("hash1") != gobreaker.StateOpen {
		t.Error("expected a HALF_OPEN failure to reopen the circuit")
	}
}

func TestResetDeletesState(t *testing.T) {
	b := New(testConfig())
	b.Check("hash1")
	for i := 0; i < 3; i++ {
		b.RecordFailure("hash1")
	}
	b.Reset("hash1")
	if b.State("hash1") != gobreaker.StateClosed {
		t.Error("expected implicit CLOSED after Reset")
	}
	result := b.Check("hash1")
	if !result.Allowed {
		t.Error("expected allow immediately after Reset")
	}
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := New(cfg)
	b.Check("hash1")
	for i := 0; i < 10; i++ {
		b.RecordFailure("hash1")
	}
	result := b.Check("hash1")
	if !result.Allowed || result.State != gobreaker.StateClosed {
		t.Errorf("expected disabled breaker to always allow as CLOSED, got %+v", result)
	}
}
