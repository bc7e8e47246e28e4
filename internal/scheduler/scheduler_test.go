package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/relay/internal/access"
	"github.com/tenzoki/relay/internal/backpressure"
	"github.com/tenzoki/relay/internal/breaker"
	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/pulse"
	"github.com/tenzoki/relay/internal/ratelimit"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relay"
	"github.com/tenzoki/relay/internal/signal"
	"github.com/tenzoki/relay/internal/trace"
)

type testEnv struct {
	sched *Scheduler
	runs  *pulse.Store
	core  *relay.Core
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir, err := os.MkdirTemp("", "scheduler-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	mstore := maildir.NewStore(filepath.Join(dir, "mailboxes"))
	idx, err := index.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	tstore, err := trace.Open(filepath.Join(dir, "trace.db"))
	if err != nil {
		t.Fatalf("trace.Open: %v", err)
	}
	t.Cleanup(func() { tstore.Close() })

	endpoints := registry.NewEndpointRegistry(filepath.Join(dir, "mailboxes"), mstore)
	subs := registry.NewSubscriptionRegistry(filepath.Join(dir, "subscriptions.json"))
	signals := signal.NewEmitter()

	acl, err := access.New(filepath.Join(dir, "access-rules.json"), logging.NewNop())
	if err != nil {
		t.Fatalf("access.New: %v", err)
	}
	t.Cleanup(func() { acl.Close() })

	rl, err := ratelimit.New(ratelimit.Config{Enabled: false}, idx.CountSenderInWindow, 0)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	circuit := breaker.New(breaker.Config{Enabled: false})
	gate := backpressure.New(backpressure.Config{Enabled: false}, idx.CountNewByEndpoint, logging.NewNop())

	core := relay.New(relay.Deps{
		MaildirStore:  mstore,
		Index:         idx,
		TraceStore:    tstore,
		Endpoints:     endpoints,
		Subscriptions: subs,
		Signals:       signals,
		ACL:           acl,
		RateLimiter:   rl,
		Circuit:       circuit,
		Gate:          gate,
		Log:           logging.NewNop(),
	})
	t.Cleanup(func() { core.Close() })

	runs, err := pulse.Open(filepath.Join(dir, "pulse.db"))
	if err != nil {
		t.Fatalf("pulse.Open: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	sched := New(cfg, runs, core, logging.NewNop())
	return &testEnv{sched: sched, runs: runs, core: core}
}

func TestDispatchSkipsWhenGlobalCeilingSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRuns = 1
	env := newTestEnv(t, cfg)

	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive, PermissionMode: "ask"})
	env.runs.CreateRun(pulse.Run{ID: "running-1", ScheduleID: "other", Status: pulse.RunRunning, Trigger: "scheduled", CreatedAt: 1})

	env.sched.dispatch("s1")

	runs, _ := env.runs.ListSchedules()
	_ = runs
	got, _ := env.runs.HasActiveRun("s1")
	if got {
		t.Error("expected no run created for s1 when global ceiling is saturated")
	}
}

func TestDispatchSkipsOnOverlap(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive, PermissionMode: "ask"})
	env.runs.CreateRun(pulse.Run{ID: "r1", ScheduleID: "s1", Status: pulse.RunRunning, Trigger: "scheduled", CreatedAt: 1})

	env.sched.dispatch("s1")

	count, _ := env.runs.CountActiveRuns()
	if count != 1 {
		t.Errorf("CountActiveRuns = %d, want 1 (no new run created on overlap)", count)
	}
}

func TestDispatchSkipsWhenScheduleDisabled(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: false, Status: pulse.ScheduleActive, PermissionMode: "ask"})

	env.sched.dispatch("s1")

	count, _ := env.runs.CountActiveRuns()
	if count != 0 {
		t.Errorf("CountActiveRuns = %d, want 0 for disabled schedule", count)
	}
}

func TestDispatchCreatesRunAndPublishes(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "nightly", Prompt: "summarize", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive, PermissionMode: "ask"})

	received := make(chan *envelope.Envelope, 1)
	unsub, err := env.core.Subscribe("relay.system.pulse.>", func(e *envelope.Envelope) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	env.sched.dispatch("s1")

	select {
	case e := <-received:
		var payload PulseDispatchPayload
		if err := e.UnmarshalPayload(&payload); err != nil {
			t.Fatalf("UnmarshalPayload: %v", err)
		}
		if payload.ScheduleID != "s1" || payload.Prompt != "summarize" {
			t.Errorf("payload = %+v, want ScheduleID=s1 Prompt=summarize", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch publish")
	}

	count, _ := env.runs.CountActiveRuns()
	if count != 1 {
		t.Errorf("CountActiveRuns = %d, want 1 (the newly scheduled run)", count)
	}
}

func TestDispatchFailsRunWhenNoReceiver(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive, PermissionMode: "ask"})

	env.sched.dispatch("s1")

	scheds, _ := env.runs.ListSchedules()
	if len(scheds) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(scheds))
	}

	deadline := time.Now().Add(1 * time.Second)
	var found *pulse.Run
	for time.Now().Before(deadline) {
		list, _ := env.runs.ListSchedules()
		_ = list
		active, _ := env.runs.HasActiveRun("s1")
		if !active {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = found

	active, err := env.runs.HasActiveRun("s1")
	if err != nil {
		t.Fatalf("HasActiveRun: %v", err)
	}
	if active {
		t.Error("expected run to be marked failed (no longer active) when nothing subscribes to relay.system.pulse.>")
	}
}

func TestAddScheduleAndRemoveSchedule(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sched := pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "0 9 * * *", Enabled: true, Status: pulse.ScheduleActive, PermissionMode: "ask"}

	if err := env.sched.AddSchedule(sched); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, ok := env.sched.entries["s1"]; !ok {
		t.Fatal("expected entry for s1 after AddSchedule")
	}

	env.sched.RemoveSchedule("s1")
	if _, ok := env.sched.entries["s1"]; ok {
		t.Error("expected entry for s1 to be removed")
	}
}

func TestAddScheduleRejectsInvalidCron(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sched := pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "not-a-cron-expression", Enabled: true, Status: pulse.ScheduleActive}

	if err := env.sched.AddSchedule(sched); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestStartRecoversStaleRuns(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.CreateRun(pulse.Run{ID: "stale-1", ScheduleID: "s1", Status: pulse.RunRunning, Trigger: "scheduled", CreatedAt: 1})

	if err := env.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer env.sched.Stop()

	run, err := env.runs.GetRun("stale-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != pulse.RunFailed {
		t.Errorf("stale run status = %s, want failed", run.Status)
	}
}

func TestDirectDispatchRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive})

	var ranWith string
	err := env.sched.DirectDispatch(context.Background(), "s1", func(ctx context.Context, sched pulse.Schedule, runID string) error {
		ranWith = sched.ID
		return nil
	})
	if err != nil {
		t.Fatalf("DirectDispatch: %v", err)
	}
	if ranWith != "s1" {
		t.Errorf("fn ran with schedule %q, want s1", ranWith)
	}

	list, _ := env.runs.ListSchedules()
	if len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(list))
	}
}

func TestDirectDispatchMarksRunFailedOnError(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.runs.UpsertSchedule(pulse.Schedule{ID: "s1", Name: "s1", Prompt: "p", Cron: "* * * * *", Enabled: true, Status: pulse.ScheduleActive})

	wantErr := errors.New("agent runtime exploded")
	err := env.sched.DirectDispatch(context.Background(), "s1", func(ctx context.Context, sched pulse.Schedule, runID string) error {
		return wantErr
	})
	if err == nil {
		t.Fatal("expected DirectDispatch to surface the run's error")
	}
}

func TestPruneScheduleDelegatesToStore(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	for i, id := range []string{"r1", "r2", "r3"} {
		env.runs.CreateRun(pulse.Run{ID: id, ScheduleID: "s1", Status: pulse.RunCompleted, Trigger: "scheduled", CreatedAt: int64(i)})
	}

	env.sched.cfg.RetainRunsPerSchedule = 1
	if err := env.sched.PruneSchedule("s1"); err != nil {
		t.Fatalf("PruneSchedule: %v", err)
	}

	if r, _ := env.runs.GetRun("r1"); r != nil {
		t.Error("expected r1 to be pruned")
	}
	if r, _ := env.runs.GetRun("r3"); r == nil {
		t.Error("expected r3 (most recent) to be retained")
	}
}
