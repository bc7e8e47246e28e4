// Package scheduler dispatches Pulse schedules on their cron ticks (spec
// §4.15). Grounded on public/agent/framework.go's Run lifecycle (init →
// process loop → signal-driven graceful shutdown), generalized from one
// message-processing goroutine to one cron engine driving many schedule
// ticks, and on internal/adapterhub.Manager's owns-a-background-watcher
// shape for the Start/Stop pairing.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/pulse"
	"github.com/tenzoki/relay/internal/relay"
)

// PulseDispatchPayload is the message body published to
// relay.system.pulse.<scheduleId> on each dispatch (spec §4.15 step 4).
type PulseDispatchPayload struct {
	Type           string `json:"type"`
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode"`
	ScheduleName   string `json:"scheduleName"`
	Cron           string `json:"cron"`
	Trigger        string `json:"trigger"`
}

// Config tunes the scheduler's admission limits and retention policy.
type Config struct {
	MaxConcurrentRuns     int           // global concurrency ceiling
	RetainRunsPerSchedule int           // keep N most recent runs per schedule
	ShutdownDrain         time.Duration // how long Stop waits for active runs to settle
}

// DefaultConfig returns the scheduler's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns:     10,
		RetainRunsPerSchedule: 50,
		ShutdownDrain:         30 * time.Second,
	}
}

// Scheduler owns the cron engine driving Pulse schedule dispatch.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	runs    *pulse.Store
	core    *relay.Core
	log     *logging.Logger
	engine  *cron.Cron
	entries map[string]cron.EntryID // scheduleID -> cron entry
}

// New constructs a Scheduler. Call LoadSchedules then Start.
func New(cfg Config, runs *pulse.Store, core *relay.Core, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		runs:    runs,
		core:    core,
		log:     log,
		engine:  cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// LoadSchedules registers a cron entry for every active schedule found in
// the store. Call before Start; schedules added later should go through
// AddSchedule/RemoveSchedule instead.
func (s *Scheduler) LoadSchedules() error {
	scheds, err := s.runs.ListSchedules()
	if err != nil {
		return fmt.Errorf("scheduler: failed to list schedules: %w", err)
	}
	for _, sched := range scheds {
		if sched.Status != pulse.ScheduleActive || !sched.Enabled {
			continue
		}
		if err := s.AddSchedule(sched); err != nil {
			s.log.Warn("scheduler: failed to register schedule %s: %v", sched.ID, err)
		}
	}
	return nil
}

// AddSchedule registers (or replaces) sched's cron entry.
func (s *Scheduler) AddSchedule(sched pulse.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sched.ID]; ok {
		s.engine.Remove(id)
		delete(s.entries, sched.ID)
	}

	scheduleID := sched.ID
	id, err := s.engine.AddFunc(sched.Cron, func() { s.dispatch(scheduleID) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q for schedule %s: %w", sched.Cron, sched.ID, err)
	}
	s.entries[sched.ID] = id
	return nil
}

// RemoveSchedule unregisters scheduleID's cron entry, if any.
func (s *Scheduler) RemoveSchedule(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[scheduleID]; ok {
		s.engine.Remove(id)
		delete(s.entries, scheduleID)
	}
}

// Start recovers stale runs from a prior process, then starts the cron
// engine (spec §4.15 "Startup recovery").
func (s *Scheduler) Start() error {
	affected, err := s.runs.RecoverStaleRuns("Interrupted by server restart")
	if err != nil {
		return fmt.Errorf("scheduler: failed to recover stale runs: %w", err)
	}
	if affected > 0 {
		s.log.Warn("scheduler: recovered %d stale run(s) from a prior process", affected)
	}
	s.engine.Start()
	return nil
}

// Stop halts cron firings and waits up to cfg.ShutdownDrain for active runs
// to settle before returning (spec §4.15 "Graceful shutdown"). It does not
// abort in-flight runs itself — those are driven to completion or timeout
// by the receiver; Stop only waits.
func (s *Scheduler) Stop() {
	ctx := s.engine.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.Now().Add(s.cfg.ShutdownDrain)
	for time.Now().Before(deadline) {
		count, err := s.runs.CountActiveRuns()
		if err != nil || count == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.log.Warn("scheduler: shutdown drain timed out with active runs still outstanding")
}

// dispatch runs the ordering contract for a single cron tick (spec §4.15
// steps 1-4).
func (s *Scheduler) dispatch(scheduleID string) {
	active, err := s.runs.CountActiveRuns()
	if err != nil {
		s.log.Error("scheduler: failed to count active runs for tick %s: %v", scheduleID, err)
		return
	}
	if active >= s.cfg.MaxConcurrentRuns {
		s.log.Warn("scheduler: global concurrency ceiling reached (%d), skipping tick for %s", s.cfg.MaxConcurrentRuns, scheduleID)
		return
	}

	overlapping, err := s.runs.HasActiveRun(scheduleID)
	if err != nil {
		s.log.Error("scheduler: failed to check overlap for %s: %v", scheduleID, err)
		return
	}
	if overlapping {
		s.log.Debug("scheduler: schedule %s has an active run, skipping tick", scheduleID)
		return
	}

	sched, err := s.runs.GetSchedule(scheduleID)
	if err != nil {
		s.log.Error("scheduler: failed to re-read schedule %s: %v", scheduleID, err)
		return
	}
	if sched == nil || !sched.Enabled || sched.Status != pulse.ScheduleActive {
		s.log.Debug("scheduler: schedule %s no longer active, skipping tick", scheduleID)
		return
	}

	runID := envelope.NewID()
	run := pulse.Run{
		ID:         runID,
		ScheduleID: sched.ID,
		Status:     pulse.RunScheduled,
		Trigger:    "scheduled",
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.runs.CreateRun(run); err != nil {
		s.log.Error("scheduler: failed to create run for %s: %v", sched.ID, err)
		return
	}

	ttl := time.Hour
	if sched.MaxRuntimeMs.Valid && sched.MaxRuntimeMs.Int64 > 0 {
		ttl = time.Duration(sched.MaxRuntimeMs.Int64) * time.Millisecond
	}

	payload := PulseDispatchPayload{
		Type:           "pulse_dispatch",
		ScheduleID:     sched.ID,
		RunID:          runID,
		Prompt:         sched.Prompt,
		PermissionMode: sched.PermissionMode,
		ScheduleName:   sched.Name,
		Cron:           sched.Cron,
		Trigger:        "scheduled",
	}
	if sched.Cwd.Valid {
		payload.Cwd = sched.Cwd.String
	}

	subject := "relay.system.pulse." + sched.ID
	result, err := s.core.Publish(subject, payload, relay.PublishOptions{
		From:    "relay.system.pulse",
		ReplyTo: subject + ".response",
		Budget: &envelope.Budget{
			MaxHops:             3,
			TTL:                 time.Now().Add(ttl).UnixMilli(),
			CallBudgetRemaining: envelope.DefaultBudget(nil).CallBudgetRemaining,
		},
	})
	if err != nil {
		s.failRun(runID, fmt.Sprintf("publish failed: %v", err))
		return
	}
	if result.DeliveredTo == 0 {
		s.failRun(runID, "No Relay receiver")
	}
}

func (s *Scheduler) failRun(runID string, reason string) {
	status := pulse.RunFailed
	finishedAt := time.Now().UnixMilli()
	if err := s.runs.UpdateRun(runID, pulse.RunUpdate{
		Status:     &status,
		FinishedAt: &finishedAt,
		Error:      &reason,
	}); err != nil {
		s.log.Error("scheduler: failed to mark run %s failed: %v", runID, err)
	}
}

// PruneSchedule applies retention pruning for one schedule (spec §4.15
// "retention pruning"). Callers typically invoke this after each
// completed run, or on a periodic timer.
func (s *Scheduler) PruneSchedule(scheduleID string) error {
	return s.runs.PruneRuns(scheduleID, s.cfg.RetainRunsPerSchedule)
}

// DirectDispatch runs a schedule's legacy non-Relay path: it calls fn
// directly and drives the run lifecycle inline, bypassing Publish. fn
// should block until the agent turn completes or ctx is cancelled (spec
// §4.15 step 4, "Direct mode").
func (s *Scheduler) DirectDispatch(ctx context.Context, scheduleID string, fn func(ctx context.Context, sched pulse.Schedule, runID string) error) error {
	sched, err := s.runs.GetSchedule(scheduleID)
	if err != nil {
		return fmt.Errorf("scheduler: failed to read schedule %s: %w", scheduleID, err)
	}
	if sched == nil {
		return fmt.Errorf("scheduler: schedule %s not found", scheduleID)
	}

	runID := envelope.NewID()
	if err := s.runs.CreateRun(pulse.Run{
		ID: runID, ScheduleID: sched.ID, Status: pulse.RunScheduled, Trigger: "direct", CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("scheduler: failed to create run: %w", err)
	}

	running := pulse.RunRunning
	startedAt := time.Now().UnixMilli()
	s.runs.UpdateRun(runID, pulse.RunUpdate{Status: &running, StartedAt: &startedAt})

	runErr := fn(ctx, *sched, runID)

	finishedAt := time.Now().UnixMilli()
	if runErr != nil {
		failed := pulse.RunFailed
		reason := runErr.Error()
		if err := s.runs.UpdateRun(runID, pulse.RunUpdate{Status: &failed, FinishedAt: &finishedAt, Error: &reason}); err != nil {
			return err
		}
		return runErr
	}
	completed := pulse.RunCompleted
	return s.runs.UpdateRun(runID, pulse.RunUpdate{Status: &completed, FinishedAt: &finishedAt})
}
