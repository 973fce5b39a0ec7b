// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	syncengine "github.com/finvoy/ledgerlink/internal/sync"
)

// SyncRunner is the engine surface the scheduler drives.
type SyncRunner interface {
	SyncAll(ctx context.Context, forceFull bool) syncengine.Summary
}

// StatusStore persists the informational next-fire timestamp.
type StatusStore interface {
	SetNextSyncAt(ctx context.Context, next time.Time) error
}

// Status is a read-only snapshot of the scheduler for the admin API.
type Status struct {
	Enabled   bool       `json:"enabled"`
	Running   bool       `json:"running"`
	Paused    bool       `json:"paused"`
	Timezone  string     `json:"timezone"`
	FireTimes []string   `json:"fire_times"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Scheduler fires sync_all at fixed times of day in a configured timezone.
// Pausing suppresses scheduled firing without dropping the schedule; manual
// triggers work even while paused.
type Scheduler struct {
	runner    SyncRunner
	store     StatusStore
	fireTimes []FireTime
	loc       *time.Location
	enabled   bool

	mu        sync.Mutex
	running   bool
	paused    bool
	nextFire  time.Time
	lastRunAt *time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}

	// runMu serializes runs. A scheduled fire that cannot take it is
	// skipped silently, never queued.
	runMu sync.Mutex

	// now is replaceable for deterministic next-fire tests.
	now func() time.Time
}

// New constructs a scheduler with its collaborators injected explicitly.
func New(runner SyncRunner, store StatusStore, cfg *config.SchedulerConfig) (*Scheduler, error) {
	fireTimes, err := ParseFireTimes(cfg.FireTimes)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler fire times: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{
		runner:    runner,
		store:     store,
		fireTimes: fireTimes,
		loc:       loc,
		enabled:   cfg.Enabled,
		now:       time.Now,
	}, nil
}

// SetNowFunc replaces the schedule clock. Tests only.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Start launches the schedule loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	if !s.enabled {
		logging.Info().Msg("scheduler disabled")
		go func() {
			defer close(doneCh)
			select {
			case <-stopCh:
			case <-ctx.Done():
			}
		}()
		return nil
	}

	times := make([]string, len(s.fireTimes))
	for i, ft := range s.fireTimes {
		times[i] = ft.String()
	}
	logging.Info().
		Strs("fire_times", times).
		Str("timezone", s.loc.String()).
		Msg("starting scheduler")

	go s.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the schedule loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	// Clear running before releasing the lock so a concurrent Stop cannot
	// close stopCh a second time.
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	logging.Info().Msg("scheduler stopped")
	return nil
}

// Serve adapts the scheduler to the supervision tree: it runs until the
// context is canceled, then shuts down cleanly.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) String() string {
	return "scheduler"
}

// Pause suppresses scheduled firing. The schedule keeps ticking so Resume
// needs no recomputation, and manual triggers still work.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	logging.Info().Msg("scheduler paused")
}

// Resume re-enables scheduled firing.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	logging.Info().Msg("scheduler resumed")
}

// TriggerNow runs sync_all immediately in the caller's goroutine and
// returns the summary. Works while paused. If a run is already in progress
// the trigger is refused rather than queued.
func (s *Scheduler) TriggerNow(ctx context.Context, forceFull bool) (syncengine.Summary, error) {
	if !s.runMu.TryLock() {
		return syncengine.Summary{}, fmt.Errorf("a sync run is already in progress")
	}
	defer s.runMu.Unlock()

	metrics.SchedulerRuns.WithLabelValues("manual").Inc()
	summary := s.runner.SyncAll(ctx, forceFull)
	s.recordRun(summary.StartedAt)
	return summary, nil
}

// Status returns a snapshot for the admin API.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	times := make([]string, len(s.fireTimes))
	for i, ft := range s.fireTimes {
		times[i] = ft.String()
	}
	st := Status{
		Enabled:   s.enabled,
		Running:   s.running,
		Paused:    s.paused,
		Timezone:  s.loc.String(),
		FireTimes: times,
		LastRunAt: s.lastRunAt,
	}
	if !s.nextFire.IsZero() {
		next := s.nextFire
		st.NextFire = &next
	}
	return st
}

// run is the schedule loop: sleep until the next fire time, fire, repeat.
// The channels are passed in so a Stop/Start cycle cannot swap them under a
// loop that is still draining.
func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		next := NextFire(s.now(), s.loc, s.fireTimes)
		s.publishNextFire(ctx, next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			s.fire(ctx)
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// fire executes one scheduled run, honoring pause and overlap rules.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		logging.Debug().Msg("scheduled fire suppressed while paused")
		return
	}

	if !s.runMu.TryLock() {
		metrics.SchedulerOverlapsSkipped.Inc()
		logging.Warn().Msg("scheduled fire skipped, previous run still in progress")
		return
	}
	defer s.runMu.Unlock()

	metrics.SchedulerRuns.WithLabelValues("schedule").Inc()
	summary := s.runner.SyncAll(ctx, false)
	s.recordRun(summary.StartedAt)
}

func (s *Scheduler) recordRun(startedAt time.Time) {
	s.mu.Lock()
	t := startedAt
	s.lastRunAt = &t
	s.mu.Unlock()
}

// publishNextFire records the upcoming fire time in memory, in metrics, and
// on the persisted status rows. The persisted copy is informational.
func (s *Scheduler) publishNextFire(ctx context.Context, next time.Time) {
	s.mu.Lock()
	s.nextFire = next
	s.mu.Unlock()

	metrics.SchedulerNextFire.Set(float64(next.Unix()))
	if err := s.store.SetNextSyncAt(ctx, next); err != nil {
		logging.Warn().Err(err).Msg("failed to persist next sync time")
	}
}
