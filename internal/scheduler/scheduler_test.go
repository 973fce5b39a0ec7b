// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finvoy/ledgerlink/internal/config"
	syncengine "github.com/finvoy/ledgerlink/internal/sync"
)

// fakeRunner counts runs and can block to simulate a slow pass.
type fakeRunner struct {
	runs    atomic.Int32
	blockCh chan struct{}
}

func (f *fakeRunner) SyncAll(_ context.Context, _ bool) syncengine.Summary {
	f.runs.Add(1)
	if f.blockCh != nil {
		<-f.blockCh
	}
	return syncengine.Summary{StartedAt: time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)}
}

type fakeStatusStore struct {
	next atomic.Value // time.Time
}

func (f *fakeStatusStore) SetNextSyncAt(_ context.Context, next time.Time) error {
	f.next.Store(next)
	return nil
}

func newTestScheduler(t *testing.T, runner SyncRunner) *Scheduler {
	t.Helper()
	s, err := New(runner, &fakeStatusStore{}, &config.SchedulerConfig{
		Enabled:   true,
		FireTimes: "02:00,10:00,18:00",
		Timezone:  "UTC",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SchedulerConfig
	}{
		{name: "bad fire times", cfg: config.SchedulerConfig{FireTimes: "25:00", Timezone: "UTC"}},
		{name: "bad timezone", cfg: config.SchedulerConfig{FireTimes: "02:00", Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&fakeRunner{}, &fakeStatusStore{}, &tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start() should fail while running")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	// Restart after stop works.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() after restart error = %v", err)
	}
}

func TestTriggerNowRunsWhilePaused(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner)

	s.Pause()
	summary, err := s.TriggerNow(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if runner.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runner.runs.Load())
	}
	if summary.StartedAt.IsZero() {
		t.Error("TriggerNow() returned empty summary")
	}

	st := s.Status()
	if !st.Paused {
		t.Error("Status().Paused = false, want true")
	}
	if st.LastRunAt == nil {
		t.Error("Status().LastRunAt not recorded after manual trigger")
	}
}

func TestTriggerNowRefusedWhileRunning(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	s := newTestScheduler(t, runner)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.TriggerNow(context.Background(), false)
	}()
	<-started

	// Wait for the first run to take the run lock.
	deadline := time.After(2 * time.Second)
	for runner.runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := s.TriggerNow(context.Background(), false); err == nil {
		t.Error("concurrent TriggerNow() should be refused")
	}
	close(runner.blockCh)
}

func TestScheduledFireSuppressedWhilePaused(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, runner)

	s.Pause()
	s.fire(context.Background())
	if runner.runs.Load() != 0 {
		t.Errorf("runs while paused = %d, want 0", runner.runs.Load())
	}

	s.Resume()
	s.fire(context.Background())
	if runner.runs.Load() != 1 {
		t.Errorf("runs after resume = %d, want 1", runner.runs.Load())
	}
}

func TestScheduledFireOverlapSkipped(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	s := newTestScheduler(t, runner)

	go s.fire(context.Background())

	deadline := time.After(2 * time.Second)
	for runner.runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first fire never started")
		case <-time.After(time.Millisecond):
		}
	}

	// A second fire while the first is still running is dropped.
	s.fire(context.Background())
	if got := runner.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (overlap skipped)", got)
	}
	close(runner.blockCh)
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{})

	st := s.Status()
	if !st.Enabled {
		t.Error("Enabled = false, want true")
	}
	if st.Running {
		t.Error("Running = true before Start")
	}
	if st.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC", st.Timezone)
	}
	want := []string{"02:00", "10:00", "18:00"}
	if len(st.FireTimes) != len(want) {
		t.Fatalf("FireTimes = %v, want %v", st.FireTimes, want)
	}
	for i := range want {
		if st.FireTimes[i] != want[i] {
			t.Errorf("FireTimes[%d] = %q, want %q", i, st.FireTimes[i], want[i])
		}
	}
}

func TestDisabledSchedulerStartsWithoutFiring(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(runner, &fakeStatusStore{}, &config.SchedulerConfig{
		Enabled:   false,
		FireTimes: "02:00",
		Timezone:  "UTC",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if runner.runs.Load() != 0 {
		t.Errorf("disabled scheduler ran %d times", runner.runs.Load())
	}

	// Manual trigger still works when the schedule is disabled.
	if _, err := s.TriggerNow(context.Background(), true); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if runner.runs.Load() != 1 {
		t.Errorf("runs after manual trigger = %d, want 1", runner.runs.Load())
	}
}

func TestConcurrentStop(t *testing.T) {
	s := newTestScheduler(t, &fakeRunner{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Both stops must return without a double close of the stop channel.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if s.Status().Running {
		t.Error("scheduler still reports running after Stop")
	}
}
