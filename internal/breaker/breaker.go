// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package breaker implements a circuit breaker guarding calls to external
// dependencies. The breaker prevents cascading failures when a dependency is
// unavailable or slow: after a run of consecutive failures the circuit opens
// and calls fail fast, then a single probe is admitted once the cooldown
// elapses. Each failed recovery doubles the cooldown up to a ceiling, so a
// dependency in a prolonged outage is probed progressively less often.
//
// Breakers are constructed per dependency name and passed to the components
// that need them. There is no package-level instance.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
)

// errCallPanicked is recorded as the outcome when fn panics out of Call.
var errCallPanicked = errors.New("call panicked")

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the lowercase state name used in logs, metrics, and API
// responses.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

// OpenError is returned by Call when the circuit rejects a request without
// attempting it. RetryIn is the remaining cooldown; zero when the rejection
// came from a concurrent half-open probe.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit from closed.
	FailureThreshold int

	// BaseCooldown is the open-state cooldown after the first trip. Each
	// failed recovery doubles the cooldown up to MaxCooldown. A successful
	// recovery restores BaseCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	Cooldown            time.Duration `json:"cooldown_seconds"`
	RetryIn             time.Duration `json:"retry_in_seconds"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// MarshalJSON reports the duration fields in the seconds the field names
// promise instead of raw nanoseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		alias
		Cooldown float64 `json:"cooldown_seconds"`
		RetryIn  float64 `json:"retry_in_seconds"`
	}{alias(s), s.Cooldown.Seconds(), s.RetryIn.Seconds()})
}

// Breaker is a circuit breaker for a single named dependency. Safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  Config

	// now is replaceable for deterministic tests.
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	cooldown time.Duration
	openedAt time.Time
	probing  bool
	lastErr  string
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = cfg.BaseCooldown
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(StateClosed))
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	return &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		cooldown: cfg.BaseCooldown,
	}
}

// Call runs fn through the breaker. When the circuit is open and the
// cooldown has not elapsed, fn is not invoked and Call returns *OpenError.
// When the cooldown has elapsed a single probe is admitted; concurrent
// callers during the probe are rejected.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return err
	}

	// A panicking fn must still release the half-open probe slot, or the
	// breaker rejects every later call until an administrative reset.
	recorded := false
	defer func() {
		if !recorded {
			b.record(errCallPanicked)
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
	}()

	err := fn(ctx)
	recorded = true
	b.record(err)

	if err != nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return nil
}

// admit decides whether a call may proceed, transitioning open to half-open
// once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.openedAt.Add(b.cooldown).Sub(b.now())
		if remaining > 0 {
			return &OpenError{Name: b.name, RetryIn: remaining}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return &OpenError{Name: b.name}
		}
		b.probing = true
		return nil

	default:
		return &OpenError{Name: b.name}
	}
}

// record applies the call outcome to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return
	}
	b.lastErr = err.Error()
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		// Recovery: restore the base cooldown.
		b.probing = false
		b.failures = 0
		b.cooldown = b.cfg.BaseCooldown
		b.lastErr = ""
		b.transition(StateClosed)
	case StateClosed:
		b.failures = 0
	case StateOpen:
		// A call admitted before the trip finishing after it. Ignore.
	}
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.failures))
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
			logging.Warn().
				Str("breaker", b.name).
				Int("consecutive_failures", b.failures).
				Dur("cooldown", b.cooldown).
				Msg("circuit opened")
		}
	case StateHalfOpen:
		// Failed probe: reopen with a doubled cooldown, capped.
		b.probing = false
		b.failures++
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.openedAt = b.now()
		b.transition(StateOpen)
		logging.Warn().
			Str("breaker", b.name).
			Dur("cooldown", b.cooldown).
			Msg("probe failed, circuit reopened")
	case StateOpen:
	}
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.failures))
}

// transition moves to a new state and records the change. Caller holds mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(stateToFloat(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()

	logging.Debug().
		Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit state transition")
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		Cooldown:            b.cooldown,
		LastError:           b.lastErr,
	}
	if b.state == StateOpen {
		openedAt := b.openedAt
		st.OpenedAt = &openedAt
		if remaining := b.openedAt.Add(b.cooldown).Sub(b.now()); remaining > 0 {
			st.RetryIn = remaining
		}
	}
	return st
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker closed regardless of current state, clearing the
// failure count and restoring the base cooldown. Intended for administrative
// use after a known-resolved outage.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.cooldown = b.cfg.BaseCooldown
	b.probing = false
	b.lastErr = ""
	b.transition(StateClosed)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)

	logging.Info().Str("breaker", b.name).Msg("circuit breaker reset")
}

// SetNowFunc replaces the breaker's clock. Tests only.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
