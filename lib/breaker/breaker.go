// Vectra
// Copyright (C) 2025 Vectra Labs, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package breaker implements the circuit breaker that guards calls to the
// remote cache tier. The breaker fails fast while a tier is degraded and
// probes for recovery after a cooldown window.
package breaker

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
)

// State represents the operating state of a CircuitBreaker.
type State int

const (
	// StateClosed is the normal operating state: calls flow through and
	// consecutive failures are counted.
	StateClosed State = iota
	// StateOpen fails all calls fast without touching the wire.
	StateOpen
	// StateHalfOpen allows probe calls through; the first result decides
	// whether the breaker closes again or reopens.
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: vectra.MetricNamespace,
	Subsystem: "breaker",
	Name:      "state_transitions_total",
	Help:      "Breaker state transitions by target state.",
}, []string{"name", "to"})

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(stateTransitions)
	})
}

// Config contains the parameters for [New].
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// RecoveryWindow is how long the breaker stays open before allowing a
	// probe call through.
	RecoveryWindow time.Duration
	// Clock is the time source used for recovery window checks.
	Clock clockwork.Clock
	// OnStateChange, if set, is invoked after every transition. It is
	// called outside the breaker lock.
	OnStateChange func(from, to State)
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		c.Name = vectra.ComponentBreaker
	}
	if c.FailureThreshold < 0 {
		return trace.BadParameter("failure threshold must not be negative")
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.BreakerFailureThreshold
	}
	if c.RecoveryWindow < 0 {
		return trace.BadParameter("recovery window must not be negative")
	}
	if c.RecoveryWindow == 0 {
		c.RecoveryWindow = defaults.BreakerRecoveryWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CircuitBreaker tracks consecutive failures of an outbound dependency and
// fails fast once the dependency is considered down.
type CircuitBreaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
}

// New returns a CircuitBreaker in the closed state.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &CircuitBreaker{cfg: cfg}, nil
}

// State returns the current state of the breaker.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open, the call is allowed
// only once the recovery window has elapsed since the last failure, at which
// point the breaker moves to half-open and the call acts as a probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.lastFailure) >= b.cfg.RecoveryWindow {
			notify := b.transitionLocked(StateHalfOpen)
			b.mu.Unlock()
			notify()
			return true
		}
		b.mu.Unlock()
		return false
	}

	b.mu.Unlock()
	return false
}

// OnSuccess records a successful call, resetting the failure counter and
// closing the breaker from half-open.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	notify()
}

// OnFailure records a failed call. From half-open any failure reopens the
// breaker; from closed the breaker opens once the threshold is reached.
func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.lastFailure = b.cfg.Clock.Now()

	notify := func() {}
	switch b.state {
	case StateHalfOpen:
		notify = b.transitionLocked(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	notify()
}

// Execute runs fn under the breaker. When the breaker is open the call fails
// fast with a connection problem error and fn is never invoked.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if !b.Allow() {
		return trace.ConnectionProblem(nil, "circuit breaker %v is open", b.cfg.Name)
	}
	if err := fn(); err != nil {
		b.OnFailure()
		return trace.Wrap(err)
	}
	b.OnSuccess()
	return nil
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// transitionLocked moves the breaker to the target state and returns a
// closure that emits metrics and the state change callback. The closure must
// be invoked after the breaker lock is released.
func (b *CircuitBreaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	cb := b.cfg.OnStateChange
	name := b.cfg.Name
	return func() {
		stateTransitions.WithLabelValues(name, to.String()).Inc()
		if cb != nil {
			cb(from, to)
		}
	}
}
