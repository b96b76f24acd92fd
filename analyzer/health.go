package analyzer

import (
	"sync"
	"time"
)

// HealthState is a provider's circuit breaker state.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthHalfOpen  HealthState = "half_open"
)

const (
	defaultFailureThreshold = 3
	defaultFailureWindow    = 5 * time.Minute
	defaultUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker tracks per-provider health using a circuit breaker pattern.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets how many failures inside the window open the circuit.
func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) {
		if n > 0 {
			h.threshold = n
		}
	}
}

// WithCooldown sets how long an unhealthy provider is skipped before a trial call.
func WithCooldown(d time.Duration) HealthOption {
	return func(h *HealthTracker) {
		if d > 0 {
			h.cooldown = d
		}
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		providers: make(map[string]*providerHealth),
		threshold: defaultFailureThreshold,
		window:    defaultFailureWindow,
		cooldown:  defaultUnhealthyPeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current health state for a provider.
func (h *HealthTracker) State(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}

	// Cooldown elapsed: allow a trial call.
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= h.cooldown {
		ph.state = HealthHalfOpen
	}
	return ph.state
}

// RecordSuccess closes the circuit for a provider.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed call. A failed trial call reopens the circuit.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	now := h.now()

	switch ph.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		return
	}

	cutoff := now.Add(-h.window)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= h.threshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
