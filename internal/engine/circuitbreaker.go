package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig tunes every per-host circuit.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker keeps one circuit per destination host.
// State transitions: closed → open → half-open → closed
//
// - Closed: Normal operation. Consecutive failures inside the failure window
//   are counted.
// - Open: All deliveries are rejected. Transitions to half-open after cooldown.
// - Half-Open: One probe delivery is allowed. Success → closed, failure → open.
//
// State is process-local and advisory; a restart begins with every circuit
// closed. The lock is only held for state transitions, never across I/O.
type CircuitBreaker struct {
	mu     sync.Mutex
	hosts  map[string]*circuit
	cfg    BreakerConfig
	clock  clock.Clock
	logger *slog.Logger
}

type circuit struct {
	state               string
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	probeInFlight       bool
	probeStartedAt      time.Time
}

// CircuitBreakerState is a snapshot of one host's circuit.
type CircuitBreakerState struct {
	Host                  string     `json:"host"`
	State                 string     `json:"state"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt              *time.Time `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool       `json:"half_open_probe_in_flight"`
}

func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{
		hosts:  make(map[string]*circuit),
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
}

func (cb *CircuitBreaker) get(host string) *circuit {
	c, ok := cb.hosts[host]
	if !ok {
		c = &circuit{state: StateClosed}
		cb.hosts[host] = c
	}
	return c
}

// Check reports whether a delivery to host may proceed. While half-open only
// the first caller gets through as the probe; everyone else is rejected until
// the probe is recorded.
func (cb *CircuitBreaker) Check(host string) (string, bool) {
	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < cb.cfg.Cooldown {
			return StateOpen, false
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		c.probeStartedAt = now
		cb.logger.Info("circuit breaker half-open", "host", host)
		return StateHalfOpen, true

	case StateHalfOpen:
		// A probe that never reported back is given up after one cooldown.
		if c.probeInFlight && now.Sub(c.probeStartedAt) < cb.cfg.Cooldown {
			return StateHalfOpen, false
		}
		c.probeInFlight = true
		c.probeStartedAt = now
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// ReleaseProbe hands back a half-open probe slot that was granted but never
// used, so the next caller can probe without waiting out the cooldown.
func (cb *CircuitBreaker) ReleaseProbe(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c := cb.get(host); c.state == StateHalfOpen {
		c.probeInFlight = false
	}
}

// RecordSuccess closes the circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)
	if c.state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "host", host)
	}
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.probeInFlight = false
}

// RecordFailure extends the failure streak and opens the circuit once the
// threshold is reached inside the failure window.
func (cb *CircuitBreaker) RecordFailure(host string) {
	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = now
		c.probeInFlight = false
		c.consecutiveFailures++
		c.lastFailureAt = now
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)", "host", host)
		return
	}

	if !c.lastFailureAt.IsZero() && now.Sub(c.lastFailureAt) > cb.cfg.FailureWindow {
		c.consecutiveFailures = 0
	}
	c.consecutiveFailures++
	c.lastFailureAt = now

	if c.state == StateClosed && c.consecutiveFailures >= cb.cfg.FailureThreshold {
		c.state = StateOpen
		c.openedAt = now
		cb.logger.Warn("circuit breaker opened",
			"host", host,
			"failures", c.consecutiveFailures,
			"threshold", cb.cfg.FailureThreshold,
		)
	}
}

// GetState returns the current circuit state for host without changing it.
func (cb *CircuitBreaker) GetState(host string) CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.hosts[host]
	if !ok {
		return CircuitBreakerState{Host: host, State: StateClosed}
	}
	return cb.snapshot(host, c)
}

// States returns every known circuit, sorted by host.
func (cb *CircuitBreaker) States() []CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]CircuitBreakerState, 0, len(cb.hosts))
	for host, c := range cb.hosts {
		out = append(out, cb.snapshot(host, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (cb *CircuitBreaker) snapshot(host string, c *circuit) CircuitBreakerState {
	s := CircuitBreakerState{
		Host:                  host,
		State:                 c.state,
		ConsecutiveFailures:   c.consecutiveFailures,
		HalfOpenProbeInFlight: c.probeInFlight,
	}
	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		s.LastFailureAt = &t
	}
	if c.state != StateClosed && !c.openedAt.IsZero() {
		t := c.openedAt
		s.OpenedAt = &t
	}
	return s
}
