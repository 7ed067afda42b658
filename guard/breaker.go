// Package guard holds the process-wide protection services: the circuit
// breaker shielding the backend agent, the resource guard bounding fleet-wide
// usage, and the context monitor tracking conversation size.
package guard

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/errors"
)

// BreakerState is the circuit breaker's current state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned by Call while the breaker is open. Callers treat
// it as "backend temporarily unavailable" rather than a backend failure.
var ErrCircuitOpen = errors.NewKind(errors.KindBackend, "circuit open: backend temporarily unavailable")

// BreakerConfig tunes the failure detector. Zero fields take defaults.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	MonitoringWindow time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 8
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = 120 * time.Second
	}
	return c
}

// Breaker is a three-state failure detector wrapping calls to the backend.
type Breaker struct {
	cfg BreakerConfig
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	reopenAt    time.Time
	lastFailure time.Time
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig, log *zap.Logger) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// Call invokes fn under breaker supervision. While open, Call fails fast with
// ErrCircuitOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed and performs state transitions
// driven by the passage of time.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	// A failure older than the monitoring window decays one from the count.
	if b.state == BreakerClosed && b.failures > 0 &&
		!b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.MonitoringWindow {
		b.failures--
		b.lastFailure = now
	}

	switch b.state {
	case BreakerOpen:
		if now.Before(b.reopenAt) {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.log.Info("circuit breaker half-open, probing backend")
	case BreakerHalfOpen, BreakerClosed:
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			if b.failures > 0 {
				b.failures--
			}
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.log.Info("circuit breaker closed")
		}
	case BreakerOpen:
		// A call admitted just before the trip; nothing to do.
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.reopenAt = b.now().Add(b.cfg.OpenTimeout)
	b.log.Warn("circuit breaker open",
		zap.Int("failures", b.failures),
		zap.Time("reopenAt", b.reopenAt))
}

// State reports the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen trips the breaker immediately. Test hook.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// ForceClosed resets the breaker to closed. Test hook.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
