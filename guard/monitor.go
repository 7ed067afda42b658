package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Context window accounting. The token estimate is chars/4 rounded up,
// compared against the backend's advertised window.
const (
	ContextLimitTokens = 200_000
	warnRatio          = 0.80
	criticalRatio      = 0.95

	sweepInterval   = 10 * time.Minute
	defaultIdleTime = 60 * time.Minute
)

// UsageLevel is the advisory returned when a message is recorded.
type UsageLevel int

const (
	UsageOK UsageLevel = iota
	UsageWarning
	UsageCritical
)

// EstimateTokens approximates the token count of s as ceil(len(s)/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

type sessionUsage struct {
	estimatedTokens int
	messages        int
	turnCount       int
	lastActivity    time.Time
}

// Monitor tracks per-session context usage and emits threshold advisories.
// Eviction of idle sessions is advisory only; the session manager owns the
// actual lifecycle and is notified through the onIdle callback.
type Monitor struct {
	log      *zap.Logger
	idleTime time.Duration
	onIdle   func(sessionID string)
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionUsage
}

// NewMonitor builds a monitor. idleTime <= 0 takes the default of one hour.
func NewMonitor(idleTime time.Duration, onIdle func(string), log *zap.Logger) *Monitor {
	if idleTime <= 0 {
		idleTime = defaultIdleTime
	}
	if onIdle == nil {
		onIdle = func(string) {}
	}
	return &Monitor{
		log:      log,
		idleTime: idleTime,
		onIdle:   onIdle,
		now:      time.Now,
		sessions: make(map[string]*sessionUsage),
	}
}

// AddMessage records content against the session's running estimate and
// returns the usage level after the addition.
func (m *Monitor) AddMessage(sessionID, content string) UsageLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.sessions[sessionID]
	if u == nil {
		u = &sessionUsage{}
		m.sessions[sessionID] = u
	}
	u.estimatedTokens += EstimateTokens(content)
	u.messages++
	u.lastActivity = m.now()

	ratio := float64(u.estimatedTokens) / float64(ContextLimitTokens)
	if ratio > 1 {
		ratio = 1
	}
	switch {
	case ratio >= criticalRatio:
		return UsageCritical
	case ratio >= warnRatio:
		return UsageWarning
	default:
		return UsageOK
	}
}

// AddTurn bumps the turn counter for the session.
func (m *Monitor) AddTurn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.sessions[sessionID]; u != nil {
		u.turnCount++
		u.lastActivity = m.now()
	}
}

// Tokens reports the running estimate for a session.
func (m *Monitor) Tokens(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.sessions[sessionID]; u != nil {
		return u.estimatedTokens
	}
	return 0
}

// Forget drops tracking state for a disposed session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Run sweeps for idle sessions every ten minutes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sweep() {
	cutoff := m.now().Add(-m.idleTime)

	m.mu.Lock()
	var idle []string
	for id, u := range m.sessions {
		if u.lastActivity.Before(cutoff) {
			idle = append(idle, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.Info("session idle past threshold", zap.String("sessionId", id))
		m.onIdle(id)
	}
}
