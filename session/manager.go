package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/guard"
)

// Manager owns the session map. The map lock is held only for add, remove,
// and lookup; individual sessions carry their own locks.
type Manager struct {
	log         *zap.Logger
	resources   *guard.Resources
	monitor     *guard.Monitor
	defaultMode config.PermissionMode

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session manager using resources for admission control.
func NewManager(defaultMode config.PermissionMode, resources *guard.Resources, monitor *guard.Monitor, log *zap.Logger) *Manager {
	return &Manager{
		log:         log,
		resources:   resources,
		monitor:     monitor,
		defaultMode: defaultMode,
		sessions:    make(map[string]*Session),
	}
}

// Create builds a new session with a fresh id. Fails with a resource error
// when the guard denies admission.
func (m *Manager) Create(cwd string, servers []acp.MCPServer) (*Session, error) {
	id := uuid.NewString()
	return m.add(id, cwd, servers)
}

// Adopt returns the existing session for id, or creates a fresh one bound to
// that id. Sessions are memory-only, so adoption does not replay history.
func (m *Manager) Adopt(id, cwd string, servers []acp.MCPServer) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		s.Touch()
		return s, nil
	}
	m.mu.Unlock()
	return m.add(id, cwd, servers)
}

func (m *Manager) add(id, cwd string, servers []acp.MCPServer) (*Session, error) {
	if !m.resources.AddSession(id) {
		return nil, errors.WithCode(errors.KindResource, errors.CodeResourceExhaust,
			"Resource exhausted: session limit reached")
	}
	s := newSession(id, cwd, m.defaultMode, servers)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		// Lost a race with a concurrent adopt of the same id.
		m.mu.Unlock()
		m.resources.RemoveSession(id)
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("session created", zap.String("sessionId", id), zap.String("cwd", cwd))
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.WithCode(errors.KindSession, errors.CodeSessionNotFound,
			"Session not found: %s", id)
	}
	return s, nil
}

// Cancel fires the cancel token of the session's in-flight turn, if any.
// Unknown ids and sessions with no turn are no-ops.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("cancelling session turn", zap.String("sessionId", id))
	s.CancelTurn()
}

// Dispose cancels any in-flight turn, releases resources, and removes the
// session. Idempotent.
func (m *Manager) Dispose(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.CancelTurn()
	m.resources.RemoveSession(id)
	m.monitor.Forget(id)
	m.log.Info("session disposed", zap.String("sessionId", id))
}

// DisposeAll tears down every session; used at shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Dispose(id)
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
