// Package session owns per-session state and the session manager. A Session
// is exclusively owned by the Manager; the turn executor borrows it for the
// duration of a turn while holding the session lock.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
)

// TurnOutcome is recorded on the turn handle once the turn resolves.
type TurnOutcome string

const (
	OutcomeEndTurn   TurnOutcome = "end_turn"
	OutcomeCancelled TurnOutcome = "cancelled"
	OutcomeError     TurnOutcome = "error"
)

// TurnHandle tracks the single in-flight turn of a session.
type TurnHandle struct {
	StartedAt time.Time

	cancel context.CancelFunc
	ctx    context.Context

	mu         sync.Mutex
	eventCount int
	outcome    TurnOutcome
}

// Context returns the turn's cancellable context.
func (t *TurnHandle) Context() context.Context { return t.ctx }

// Cancel fires the turn's cancel token. Idempotent.
func (t *TurnHandle) Cancel() { t.cancel() }

// Cancelled reports whether the cancel token has fired.
func (t *TurnHandle) Cancelled() bool {
	return t.ctx.Err() != nil
}

// CountEvent bumps the backend event counter.
func (t *TurnHandle) CountEvent() {
	t.mu.Lock()
	t.eventCount++
	t.mu.Unlock()
}

// Events reports how many backend events the turn has consumed.
func (t *TurnHandle) Events() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventCount
}

// Resolve records the turn outcome. First write wins.
func (t *TurnHandle) Resolve(outcome TurnOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == "" {
		t.outcome = outcome
	}
}

// Outcome returns the recorded outcome, empty while the turn is running.
func (t *TurnHandle) Outcome() TurnOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// ToolCallRecord is the session-owned state of one tool call.
type ToolCallRecord struct {
	ID        string
	Kind      string
	Title     string
	Status    acp.ToolCallStatus
	Locations []acp.ToolCallLocation
	RawInput  json.RawMessage
}

// Terminal reports whether the record reached completed or failed.
func (r *ToolCallRecord) Terminal() bool {
	return r.Status == acp.ToolCallCompleted || r.Status == acp.ToolCallFailed
}

// Session is one ACP session. The turn mutex (lock/TryLock) serializes turns;
// the state mutex guards everything else.
type Session struct {
	ID         string
	Cwd        string
	MCPServers []acp.MCPServer
	CreatedAt  time.Time

	// turnMu is the session lock: held by the turn executor for the whole
	// turn. TryLock failure is the "session busy" branch.
	turnMu sync.Mutex

	mu             sync.Mutex
	permissionMode config.PermissionMode
	backendHandle  string
	turn           *TurnHandle
	plan           []acp.PlanEntry
	toolCalls      map[string]*ToolCallRecord
	lastActivityAt time.Time
}

func newSession(id, cwd string, mode config.PermissionMode, servers []acp.MCPServer) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		Cwd:            cwd,
		MCPServers:     servers,
		CreatedAt:      now,
		permissionMode: mode,
		toolCalls:      make(map[string]*ToolCallRecord),
		lastActivityAt: now,
	}
}

// TryLock attempts to take the session lock without blocking.
func (s *Session) TryLock() bool { return s.turnMu.TryLock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.turnMu.Unlock() }

// BeginTurn installs a fresh turn handle derived from parent. The caller must
// hold the session lock, which guarantees at most one handle exists.
func (s *Session) BeginTurn(parent context.Context) *TurnHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &TurnHandle{StartedAt: time.Now(), ctx: ctx, cancel: cancel}
	s.mu.Lock()
	s.turn = h
	s.lastActivityAt = h.StartedAt
	s.mu.Unlock()
	return h
}

// EndTurn clears the turn handle and records its outcome.
func (s *Session) EndTurn(outcome TurnOutcome) {
	s.mu.Lock()
	h := s.turn
	s.turn = nil
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
	if h != nil {
		h.Resolve(outcome)
		h.Cancel() // release the context
	}
}

// CancelTurn fires the in-flight turn's cancel token, if any. Idempotent.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	h := s.turn
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// PermissionMode returns the session's current mode.
func (s *Session) PermissionMode() config.PermissionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionMode
}

// SetPermissionMode mutates the session's mode (inline markers, config).
func (s *Session) SetPermissionMode(mode config.PermissionMode) {
	s.mu.Lock()
	s.permissionMode = mode
	s.mu.Unlock()
}

// BackendHandle returns the backend-supplied conversation id, if assigned.
func (s *Session) BackendHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendHandle
}

// SetBackendHandle stores the backend-supplied conversation id.
func (s *Session) SetBackendHandle(h string) {
	s.mu.Lock()
	s.backendHandle = h
	s.mu.Unlock()
}

// Plan returns the latest plan snapshot.
func (s *Session) Plan() []acp.PlanEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]acp.PlanEntry, len(s.plan))
	copy(out, s.plan)
	return out
}

// SetPlan replaces the plan snapshot.
func (s *Session) SetPlan(entries []acp.PlanEntry) {
	cp := make([]acp.PlanEntry, len(entries))
	copy(cp, entries)
	s.mu.Lock()
	s.plan = cp
	s.mu.Unlock()
}

// PutToolCall registers or replaces a tool call record.
func (s *Session) PutToolCall(rec *ToolCallRecord) {
	s.mu.Lock()
	s.toolCalls[rec.ID] = rec
	s.mu.Unlock()
}

// ToolCall looks up an active tool call record.
func (s *Session) ToolCall(id string) (*ToolCallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.toolCalls[id]
	return rec, ok
}

// RemoveToolCall drops a record once it is terminal and its final update sent.
func (s *Session) RemoveToolCall(id string) {
	s.mu.Lock()
	delete(s.toolCalls, id)
	s.mu.Unlock()
}

// ActiveToolCalls returns the tracked records, for cancellation sweeps. The
// executor removes records once they are terminal and their final update is
// sent, so everything still in the map is live. Status is not read here; the
// executor owns status transitions and their locking.
func (s *Session) ActiveToolCalls() []*ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ToolCallRecord, 0, len(s.toolCalls))
	for _, rec := range s.toolCalls {
		out = append(out, rec)
	}
	return out
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}
