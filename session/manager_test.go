package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/guard"
)

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	log := zap.NewNop()
	res := guard.NewResources(guard.ResourceConfig{MaxSessions: maxSessions}, log)
	mon := guard.NewMonitor(0, nil, log)
	return NewManager(config.PermissionDefault, res, mon, log)
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	m := newTestManager(t, 10)
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		s, err := m.Create("/w", nil)
		require.NoError(t, err)
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
	}
	assert.Equal(t, 5, m.Count())
}

func TestCreateDeniedWhenFleetFull(t *testing.T) {
	m := newTestManager(t, 2)
	_, err := m.Create("/w", nil)
	require.NoError(t, err)
	_, err = m.Create("/w", nil)
	require.NoError(t, err)

	_, err = m.Create("/w", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeResourceExhaust, errors.CodeOf(err))
}

func TestAdoptReturnsExistingOrCreates(t *testing.T) {
	m := newTestManager(t, 10)
	s1, err := m.Adopt("sess-1", "/w", nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s1.ID)

	s2, err := m.Adopt("sess-1", "/elsewhere", nil)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Count())
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t, 10)
	_, err := m.Get("missing")
	require.Error(t, err)
	assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))
}

func TestSessionBusyViaTryLock(t *testing.T) {
	m := newTestManager(t, 10)
	s, err := m.Create("/w", nil)
	require.NoError(t, err)

	require.True(t, s.TryLock())
	assert.False(t, s.TryLock(), "second turn must be refused while the first holds the lock")
	s.Unlock()
	assert.True(t, s.TryLock())
	s.Unlock()
}

func TestCancelFiresTurnToken(t *testing.T) {
	m := newTestManager(t, 10)
	s, err := m.Create("/w", nil)
	require.NoError(t, err)

	require.True(t, s.TryLock())
	h := s.BeginTurn(context.Background())
	defer s.Unlock()

	m.Cancel(s.ID)
	select {
	case <-h.Context().Done():
	default:
		t.Fatal("cancel token did not fire")
	}
	assert.True(t, h.Cancelled())

	// Idempotent, including for unknown sessions.
	m.Cancel(s.ID)
	m.Cancel("missing")
}

func TestDisposeReleasesSlotAndCancels(t *testing.T) {
	m := newTestManager(t, 1)
	s, err := m.Create("/w", nil)
	require.NoError(t, err)

	require.True(t, s.TryLock())
	h := s.BeginTurn(context.Background())
	s.Unlock()

	m.Dispose(s.ID)
	assert.True(t, h.Cancelled())
	assert.Equal(t, 0, m.Count())

	// The slot is free again.
	_, err = m.Create("/w", nil)
	require.NoError(t, err)

	// Disposing twice is fine.
	m.Dispose(s.ID)
}

func TestDisposeAll(t *testing.T) {
	m := newTestManager(t, 10)
	for i := 0; i < 3; i++ {
		_, err := m.Create("/w", nil)
		require.NoError(t, err)
	}
	m.DisposeAll()
	assert.Equal(t, 0, m.Count())
}

func TestTurnHandleOutcomeFirstWriteWins(t *testing.T) {
	m := newTestManager(t, 10)
	s, err := m.Create("/w", nil)
	require.NoError(t, err)

	require.True(t, s.TryLock())
	h := s.BeginTurn(context.Background())
	h.Resolve(OutcomeCancelled)
	s.EndTurn(OutcomeEndTurn)
	s.Unlock()

	assert.Equal(t, OutcomeCancelled, h.Outcome())
}

func TestToolCallRecords(t *testing.T) {
	m := newTestManager(t, 10)
	s, err := m.Create("/w", nil)
	require.NoError(t, err)

	rec := &ToolCallRecord{ID: "t1", Status: "pending"}
	s.PutToolCall(rec)
	got, ok := s.ToolCall("t1")
	require.True(t, ok)
	assert.Same(t, rec, got)

	active := s.ActiveToolCalls()
	assert.Len(t, active, 1)

	s.RemoveToolCall("t1")
	assert.Empty(t, s.ActiveToolCalls())
	_, ok = s.ToolCall("t1")
	assert.False(t, ok)
}
