package guard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResources(cfg ResourceConfig) *Resources {
	r := NewResources(cfg, zap.NewNop())
	r.memoryMiB = func() uint64 { return 100 }
	r.gcHook = nil
	return r
}

func TestOperationSlotsExhaustAndRestore(t *testing.T) {
	r := newTestResources(ResourceConfig{MaxOperations: 3})

	for i := 0; i < 3; i++ {
		require.True(t, r.StartOperation(fmt.Sprintf("op-%d", i)))
	}
	assert.False(t, r.StartOperation("op-overflow"))
	assert.False(t, r.CanStartOperation())

	// Each finish restores exactly one slot.
	r.FinishOperation("op-1")
	assert.True(t, r.CanStartOperation())
	require.True(t, r.StartOperation("op-new"))
	assert.False(t, r.StartOperation("op-overflow2"))
}

func TestSessionSlots(t *testing.T) {
	r := newTestResources(ResourceConfig{MaxSessions: 2})
	require.True(t, r.AddSession("a"))
	require.True(t, r.AddSession("b"))
	assert.False(t, r.AddSession("c"))
	r.RemoveSession("a")
	assert.True(t, r.AddSession("c"))
}

func TestMemoryCriticalRefusesAndRunsGC(t *testing.T) {
	r := newTestResources(ResourceConfig{MemCriticalMiB: 768})
	gcRan := false
	r.gcHook = func() { gcRan = true }
	r.memoryMiB = func() uint64 { return 800 }

	assert.False(t, r.CanStartOperation())
	assert.False(t, r.StartOperation("op"))
	assert.True(t, gcRan)
}

func TestHealthThresholds(t *testing.T) {
	r := newTestResources(ResourceConfig{MaxSessions: 10, MaxOperations: 10})
	assert.Equal(t, HealthHealthy, r.HealthStatus())

	r.memoryMiB = func() uint64 { return 600 }
	assert.Equal(t, HealthWarning, r.HealthStatus())

	r.memoryMiB = func() uint64 { return 800 }
	assert.Equal(t, HealthCritical, r.HealthStatus())

	r.memoryMiB = func() uint64 { return 100 }
	for i := 0; i < 8; i++ {
		require.True(t, r.AddSession(fmt.Sprintf("s%d", i)))
	}
	assert.Equal(t, HealthWarning, r.HealthStatus())
}

func TestSnapshot(t *testing.T) {
	r := newTestResources(ResourceConfig{})
	require.True(t, r.AddSession("s"))
	require.True(t, r.StartOperation("o"))
	sessions, ops, mem := r.Snapshot()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, ops)
	assert.Equal(t, uint64(100), mem)
}
