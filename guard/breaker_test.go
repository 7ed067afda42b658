package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func failing() error { return fmt.Errorf("backend down") }

func TestTripsAfterExactlyNFailures(t *testing.T) {
	const n = 5
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: n})

	for i := 0; i < n-1; i++ {
		err := b.Call(failing)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, BreakerClosed, b.State(), "call %d", i)
	}
	require.Error(t, b.Call(failing))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestOpenFailsFastWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})
	require.Error(t, b.Call(failing))
	require.Equal(t, BreakerOpen, b.State())

	invoked := false
	err := b.Call(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
	})
	require.Error(t, b.Call(failing))
	require.Equal(t, BreakerOpen, b.State())

	*now = now.Add(60 * time.Millisecond)
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second})
	require.Error(t, b.Call(failing))
	*now = now.Add(2 * time.Second)

	require.Error(t, b.Call(failing)) // admitted as half-open probe
	assert.Equal(t, BreakerOpen, b.State())
}

func TestSuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})
	require.Error(t, b.Call(failing))
	require.Error(t, b.Call(failing))
	require.NoError(t, b.Call(func() error { return nil }))
	// Two failures, one success: one failure on the books. Two more needed.
	require.Error(t, b.Call(failing))
	assert.Equal(t, BreakerClosed, b.State())
	require.Error(t, b.Call(failing))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestMonitoringWindowDecay(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 2,
		MonitoringWindow: time.Minute,
	})
	require.Error(t, b.Call(failing))

	// The stale failure decays before the next call counts.
	*now = now.Add(2 * time.Minute)
	require.Error(t, b.Call(failing))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestForceHooks(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})
	b.ForceOpen()
	assert.Equal(t, BreakerOpen, b.State())
	b.ForceClosed()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Call(func() error { return nil }))
}
