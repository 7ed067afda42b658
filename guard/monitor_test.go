package guard

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.in), "len=%d", len(tt.in))
	}
}

func TestUsageThresholds(t *testing.T) {
	m := NewMonitor(0, nil, zap.NewNop())

	// 4 chars per token: 200k tokens = 800k chars.
	below := strings.Repeat("x", 4*150_000) // 75%
	assert.Equal(t, UsageOK, m.AddMessage("s", below))

	toWarn := strings.Repeat("x", 4*15_000) // 82.5% cumulative
	assert.Equal(t, UsageWarning, m.AddMessage("s", toWarn))

	toCritical := strings.Repeat("x", 4*30_000) // 97.5% cumulative
	assert.Equal(t, UsageCritical, m.AddMessage("s", toCritical))

	// Saturates at the limit; stays critical.
	assert.Equal(t, UsageCritical, m.AddMessage("s", strings.Repeat("x", 4*100_000)))
}

func TestTokensMonotonic(t *testing.T) {
	m := NewMonitor(0, nil, zap.NewNop())
	prev := 0
	for i := 0; i < 5; i++ {
		m.AddMessage("s", "hello world")
		cur := m.Tokens("s")
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	var evicted []string
	m := NewMonitor(30*time.Minute, func(id string) { evicted = append(evicted, id) }, zap.NewNop())

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	m.AddMessage("old", "x")
	now = now.Add(45 * time.Minute)
	m.AddMessage("fresh", "x")

	m.sweep()
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, 0, m.Tokens("old"))
	assert.Equal(t, 1, m.Tokens("fresh"))
}

func TestForget(t *testing.T) {
	m := NewMonitor(0, nil, zap.NewNop())
	m.AddMessage("s", "abcd")
	m.Forget("s")
	assert.Equal(t, 0, m.Tokens("s"))
}
