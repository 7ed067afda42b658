package permission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DangerCommands: []string{"rm", "sudo", "chmod", "chown", "mv", "cp", "dd"},
		Cache: config.CacheConfig{
			MaxSize:  16,
			TTLMS:    60_000,
			Strategy: config.CacheLRU,
		},
	}
}

// answer returns a ConfirmFunc resolving with the given option kind.
func answer(kind acp.PermissionOptionKind) ConfirmFunc {
	return func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		return acp.PermissionOutcome{Outcome: "selected", OptionID: string(kind)}, nil
	}
}

// noConfirm fails the test if the broker asks the host.
func noConfirm(t *testing.T) ConfirmFunc {
	return func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		t.Fatal("broker asked for confirmation; it should not have")
		return acp.PermissionOutcome{}, nil
	}
}

func TestBypassModeAllowsEverything(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Delete", OpType: OpDelete, AffectedPaths: []string{"/etc/passwd"}}

	d := b.Decide(context.Background(), "s1", config.PermissionBypass, "/w", op, noConfirm(t))
	assert.True(t, d.Allow)
}

func TestAcceptEditsShortCircuit(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())

	// Reads and searches skip every later rule, even outside the cwd.
	for _, opType := range []OpType{OpRead, OpSearch} {
		op := ToolOperation{ToolName: "t", OpType: opType, AffectedPaths: []string{"/etc/hosts"}}
		d := b.Decide(context.Background(), "s1", config.PermissionAcceptEdits, "/w", op, noConfirm(t))
		assert.True(t, d.Allow, "op %s should be allowed in accept_edits", opType)
	}

	// Deletes still confirm in accept_edits.
	op := ToolOperation{ToolName: "Delete", OpType: OpDelete}
	d := b.Decide(context.Background(), "s1", config.PermissionAcceptEdits, "/w", op, answer(acp.RejectOnce))
	assert.False(t, d.Allow)
}

func TestSafeOperationsAllowedWithoutConfirmation(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())

	tests := []ToolOperation{
		{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"/w/main.go"}},
		{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"relative/path.go"}},
		{ToolName: "Bash", OpType: OpExecute, Command: "go test ./..."},
		{ToolName: "Edit", OpType: OpEdit, AffectedPaths: []string{"/w/sub/file.go"}},
	}
	for _, op := range tests {
		d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, noConfirm(t))
		assert.True(t, d.Allow, "op %+v", op)
	}
}

func TestDeleteRequiresConfirmationWithoutAllowAlways(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Delete", OpType: OpDelete, AffectedPaths: []string{"/w/f"}}

	var seen []acp.PermissionOption
	confirm := func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		seen = options
		return acp.PermissionOutcome{Outcome: "selected", OptionID: string(acp.RejectOnce)}, nil
	}

	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, confirm)
	assert.False(t, d.Allow)

	require.Len(t, seen, 3)
	kinds := []acp.PermissionOptionKind{seen[0].Kind, seen[1].Kind, seen[2].Kind}
	assert.Equal(t, []acp.PermissionOptionKind{acp.AllowOnce, acp.RejectOnce, acp.RejectAlways}, kinds)
}

func TestDangerCommandsRequireConfirmation(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())

	dangerous := []string{"rm -rf build", "sudo make install", "git mv a b", "dd if=/dev/zero"}
	for _, cmd := range dangerous {
		op := ToolOperation{ToolName: "Bash", OpType: OpExecute, Command: cmd}
		d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, answer(acp.AllowOnce))
		assert.True(t, d.Allow, "cmd %q should be allowed after confirmation", cmd)

		d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, answer(acp.RejectOnce))
		assert.False(t, d.Allow, "cmd %q should be denied on rejection", cmd)
	}
}

func TestPathOutsideCwdRequiresConfirmation(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"/etc/passwd"}}

	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, answer(acp.RejectOnce))
	assert.False(t, d.Allow)

	// Same prefix but not contained.
	op = ToolOperation{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"/workspace-other/f"}}
	d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/workspace", op, answer(acp.RejectOnce))
	assert.False(t, d.Allow)
}

func TestCancelledOutcomeIsDeny(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Delete", OpType: OpDelete}

	confirm := func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		return acp.PermissionOutcome{Outcome: "cancelled"}, nil
	}
	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, confirm)
	assert.False(t, d.Allow)
}

func TestAllowAlwaysIsRemembered(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Bash", OpType: OpExecute, Command: "rm -rf build"}

	calls := 0
	confirm := func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		calls++
		return acp.PermissionOutcome{Outcome: "selected", OptionID: string(acp.AllowAlways)}, nil
	}

	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, confirm)
	assert.True(t, d.Allow)
	d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, confirm)
	assert.True(t, d.Allow)
	assert.Equal(t, 1, calls, "second identical operation must hit the cache")

	// Another session's answers do not carry over.
	d = b.Decide(context.Background(), "s2", config.PermissionDefault, "/w", op, confirm)
	assert.True(t, d.Allow)
	assert.Equal(t, 2, calls, "cache entries are scoped per session")
}

func TestRejectAlwaysIsRemembered(t *testing.T) {
	b := NewBroker(testConfig(), zap.NewNop())
	op := ToolOperation{ToolName: "Bash", OpType: OpExecute, Command: "sudo reboot"}

	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, answer(acp.RejectAlways))
	assert.False(t, d.Allow)

	d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, noConfirm(t))
	assert.False(t, d.Allow)
}

func TestHiddenPolicyDeniesOutright(t *testing.T) {
	cfg := testConfig()
	cfg.Permissions.Hidden = []string{"**/.env", "secrets/**"}
	b := NewBroker(cfg, zap.NewNop())

	op := ToolOperation{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"/w/sub/.env"}}
	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, noConfirm(t))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "hidden")

	op = ToolOperation{ToolName: "Read", OpType: OpRead, AffectedPaths: []string{"secrets/key.pem"}}
	d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, noConfirm(t))
	assert.False(t, d.Allow)
}

func TestReadOnlyPolicyRequiresConfirmationForEdits(t *testing.T) {
	cfg := testConfig()
	cfg.Permissions.ReadOnly = []string{"vendor/**"}
	b := NewBroker(cfg, zap.NewNop())

	op := ToolOperation{ToolName: "Edit", OpType: OpEdit, AffectedPaths: []string{"/w/vendor/lib.go"}}
	d := b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, answer(acp.RejectOnce))
	assert.False(t, d.Allow)

	// Reading the same path stays free.
	op.OpType = OpRead
	d = b.Decide(context.Background(), "s1", config.PermissionDefault, "/w", op, noConfirm(t))
	assert.True(t, d.Allow)
}

func TestAnalyzeOperation(t *testing.T) {
	raw := json.RawMessage(`{"file_path":"/w/a.go","command":"rm -rf x","unknown":42}`)
	op := AnalyzeOperation("Bash", OpExecute, raw)
	assert.Equal(t, []string{"/w/a.go"}, op.AffectedPaths)
	assert.Equal(t, "rm -rf x", op.Command)
	assert.Equal(t, raw, op.RawInput)

	op = AnalyzeOperation("Weird", OpOther, json.RawMessage(`not json`))
	assert.Empty(t, op.AffectedPaths)
}

func TestCacheEvictionStrategies(t *testing.T) {
	base := config.CacheConfig{MaxSize: 2, TTLMS: 60_000}

	t.Run("lru", func(t *testing.T) {
		c := newDecisionCache(config.CacheConfig{MaxSize: 2, TTLMS: base.TTLMS, Strategy: config.CacheLRU})
		c.put("a", Decision{Allow: true})
		c.put("b", Decision{Allow: true})
		c.get("a") // refresh a
		c.put("c", Decision{Allow: true})
		_, ok := c.get("b")
		assert.False(t, ok, "b was least recently used")
		_, ok = c.get("a")
		assert.True(t, ok)
	})

	t.Run("fifo", func(t *testing.T) {
		c := newDecisionCache(config.CacheConfig{MaxSize: 2, TTLMS: base.TTLMS, Strategy: config.CacheFIFO})
		c.put("a", Decision{Allow: true})
		c.put("b", Decision{Allow: true})
		c.get("a")
		c.put("c", Decision{Allow: true})
		_, ok := c.get("a")
		assert.False(t, ok, "a was inserted first")
	})

	t.Run("lfu", func(t *testing.T) {
		c := newDecisionCache(config.CacheConfig{MaxSize: 2, TTLMS: base.TTLMS, Strategy: config.CacheLFU})
		c.put("a", Decision{Allow: true})
		c.put("b", Decision{Allow: true})
		c.get("a")
		c.get("a")
		c.get("b")
		c.put("c", Decision{Allow: true})
		_, ok := c.get("b")
		assert.False(t, ok, "b was least frequently used")
	})
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newDecisionCache(config.CacheConfig{MaxSize: 4, TTLMS: 1000, Strategy: config.CacheLRU})
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.put("a", Decision{Allow: true})
	_, ok := c.get("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestEscapesDir(t *testing.T) {
	assert.False(t, escapesDir("relative/x", "/w"))
	assert.False(t, escapesDir("/w/x", "/w"))
	assert.False(t, escapesDir("/w", "/w"))
	assert.True(t, escapesDir("/etc/passwd", "/w"))
	assert.True(t, escapesDir("/wider/x", "/w"))
	assert.False(t, escapesDir("/w/sub/../x", "/w"))
	assert.True(t, escapesDir("/w/../x", "/w"))
}
