package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpbridge/acpbridge/errors"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaults(t *testing.T) {
	cfg := defaults()
	require.NoError(t, applyEnv(cfg, env(nil)))
	require.NoError(t, cfg.validate())

	assert.Equal(t, PermissionDefault, cfg.PermissionMode)
	assert.Equal(t, BackendSubprocess, cfg.Backend.Mode)
	assert.Equal(t, 0, cfg.MaxTurns)
	assert.Equal(t, CacheLRU, cfg.Cache.Strategy)
	assert.Contains(t, cfg.DangerCommands, "rm")
	assert.Contains(t, cfg.DangerCommands, "dd")
}

func TestEnvOverrides(t *testing.T) {
	cfg := defaults()
	err := applyEnv(cfg, env(map[string]string{
		"PERMISSION_MODE":     "accept_edits",
		"MAX_TURNS":           "12",
		"DEBUG":               "true",
		"LOG_FILE":            "/tmp/bridge.log",
		"BACKEND_MODE":        "http",
		"BACKEND_PROVIDER":    "openai",
		"BACKEND_API_KEY":     "sk-test",
		"BACKEND_MODEL":       "gpt-4.1",
		"BACKEND_TEMPERATURE": "0.3",
		"BACKEND_MAX_TOKENS":  "2048",
		"CACHE_MAX_SIZE":      "64",
		"CACHE_TTL_MS":        "1000",
		"CACHE_STRATEGY":      "lfu",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, PermissionAcceptEdits, cfg.PermissionMode)
	assert.Equal(t, 12, cfg.MaxTurns)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/tmp/bridge.log", cfg.LogFile)
	assert.Equal(t, BackendHTTP, cfg.Backend.Mode)
	assert.Equal(t, "openai", cfg.Backend.Provider)
	assert.Equal(t, 0.3, cfg.Backend.Temperature)
	assert.Equal(t, 2048, cfg.Backend.MaxTokens)
	assert.Equal(t, 64, cfg.Cache.MaxSize)
	assert.Equal(t, CacheLFU, cfg.Cache.Strategy)
}

func TestInvalidMaxTurns(t *testing.T) {
	for _, v := range []string{"abc", "-1", "1.5"} {
		cfg := defaults()
		err := applyEnv(cfg, env(map[string]string{"MAX_TURNS": v}))
		require.Error(t, err, "MAX_TURNS=%s", v)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	}
}

func TestInvalidPermissionMode(t *testing.T) {
	cfg := defaults()
	require.NoError(t, applyEnv(cfg, env(map[string]string{"PERMISSION_MODE": "yolo"})))
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_MODE")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestInvalidBackendMode(t *testing.T) {
	cfg := defaults()
	require.NoError(t, applyEnv(cfg, env(map[string]string{"BACKEND_MODE": "grpc"})))
	assert.Error(t, cfg.validate())
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("TRUE"))
	assert.True(t, parseBool("1"))
	assert.True(t, parseBool("on"))
	assert.False(t, parseBool("0"))
	assert.False(t, parseBool(""))
	assert.False(t, parseBool("nope"))
}
