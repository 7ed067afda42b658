package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/config"
)

func TestRunReportsUnavailableBackend(t *testing.T) {
	cfg := &config.Config{
		PermissionMode: config.PermissionDefault,
		Backend: config.BackendConfig{
			Mode:     config.BackendSubprocess,
			Path:     "/nonexistent/agent-binary",
			Provider: "anthropic",
			// No API key, so the HTTP fallback fails too.
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), cfg, &buf, zap.NewNop()))

	var report Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))

	assert.False(t, report.Backend.Available)
	assert.NotEmpty(t, report.Backend.Error)
	assert.False(t, report.Healthy)
	assert.Equal(t, runtime.GOOS, report.Platform.OS)
	assert.Equal(t, runtime.Version(), report.Platform.GoVersion)
	assert.NotEmpty(t, report.Timestamp)
	assert.Equal(t, config.PermissionDefault, report.Config.PermissionMode)
	assert.Equal(t, config.BackendSubprocess, report.Config.BackendMode)
}

func TestReportShapeStable(t *testing.T) {
	report := Report{Healthy: true}
	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"timestamp", "healthy", "platform", "backend", "guards", "config"} {
		assert.Contains(t, decoded, key)
	}
}
