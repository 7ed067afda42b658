// Package diagnose produces the --diagnose health report: which backend
// adapter the probe selected, the guard state, and platform details, as one
// JSON document on stdout.
package diagnose

import (
	"context"
	"encoding/json"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/backend"
	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/guard"
)

// probeTimeout bounds how long the report waits for backend probes.
const probeTimeout = 15 * time.Second

// Report is the JSON document printed by --diagnose.
type Report struct {
	Timestamp string          `json:"timestamp"`
	Healthy   bool            `json:"healthy"`
	Platform  PlatformInfo    `json:"platform"`
	Backend   BackendInfo     `json:"backend"`
	Guards    GuardInfo       `json:"guards"`
	Config    ConfigSummary   `json:"config"`
}

// PlatformInfo describes the host the bridge runs on.
type PlatformInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
	NumCPU    int    `json:"numCpu"`
}

// BackendInfo carries the adapter probe outcome.
type BackendInfo struct {
	Available bool                 `json:"available"`
	Probe     *backend.ProbeResult `json:"probe,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// GuardInfo reports the protection layer's state.
type GuardInfo struct {
	Health     guard.Health       `json:"health"`
	Breaker    guard.BreakerState `json:"breakerState"`
	Sessions   int                `json:"sessions"`
	Operations int                `json:"operations"`
	MemoryMiB  uint64             `json:"memoryMiB"`
}

// ConfigSummary echoes the non-secret resolved configuration.
type ConfigSummary struct {
	PermissionMode config.PermissionMode `json:"permissionMode"`
	BackendMode    config.BackendMode    `json:"backendMode"`
	Provider       string                `json:"provider,omitempty"`
	Model          string                `json:"model,omitempty"`
	MaxTurns       int                   `json:"maxTurns,omitempty"`
}

// Run probes the backend, collects guard state, and writes the report to w.
// The exit status is always success; "unhealthy" is data, not an error.
func Run(ctx context.Context, cfg *config.Config, w io.Writer, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resources := guard.NewResources(guard.ResourceConfig{}, log)
	breaker := guard.NewBreaker(guard.BreakerConfig{}, log)

	report := Report{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Platform: PlatformInfo{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			GoVersion: runtime.Version(),
			NumCPU:    runtime.NumCPU(),
		},
		Config: ConfigSummary{
			PermissionMode: cfg.PermissionMode,
			BackendMode:    cfg.Backend.Mode,
			Provider:       cfg.Backend.Provider,
			Model:          cfg.Backend.Model,
			MaxTurns:       cfg.MaxTurns,
		},
	}

	agent, probe, err := backend.Probe(ctx, cfg.Backend, log)
	if err != nil {
		report.Backend = BackendInfo{Available: false, Error: err.Error()}
	} else {
		report.Backend = BackendInfo{Available: true, Probe: &probe}
		agent.Close()
	}

	sessions, operations, mem := resources.Snapshot()
	report.Guards = GuardInfo{
		Health:     resources.HealthStatus(),
		Breaker:    breaker.State(),
		Sessions:   sessions,
		Operations: operations,
		MemoryMiB:  mem,
	}
	report.Healthy = report.Backend.Available && report.Guards.Health != guard.HealthCritical

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
