package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// ProbeResult records which adapter was selected at startup and why.
type ProbeResult struct {
	Selected string `json:"selected"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Probe builds the preferred adapter from cfg and authenticates it. When the
// preferred adapter fails its probe, the other one is tried and the reason
// for the fallback is recorded.
func Probe(ctx context.Context, cfg config.BackendConfig, log *zap.Logger) (Agent, ProbeResult, error) {
	order := []config.BackendMode{cfg.Mode, otherMode(cfg.Mode)}

	var result ProbeResult
	for i, mode := range order {
		agent, err := build(ctx, mode, cfg, log)
		if err == nil {
			err = agent.Authenticate(ctx)
			if err != nil {
				agent.Close()
			}
		}
		if err != nil {
			if i == 0 {
				result.Fallback = true
				result.Reason = err.Error()
				log.Warn("preferred backend adapter failed its probe, falling back",
					zap.String("preferred", string(mode)), zap.Error(err))
			}
			continue
		}

		result.Selected = agent.Name()
		if v, verr := agent.Version(ctx); verr == nil {
			result.Version = v
		}
		log.Info("backend adapter selected",
			zap.String("adapter", agent.Name()),
			zap.Bool("fallback", result.Fallback),
			zap.String("version", result.Version))
		return agent, result, nil
	}

	return nil, result, errors.NewKind(errors.KindBackend,
		"no backend adapter available: %s", result.Reason)
}

func otherMode(mode config.BackendMode) config.BackendMode {
	if mode == config.BackendHTTP {
		return config.BackendSubprocess
	}
	return config.BackendHTTP
}

func build(ctx context.Context, mode config.BackendMode, cfg config.BackendConfig, log *zap.Logger) (Agent, error) {
	switch mode {
	case config.BackendSubprocess:
		return NewSubprocessAgent(cfg.Path, nil, log), nil
	case config.BackendHTTP:
		return NewHTTPAgent(ctx, cfg, log)
	default:
		return nil, errors.NewKind(errors.KindValidation, "unknown backend mode %q", mode)
	}
}
