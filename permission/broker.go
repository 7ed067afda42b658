package permission

import (
	"context"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
)

// Decision is the broker's verdict for one tool operation.
type Decision struct {
	Allow  bool
	Reason string
}

// ConfirmFunc asks the host to pick one of options. It blocks until the host
// answers or the turn's context is cancelled.
type ConfirmFunc func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error)

// Broker applies the classification rules and consults the host when an
// operation requires confirmation.
type Broker struct {
	log            *zap.Logger
	dangerCommands []string
	policy         config.PathPolicy
	cache          *decisionCache
}

// NewBroker builds a broker from the resolved configuration.
func NewBroker(cfg *config.Config, log *zap.Logger) *Broker {
	return &Broker{
		log:            log,
		dangerCommands: cfg.DangerCommands,
		policy:         cfg.Permissions,
		cache:          newDecisionCache(cfg.Cache),
	}
}

// Decide runs the classification rules in order: mode short-circuit, path
// policy, requires-confirmation test, host confirmation. Remembered "always"
// answers are scoped to sessionID.
func (b *Broker) Decide(ctx context.Context, sessionID string, mode config.PermissionMode, cwd string, op ToolOperation, confirm ConfirmFunc) Decision {
	// Mode short-circuit.
	if mode == config.PermissionBypass {
		return Decision{Allow: true}
	}
	// Hidden paths are refused without consulting the host.
	if path, hit := b.matchesPolicy(cwd, op.AffectedPaths, b.policy.Hidden); hit {
		b.log.Info("operation denied by hidden-path policy",
			zap.String("tool", op.ToolName), zap.String("path", path))
		return Decision{Allow: false, Reason: "path is hidden by policy: " + path}
	}

	if mode == config.PermissionAcceptEdits && (op.OpType == OpRead || op.OpType == OpSearch) {
		return Decision{Allow: true}
	}

	if !b.requiresConfirmation(cwd, op) {
		return Decision{Allow: true}
	}

	// A remembered "always" answer skips the host round-trip.
	key := cacheKey(sessionID, op)
	if cached, ok := b.cache.get(key); ok {
		return cached
	}

	outcome, err := confirm(ctx, optionsFor(op.OpType))
	if err != nil {
		// Includes turn cancellation; treated as deny, not an error.
		return Decision{Allow: false, Reason: "permission request failed: " + err.Error()}
	}
	if outcome.Outcome != "selected" {
		return Decision{Allow: false, Reason: "permission request cancelled"}
	}

	switch acp.PermissionOptionKind(outcome.OptionID) {
	case acp.AllowOnce:
		return Decision{Allow: true}
	case acp.AllowAlways:
		d := Decision{Allow: true}
		b.cache.put(key, d)
		return d
	case acp.RejectAlways:
		d := Decision{Allow: false, Reason: "rejected by user"}
		b.cache.put(key, d)
		return d
	default:
		return Decision{Allow: false, Reason: "rejected by user"}
	}
}

// requiresConfirmation applies rule 3 of the classification table.
func (b *Broker) requiresConfirmation(cwd string, op ToolOperation) bool {
	if op.OpType == OpDelete {
		return true
	}
	if op.OpType == OpExecute {
		for _, token := range commandTokens(op.Command) {
			if slices.Contains(b.dangerCommands, token) {
				return true
			}
		}
	}
	for _, path := range op.AffectedPaths {
		if escapesDir(path, cwd) {
			return true
		}
	}
	return b.touchesProtectedPath(cwd, op)
}

// touchesProtectedPath reports whether a mutating operation hits a read-only
// pattern from the path policy.
func (b *Broker) touchesProtectedPath(cwd string, op ToolOperation) bool {
	switch op.OpType {
	case OpEdit, OpDelete, OpMove:
	default:
		return false
	}
	_, hit := b.matchesPolicy(cwd, op.AffectedPaths, b.policy.ReadOnly)
	return hit
}

// matchesPolicy matches each path, made relative to cwd when possible,
// against the policy's doublestar patterns.
func (b *Broker) matchesPolicy(cwd string, paths, patterns []string) (string, bool) {
	if len(patterns) == 0 {
		return "", false
	}
	for _, path := range paths {
		candidate := path
		if filepath.IsAbs(path) && cwd != "" {
			if rel, err := filepath.Rel(cwd, path); err == nil {
				candidate = rel
			}
		}
		candidate = filepath.ToSlash(candidate)
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
				return path, true
			}
		}
	}
	return "", false
}

// optionsFor derives the host-facing options. Deletes never offer
// allow_always.
func optionsFor(opType OpType) []acp.PermissionOption {
	options := []acp.PermissionOption{
		{OptionID: string(acp.AllowOnce), Name: "Allow once", Kind: acp.AllowOnce},
	}
	if opType != OpDelete {
		options = append(options, acp.PermissionOption{
			OptionID: string(acp.AllowAlways), Name: "Allow always", Kind: acp.AllowAlways,
		})
	}
	options = append(options,
		acp.PermissionOption{OptionID: string(acp.RejectOnce), Name: "Reject once", Kind: acp.RejectOnce},
		acp.PermissionOption{OptionID: string(acp.RejectAlways), Name: "Reject always", Kind: acp.RejectAlways},
	)
	return options
}

// cacheKey identifies the class of operation an "always" answer covers,
// scoped to the session that answered.
func cacheKey(sessionID string, op ToolOperation) string {
	return sessionID + "\x00" + op.ToolName + "\x00" + string(op.OpType) + "\x00" + op.Command
}
