// Package bridge implements the ACP agent surface: the method facade, the
// turn executor, and the translation of backend events into session updates.
package bridge

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/session"
)

// protocolVersion is the ACP revision this bridge speaks.
const protocolVersion = "0.1.0"

// Facade implements the ACP server methods and fans out to the session
// manager and the turn executor.
type Facade struct {
	log      *zap.Logger
	sessions *session.Manager
	executor *Executor
}

// NewFacade wires the agent facade.
func NewFacade(sessions *session.Manager, executor *Executor, log *zap.Logger) *Facade {
	return &Facade{log: log, sessions: sessions, executor: executor}
}

// Register installs the facade's handlers on conn. Must run before conn.Run.
func (f *Facade) Register(conn *acp.Conn) {
	conn.OnRequest(acp.MethodInitialize, f.handleInitialize)
	conn.OnRequest(acp.MethodAuthenticate, f.handleAuthenticate)
	conn.OnRequest(acp.MethodSessionNew, f.handleSessionNew)
	conn.OnRequest(acp.MethodSessionLoad, f.handleSessionLoad)
	conn.OnRequest(acp.MethodSessionPrompt, f.handleSessionPrompt)
	conn.OnNotification(acp.MethodSessionCancel, f.handleSessionCancel)
}

func (f *Facade) handleInitialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params acp.InitializeParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		return nil, err
	}

	f.log.Info("initialize", zap.String("protocolVersion", params.ProtocolVersion))
	version := params.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}

	return acp.InitializeResult{
		ProtocolVersion: version,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				Audio:           false,
				EmbeddedContext: true,
			},
		},
		AuthMethods: []acp.AuthMethod{
			{ID: "backend", Name: "Backend", Description: "Authentication via backend agent"},
		},
	}, nil
}

// handleAuthenticate delegates to the backend adapter; the bridge itself
// stores no credentials.
func (f *Facade) handleAuthenticate(ctx context.Context, raw json.RawMessage) (any, error) {
	var params acp.AuthenticateParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if err := f.executor.agent.Authenticate(ctx); err != nil {
		return nil, errors.WrapKind(err, errors.KindAuth, "authentication failed")
	}
	return nil, nil
}

func (f *Facade) handleSessionNew(ctx context.Context, raw json.RawMessage) (any, error) {
	var params acp.NewSessionParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	s, err := f.sessions.Create(params.Cwd, params.MCPServers)
	if err != nil {
		return nil, err
	}
	return acp.NewSessionResult{SessionID: s.ID}, nil
}

func (f *Facade) handleSessionLoad(ctx context.Context, raw json.RawMessage) (any, error) {
	var params acp.LoadSessionParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.SessionID == "" {
		return nil, errors.NewKind(errors.KindValidation, "invalid params: sessionId is required")
	}
	if _, err := f.sessions.Adopt(params.SessionID, params.Cwd, params.MCPServers); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *Facade) handleSessionPrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params acp.PromptParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		return nil, err
	}

	s, err := f.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	if !s.TryLock() {
		return nil, errors.WithCode(errors.KindSession, errors.CodeSessionBusy,
			"Session busy: %s", params.SessionID)
	}
	defer s.Unlock()

	stop, err := f.executor.Run(ctx, s, params)
	if err != nil {
		return nil, err
	}
	return acp.PromptResult{StopReason: stop}, nil
}

func (f *Facade) handleSessionCancel(ctx context.Context, raw json.RawMessage) {
	var params acp.CancelParams
	if err := acp.UnmarshalParams(raw, &params); err != nil {
		f.log.Warn("malformed session/cancel", zap.Error(err))
		return
	}
	f.sessions.Cancel(params.SessionID)
}
