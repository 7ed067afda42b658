// Package backend abstracts the backend coding agent behind a uniform
// interface. Two adapters ship: a subprocess speaking a newline-delimited
// JSON line protocol, and an HTTP completion client built on provider SDKs.
package backend

import (
	"context"
	"encoding/json"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
)

// EventType discriminates backend events.
type EventType string

const (
	EventSessionAssigned  EventType = "session_assigned"
	EventAssistantText    EventType = "assistant_text"
	EventAssistantThought EventType = "assistant_thought"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventToolError        EventType = "tool_error"
	EventTurnEnd          EventType = "turn_end"
	EventTurnError        EventType = "turn_error"
)

// Event is one unit of backend output. Only the fields matching Type are
// populated. Every turn's stream is finite and terminated by EventTurnEnd or
// EventTurnError; EventToolUse always precedes its matching result or error.
type Event struct {
	Type EventType

	// EventSessionAssigned
	SessionID string

	// EventAssistantText, EventAssistantThought, EventTurnError,
	// EventToolError (message), EventToolResult (output)
	Text string

	// EventToolUse, EventToolResult, EventToolError
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage
}

// TurnRequest starts one streaming turn against the backend.
type TurnRequest struct {
	Prompt         string
	ResumeID       string
	MaxTurns       int
	PermissionMode config.PermissionMode
	MCPServers     []acp.MCPServer
}

// Turn is one in-flight streaming turn.
type Turn interface {
	// Events returns the turn's event stream. The channel is closed after
	// the terminal event has been delivered.
	Events() <-chan Event
	// Cancel aborts the turn best-effort: the subprocess adapter closes the
	// child's stdin or sends its cancel sentinel, the HTTP adapter drops
	// the request. Safe to call more than once.
	Cancel()
}

// ToolDecider is implemented by turns whose adapter executes tool calls
// itself (the HTTP adapter with MCP servers). After the permission broker
// rules, the executor forwards the decision here; adapters without the hook
// rely on the backend refusing on its own.
type ToolDecider interface {
	Decide(toolID string, allow bool, reason string)
}

// Agent is the narrow interface the bridge sees.
type Agent interface {
	// Name identifies the adapter for logs and diagnostics.
	Name() string
	// Authenticate verifies credentials or binary availability.
	Authenticate(ctx context.Context) error
	// StartTurn begins a streaming turn.
	StartTurn(ctx context.Context, req TurnRequest) (Turn, error)
	// Version reports the backend version when it can be determined.
	Version(ctx context.Context) (string, error)
	// Close releases adapter resources.
	Close() error
}
