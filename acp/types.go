package acp

import "encoding/json"

// Protocol method names. The bridge implements the agent-side methods and
// calls the client-side methods on the host.
const (
	MethodInitialize        = "initialize"
	MethodAuthenticate      = "authenticate"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// StopReason reports why a prompt turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
	StopMaxTokens StopReason = "max_tokens"
	StopMaxTurns  StopReason = "max_turns"
	StopRefusal   StopReason = "refusal"
)

// ContentBlock is a single unit of prompt or update content. Only the fields
// matching Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "diff"
	Path    string  `json:"path,omitempty"`
	OldText *string `json:"oldText,omitempty"`
	NewText string  `json:"newText,omitempty"`

	// type == "resource_link"
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// DiffBlock builds a diff content block. oldText may be nil for file creation.
func DiffBlock(path string, oldText *string, newText string) ContentBlock {
	return ContentBlock{Type: "diff", Path: path, OldText: oldText, NewText: newText}
}

// --- initialize ---

type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientCaps      ClientCapabilities `json:"clientCapabilities"`
}

type ClientCapabilities struct {
	FS FSCapabilities `json:"fs,omitempty"`
}

type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion   string            `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// --- authenticate ---

type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// --- session lifecycle ---

type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- session/update ---

// Update kinds carried in SessionUpdate.SessionUpdate.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCallLocation points the host at a file the tool call touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// PlanEntryStatus / PlanEntryPriority describe plan entries.
type PlanEntryStatus string

const (
	PlanPending    PlanEntryStatus = "pending"
	PlanInProgress PlanEntryStatus = "in_progress"
	PlanCompleted  PlanEntryStatus = "completed"
	PlanFailed     PlanEntryStatus = "failed"
)

type PlanEntryPriority string

const (
	PriorityHigh   PlanEntryPriority = "high"
	PriorityMedium PlanEntryPriority = "medium"
	PriorityLow    PlanEntryPriority = "low"
)

type PlanEntry struct {
	Content  string            `json:"content"`
	Priority PlanEntryPriority `json:"priority"`
	Status   PlanEntryStatus   `json:"status"`
}

// SessionUpdate is the discriminated payload of a session/update notification.
// The wire shape of "content" depends on the update kind: message chunks carry
// a single ContentBlock, tool call updates carry a []ToolCallContent. Use the
// constructors below rather than populating Content by hand.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	Content json.RawMessage `json:"content,omitempty"`

	// tool_call and tool_call_update
	ToolCallID string             `json:"toolCallId,omitempty"`
	Title      string             `json:"title,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Status     ToolCallStatus     `json:"status,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`
}

// ToolCallContent is one content item attached to a tool call update.
type ToolCallContent struct {
	Type string `json:"type"`

	// type == "content"
	Content *ContentBlock `json:"content,omitempty"`

	// type == "diff"
	Path    string  `json:"path,omitempty"`
	OldText *string `json:"oldText,omitempty"`
	NewText string  `json:"newText,omitempty"`
}

// AgentMessageChunk builds an agent_message_chunk update.
func AgentMessageChunk(text string) SessionUpdate {
	return chunkUpdate(UpdateAgentMessageChunk, text)
}

// AgentThoughtChunk builds an agent_thought_chunk update.
func AgentThoughtChunk(text string) SessionUpdate {
	return chunkUpdate(UpdateAgentThoughtChunk, text)
}

// UserMessageChunk builds a user_message_chunk update.
func UserMessageChunk(text string) SessionUpdate {
	return chunkUpdate(UpdateUserMessageChunk, text)
}

func chunkUpdate(kind, text string) SessionUpdate {
	raw, _ := json.Marshal(TextBlock(text))
	return SessionUpdate{SessionUpdate: kind, Content: raw}
}

// PlanUpdate builds a plan update.
func PlanUpdate(entries []PlanEntry) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdatePlan, Entries: entries}
}

// MarshalToolContent encodes tool call content items for SessionUpdate.Content.
func MarshalToolContent(items []ToolCallContent) json.RawMessage {
	if len(items) == 0 {
		return nil
	}
	raw, _ := json.Marshal(items)
	return raw
}

// SessionNotification is the params payload of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// --- session/request_permission ---

// PermissionOptionKind enumerates the host's choices.
type PermissionOptionKind string

const (
	AllowOnce    PermissionOptionKind = "allow_once"
	AllowAlways  PermissionOptionKind = "allow_always"
	RejectOnce   PermissionOptionKind = "reject_once"
	RejectAlways PermissionOptionKind = "reject_always"
)

type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  SessionUpdate      `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// --- fs ---

type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ReadTextFileResult struct {
	Content string `json:"content"`
}

type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
