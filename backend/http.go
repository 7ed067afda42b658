package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/llm"
	"github.com/acpbridge/acpbridge/mcp"
)

// defaultMaxModelRounds is the safety budget for the unlimited case:
// MAX_TURNS=0 means no user-imposed limit, but the model loop still stops
// after this many rounds so a tool-calling cycle cannot spin forever. The
// budget-exhausted advisory is surfaced in-band before end_turn.
const defaultMaxModelRounds = 25

// HTTPAgent adapts an HTTP completion API. One provider request per model
// round; tool calls requested by the model run against the session's MCP
// servers after the bridge's permission flow approves them.
type HTTPAgent struct {
	log      *zap.Logger
	client   llm.Client
	provider string

	// connectMCP is swappable for tests.
	connectMCP func(ctx context.Context, spec acp.MCPServer, log *zap.Logger) (*mcp.Client, error)

	mu        sync.Mutex
	histories map[string][]llm.Message
}

// NewHTTPAgent builds the adapter around a provider client.
func NewHTTPAgent(ctx context.Context, cfg config.BackendConfig, log *zap.Logger) (*HTTPAgent, error) {
	client, err := llm.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPAgent{
		log:        log,
		client:     client,
		provider:   cfg.Provider,
		connectMCP: mcp.Connect,
		histories:  make(map[string][]llm.Message),
	}, nil
}

// Name identifies the adapter.
func (a *HTTPAgent) Name() string { return "http" }

// Authenticate checks that a provider client could be constructed; the
// credential itself is only proven on the first real request.
func (a *HTTPAgent) Authenticate(ctx context.Context) error {
	if a.client == nil {
		return errors.NewKind(errors.KindAuth, "no provider client configured")
	}
	return nil
}

// Version reports the provider name; completion APIs expose no version.
func (a *HTTPAgent) Version(ctx context.Context) (string, error) {
	return a.provider, nil
}

// StartTurn begins one streaming turn. The event loop runs in its own
// goroutine and feeds the returned turn's channel.
func (a *HTTPAgent) StartTurn(ctx context.Context, req TurnRequest) (Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	t := &httpTurn{
		agent:     a,
		events:    make(chan Event, turnEventBuffer),
		ctx:       turnCtx,
		cancel:    cancel,
		decisions: make(map[string]chan toolDecision),
	}
	go t.run(req)
	return t, nil
}

// Close releases adapter resources.
func (a *HTTPAgent) Close() error { return nil }

// history returns a copy of the conversation bound to handle.
func (a *HTTPAgent) history(handle string) []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.histories[handle]
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// saveHistory stores the conversation for resumption on later turns.
func (a *HTTPAgent) saveHistory(handle string, msgs []llm.Message) {
	a.mu.Lock()
	a.histories[handle] = msgs
	a.mu.Unlock()
}

// toolDecision is the permission verdict for one requested tool call.
type toolDecision struct {
	allow  bool
	reason string
}

// httpTurn is one turn of the completion loop. It implements ToolDecider:
// the turn executor forwards the broker's verdict for every tool_use event,
// and the loop blocks on that verdict before running or refusing the tool.
type httpTurn struct {
	agent  *HTTPAgent
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	decisions map[string]chan toolDecision
}

// Events returns the turn's event stream.
func (t *httpTurn) Events() <-chan Event { return t.events }

// Cancel aborts the turn by dropping the in-flight request.
func (t *httpTurn) Cancel() { t.cancel() }

// Decide resolves the pending decision for toolID. Unknown ids are ignored.
func (t *httpTurn) Decide(toolID string, allow bool, reason string) {
	t.mu.Lock()
	ch, ok := t.decisions[toolID]
	if ok {
		delete(t.decisions, toolID)
	}
	t.mu.Unlock()
	if ok {
		ch <- toolDecision{allow: allow, reason: reason}
	}
}

// registerDecision installs the channel Decide resolves for toolID. It must
// be registered before the tool_use event is pushed: the consumer may call
// Decide as soon as it sees the event, and an unregistered verdict is lost.
func (t *httpTurn) registerDecision(toolID string) chan toolDecision {
	ch := make(chan toolDecision, 1)
	t.mu.Lock()
	t.decisions[toolID] = ch
	t.mu.Unlock()
	return ch
}

// awaitDecision blocks until Decide is called for toolID or the turn dies.
func (t *httpTurn) awaitDecision(toolID string, ch chan toolDecision) (toolDecision, bool) {
	select {
	case d := <-ch:
		return d, true
	case <-t.ctx.Done():
		t.mu.Lock()
		delete(t.decisions, toolID)
		t.mu.Unlock()
		return toolDecision{}, false
	}
}

// push delivers ev unless the turn has been cancelled.
func (t *httpTurn) push(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// run drives the completion loop: call the model, surface its text, execute
// approved tool calls against MCP servers, feed results back, repeat until
// the model stops calling tools or the round budget runs out.
func (t *httpTurn) run(req TurnRequest) {
	defer close(t.events)
	defer t.cancel()

	handle := req.ResumeID
	if handle == "" {
		handle = uuid.NewString()
		t.push(Event{Type: EventSessionAssigned, SessionID: handle})
	}

	servers, toolSpecs := t.connectServers(req.MCPServers)
	defer func() {
		for _, s := range servers {
			s.Close()
		}
	}()

	messages := t.agent.history(handle)
	messages = append(messages, llm.Message{Role: "user", Content: req.Prompt})

	maxRounds := req.MaxTurns
	if maxRounds <= 0 {
		maxRounds = defaultMaxModelRounds
	}

	for round := 0; round < maxRounds; round++ {
		resp, err := t.agent.client.Chat(t.ctx, messages, toolSpecs)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.push(Event{Type: EventTurnError, Text: err.Error()})
			return
		}
		messages = append(messages, *resp)

		if resp.Content != "" {
			t.push(Event{Type: EventAssistantText, Text: resp.Content})
		}
		if len(resp.ToolCalls) == 0 {
			t.agent.saveHistory(handle, messages)
			t.push(Event{Type: EventTurnEnd})
			return
		}

		for _, tc := range resp.ToolCalls {
			result, ok := t.runToolCall(servers, tc)
			if !ok {
				return
			}
			messages = append(messages, result)
		}
	}

	t.agent.saveHistory(handle, messages)
	t.push(Event{Type: EventAssistantText, Text: "Stopping: tool call budget for this turn is exhausted."})
	t.push(Event{Type: EventTurnEnd})
}

// runToolCall announces one tool call, waits for the permission verdict, and
// executes or refuses it. The returned message feeds the model the outcome.
// ok is false when the turn died while waiting.
func (t *httpTurn) runToolCall(servers []*mcp.Client, tc llm.ToolCall) (llm.Message, bool) {
	input, _ := json.Marshal(tc.Args)
	ch := t.registerDecision(tc.ID)
	t.push(Event{Type: EventToolUse, ToolID: tc.ID, ToolName: tc.Name, ToolInput: input})

	decision, ok := t.awaitDecision(tc.ID, ch)
	if !ok {
		return llm.Message{}, false
	}

	echo := llm.Message{Role: "tool", ToolCalls: []llm.ToolCall{{ID: tc.ID, Name: tc.Name}}}
	if !decision.allow {
		reason := decision.reason
		if reason == "" {
			reason = "permission denied"
		}
		t.push(Event{Type: EventToolError, ToolID: tc.ID, Text: reason})
		echo.Content = fmt.Sprintf("Tool call was not executed: %s", reason)
		return echo, true
	}

	output, err := t.callMCP(servers, tc)
	if err != nil {
		t.push(Event{Type: EventToolError, ToolID: tc.ID, Text: err.Error()})
		echo.Content = fmt.Sprintf("Tool call failed: %v", err)
		return echo, true
	}
	t.push(Event{Type: EventToolResult, ToolID: tc.ID, Text: output})
	echo.Content = output
	return echo, true
}

// callMCP routes the call to the first server that provides the tool.
func (t *httpTurn) callMCP(servers []*mcp.Client, tc llm.ToolCall) (string, error) {
	for _, s := range servers {
		if s.Has(tc.Name) {
			return s.Call(t.ctx, tc.Name, tc.Args)
		}
	}
	return "", errors.NewKind(errors.KindBackend, "no MCP server provides tool '%s'", tc.Name)
}

// connectServers starts the session's MCP servers. A server that fails to
// connect is skipped; the turn proceeds with the remaining tools.
func (t *httpTurn) connectServers(specs []acp.MCPServer) ([]*mcp.Client, []llm.ToolSpec) {
	var servers []*mcp.Client
	var toolSpecs []llm.ToolSpec
	for _, spec := range specs {
		client, err := t.agent.connectMCP(t.ctx, spec, t.agent.log)
		if err != nil {
			t.agent.log.Warn("mcp server unavailable", zap.String("server", spec.Name), zap.Error(err))
			continue
		}
		servers = append(servers, client)
		toolSpecs = append(toolSpecs, client.ToolSpecs()...)
	}
	return servers, toolSpecs
}
