package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/backend"
	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/guard"
	"github.com/acpbridge/acpbridge/permission"
	"github.com/acpbridge/acpbridge/session"
)

// promoteDelay is how long a tool call stays pending before the host sees it
// as in_progress.
const promoteDelay = 100 * time.Millisecond

// Inline prompt markers that mutate the session's permission mode.
const (
	markerAcceptEdits = "[ACP:PERMISSION:ACCEPT_EDITS]"
	markerBypass      = "[ACP:PERMISSION:BYPASS]"
	markerDefault     = "[ACP:PERMISSION:DEFAULT]"
)

// hostClient is the slice of the ACP client the executor needs. Satisfied by
// *acp.Client; tests substitute a recorder.
type hostClient interface {
	SessionUpdate(sessionID string, update acp.SessionUpdate) error
	RequestPermission(ctx context.Context, params acp.RequestPermissionParams) (*acp.RequestPermissionResult, error)
	ReadTextFile(ctx context.Context, params acp.ReadTextFileParams) (string, error)
}

// Executor runs single prompt turns: it feeds the backend, translates its
// event stream into ordered ACP updates, and enforces stop reasons.
type Executor struct {
	log       *zap.Logger
	cfg       *config.Config
	host      hostClient
	broker    *permission.Broker
	breaker   *guard.Breaker
	resources *guard.Resources
	monitor   *guard.Monitor
	agent     backend.Agent

	promoteDelay time.Duration
}

// NewExecutor wires the turn executor.
func NewExecutor(cfg *config.Config, host hostClient, broker *permission.Broker, breaker *guard.Breaker,
	resources *guard.Resources, monitor *guard.Monitor, agent backend.Agent, log *zap.Logger) *Executor {
	return &Executor{
		log:          log,
		cfg:          cfg,
		host:         host,
		broker:       broker,
		breaker:      breaker,
		resources:    resources,
		monitor:      monitor,
		agent:        agent,
		promoteDelay: promoteDelay,
	}
}

// Run executes one turn. The caller holds the session lock for the whole
// call. Errors raised inside the turn are surfaced in-band and the turn still
// resolves with a stop reason; only scaffolding failures return an error.
func (e *Executor) Run(ctx context.Context, s *session.Session, params acp.PromptParams) (acp.StopReason, error) {
	prompt := collectPrompt(params.Prompt)
	prompt = e.applyInlineMarkers(s, prompt)
	if extra := e.resolveResourceLinks(ctx, s, params.Prompt); extra != "" {
		prompt += extra
	}

	if level := e.monitor.AddMessage(s.ID, prompt); level != guard.UsageOK {
		e.notify(s.ID, acp.AgentMessageChunk(usageAdvisory(level, e.monitor.Tokens(s.ID))))
	}

	if !e.resources.StartOperation(s.ID) {
		return "", errors.WithCode(errors.KindResource, errors.CodeResourceExhaust,
			"Resource exhausted: operation limit reached")
	}
	defer e.resources.FinishOperation(s.ID)
	e.monitor.AddTurn(s.ID)

	h := s.BeginTurn(ctx)

	tracker := newPlanTracker(synthesizePlan(prompt), func(entries []acp.PlanEntry) {
		s.SetPlan(entries)
		e.notify(s.ID, acp.PlanUpdate(entries))
	})

	var turn backend.Turn
	err := e.breaker.Call(func() error {
		t, startErr := e.agent.StartTurn(h.Context(), backend.TurnRequest{
			Prompt:         prompt,
			ResumeID:       s.BackendHandle(),
			MaxTurns:       e.cfg.MaxTurns,
			PermissionMode: s.PermissionMode(),
			MCPServers:     s.MCPServers,
		})
		if startErr != nil {
			return startErr
		}
		turn = t
		return nil
	})
	if err != nil {
		if errors.Is(err, guard.ErrCircuitOpen) {
			e.notify(s.ID, acp.AgentMessageChunk("The backend service is temporarily unavailable. Please try again shortly."))
		} else {
			e.log.Error("backend start_turn failed", zap.String("sessionId", s.ID), zap.Error(err))
			e.notify(s.ID, acp.AgentMessageChunk("Backend error: "+err.Error()))
		}
		tracker.close()
		s.EndTurn(session.OutcomeEndTurn)
		return acp.StopEndTurn, nil
	}

	r := &turnRunner{e: e, s: s, h: h, turn: turn, tracker: tracker}
	stop := r.loop()

	tracker.close()
	switch stop {
	case acp.StopCancelled:
		s.EndTurn(session.OutcomeCancelled)
	default:
		s.EndTurn(session.OutcomeEndTurn)
	}
	return stop, nil
}

// collectPrompt concatenates the text content blocks of the prompt.
func collectPrompt(blocks []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// applyInlineMarkers scans the prompt for permission markers. The first match
// wins, mutates the session's mode for this turn onward, and all markers are
// stripped before the prompt reaches the backend.
func (e *Executor) applyInlineMarkers(s *session.Session, prompt string) string {
	type marker struct {
		text string
		mode config.PermissionMode
	}
	markers := []marker{
		{markerAcceptEdits, config.PermissionAcceptEdits},
		{markerBypass, config.PermissionBypass},
		{markerDefault, config.PermissionDefault},
	}

	firstIdx := -1
	var firstMode config.PermissionMode
	for _, m := range markers {
		if i := strings.Index(prompt, m.text); i >= 0 && (firstIdx < 0 || i < firstIdx) {
			firstIdx = i
			firstMode = m.mode
		}
	}
	if firstIdx >= 0 {
		s.SetPermissionMode(firstMode)
		e.log.Info("permission mode changed by inline marker",
			zap.String("sessionId", s.ID), zap.String("mode", string(firstMode)))
	}

	for _, m := range markers {
		prompt = strings.ReplaceAll(prompt, m.text, "")
	}
	return strings.TrimSpace(prompt)
}

// resolveResourceLinks reads resource_link blocks through the host's fs
// capability and returns their contents as appended prompt context. Files the
// host refuses are skipped.
func (e *Executor) resolveResourceLinks(ctx context.Context, s *session.Session, blocks []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type != "resource_link" || block.URI == "" {
			continue
		}
		path := strings.TrimPrefix(block.URI, "file://")
		content, err := e.host.ReadTextFile(ctx, acp.ReadTextFileParams{SessionID: s.ID, Path: path})
		if err != nil {
			e.log.Warn("resource link unreadable",
				zap.String("sessionId", s.ID), zap.String("path", path), zap.Error(err))
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(path)
		b.WriteString(":\n")
		b.WriteString(content)
	}
	return b.String()
}

func usageAdvisory(level guard.UsageLevel, tokens int) string {
	if level == guard.UsageCritical {
		return "Note: this conversation is close to the context limit. Consider starting a fresh session."
	}
	return "Note: this conversation is using a large share of the available context."
}

// notify sends a session/update notification; send failures are logged and
// otherwise ignored, the turn carries on.
func (e *Executor) notify(sessionID string, update acp.SessionUpdate) {
	if err := e.host.SessionUpdate(sessionID, update); err != nil {
		e.log.Warn("session update dropped", zap.String("sessionId", sessionID), zap.Error(err))
	}
}

// turnRunner holds the state of one running turn's event loop. recMu guards
// every ToolCallRecord status transition and the promotion timer map; a
// transition may come from the loop, a promotion timer, or the cancellation
// sweep.
type turnRunner struct {
	e       *Executor
	s       *session.Session
	h       *session.TurnHandle
	turn    backend.Turn
	tracker *planTracker

	recMu  sync.Mutex
	timers map[string]*time.Timer
}

// loop consumes backend events until the stream ends or cancellation fires,
// and returns the turn's stop reason. Pending promotion timers are stopped on
// exit so no tool_call_update trails the prompt response.
func (r *turnRunner) loop() acp.StopReason {
	defer r.stopPromotions()
	for {
		select {
		case <-r.h.Context().Done():
			r.turn.Cancel()
			r.failActiveToolCalls("Tool call cancelled")
			return acp.StopCancelled

		case ev, ok := <-r.turn.Events():
			if !ok {
				// Stream closed without a terminal marker; treat as ended.
				return acp.StopEndTurn
			}
			r.h.CountEvent()
			if done, stop := r.handleEvent(ev); done {
				return stop
			}
		}
	}
}

// handleEvent maps one backend event per the translation table. done reports
// that the loop must exit with the given stop reason.
func (r *turnRunner) handleEvent(ev backend.Event) (done bool, stop acp.StopReason) {
	e, s := r.e, r.s
	switch ev.Type {
	case backend.EventSessionAssigned:
		s.SetBackendHandle(ev.SessionID)

	case backend.EventAssistantText:
		e.monitor.AddMessage(s.ID, ev.Text)
		e.notify(s.ID, acp.AgentMessageChunk(ev.Text))

	case backend.EventAssistantThought:
		e.notify(s.ID, acp.AgentThoughtChunk(ev.Text))

	case backend.EventToolUse:
		r.handleToolUse(ev)

	case backend.EventToolResult:
		r.resolveToolCall(ev.ToolID, acp.ToolCallCompleted, ev.Text)
		r.tracker.advance()

	case backend.EventToolError:
		r.resolveToolCall(ev.ToolID, acp.ToolCallFailed, ev.Text)

	case backend.EventTurnEnd:
		return true, acp.StopEndTurn

	case backend.EventTurnError:
		e.notify(s.ID, acp.AgentMessageChunk("Backend error: "+ev.Text))
		return true, acp.StopEndTurn
	}
	return false, ""
}

// handleToolUse registers the tool call, announces it to the host, asks the
// permission broker, and relays the verdict to adapters that execute tools
// themselves.
func (r *turnRunner) handleToolUse(ev backend.Event) {
	e, s := r.e, r.s

	kind := classifyToolKind(ev.ToolName)
	rec := &session.ToolCallRecord{
		ID:        ev.ToolID,
		Kind:      kind,
		Title:     toolTitle(ev.ToolName, ev.ToolInput),
		Status:    acp.ToolCallPending,
		Locations: toolLocations(ev.ToolInput),
		RawInput:  ev.ToolInput,
	}
	s.PutToolCall(rec)

	e.notify(s.ID, acp.SessionUpdate{
		SessionUpdate: acp.UpdateToolCall,
		ToolCallID:    rec.ID,
		Title:         rec.Title,
		Kind:          rec.Kind,
		Status:        acp.ToolCallPending,
		RawInput:      rec.RawInput,
		Locations:     rec.Locations,
	})
	r.promoteLater(rec)

	op := permission.AnalyzeOperation(ev.ToolName, opTypeFor(kind), ev.ToolInput)
	decision := e.broker.Decide(r.h.Context(), s.ID, s.PermissionMode(), s.Cwd, op, r.confirmFunc(rec))

	if decider, ok := r.turn.(backend.ToolDecider); ok {
		decider.Decide(rec.ID, decision.Allow, decision.Reason)
	}
	if !decision.Allow {
		r.resolveToolCall(rec.ID, acp.ToolCallFailed, "Permission denied: "+decision.Reason)
	}
}

// confirmFunc issues session/request_permission for rec and returns the
// host's outcome. Turn cancellation rejects the pending request.
func (r *turnRunner) confirmFunc(rec *session.ToolCallRecord) permission.ConfirmFunc {
	return func(ctx context.Context, options []acp.PermissionOption) (acp.PermissionOutcome, error) {
		result, err := r.e.host.RequestPermission(ctx, acp.RequestPermissionParams{
			SessionID: r.s.ID,
			ToolCall: acp.SessionUpdate{
				SessionUpdate: acp.UpdateToolCall,
				ToolCallID:    rec.ID,
				Title:         rec.Title,
				Kind:          rec.Kind,
				Status:        acp.ToolCallPending,
				RawInput:      rec.RawInput,
				Locations:     rec.Locations,
			},
			Options: options,
		})
		if err != nil {
			return acp.PermissionOutcome{}, err
		}
		return result.Outcome, nil
	}
}

// promoteLater flips the record to in_progress after the promote delay,
// unless a terminal transition got there first.
func (r *turnRunner) promoteLater(rec *session.ToolCallRecord) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if r.timers == nil {
		r.timers = make(map[string]*time.Timer)
	}
	r.timers[rec.ID] = time.AfterFunc(r.e.promoteDelay, func() {
		r.recMu.Lock()
		delete(r.timers, rec.ID)
		if rec.Status != acp.ToolCallPending {
			r.recMu.Unlock()
			return
		}
		rec.Status = acp.ToolCallInProgress
		r.recMu.Unlock()

		r.e.notify(r.s.ID, acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCallUpdate,
			ToolCallID:    rec.ID,
			Status:        acp.ToolCallInProgress,
		})
	})
}

// stopPromotions stops every pending promotion timer.
func (r *turnRunner) stopPromotions() {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// resolveToolCall performs the single terminal transition for a tool call
// and emits its final update. Later calls for the same id are ignored, so at
// most one terminal update is ever sent per call.
func (r *turnRunner) resolveToolCall(toolID string, status acp.ToolCallStatus, text string) {
	rec, ok := r.s.ToolCall(toolID)
	if !ok {
		r.e.log.Warn("result for unknown tool call", zap.String("toolCallId", toolID))
		return
	}

	r.recMu.Lock()
	if rec.Terminal() {
		r.recMu.Unlock()
		return
	}
	rec.Status = status
	if timer, ok := r.timers[toolID]; ok {
		timer.Stop()
		delete(r.timers, toolID)
	}
	r.recMu.Unlock()

	var content []acp.ToolCallContent
	if status == acp.ToolCallCompleted {
		content = toolResultContent(rec.RawInput, text)
	} else if text != "" {
		block := acp.TextBlock(text)
		content = []acp.ToolCallContent{{Type: "content", Content: &block}}
	}

	r.e.notify(r.s.ID, acp.SessionUpdate{
		SessionUpdate: acp.UpdateToolCallUpdate,
		ToolCallID:    toolID,
		Status:        status,
		Content:       acp.MarshalToolContent(content),
	})
	r.s.RemoveToolCall(toolID)
}

// failActiveToolCalls sweeps every non-terminal record on cancellation.
func (r *turnRunner) failActiveToolCalls(reason string) {
	for _, rec := range r.s.ActiveToolCalls() {
		r.resolveToolCall(rec.ID, acp.ToolCallFailed, reason)
	}
}
