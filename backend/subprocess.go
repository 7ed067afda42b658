package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/errors"
)

const (
	// stderrTailLines bounds the captured child stderr kept for diagnostics.
	stderrTailLines = 50
	// turnEventBuffer decouples the read loop from the event consumer.
	turnEventBuffer = 64
)

// SubprocessAgent runs the backend as a long-lived interactive child with
// stdio pipes. Commands go in as one JSON line per turn; events stream back
// as NDJSON classified by a "type" discriminator.
type SubprocessAgent struct {
	log  *zap.Logger
	path string
	args []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	current *subprocessTurn
	stderr  *stderrTail
	closed  bool
}

// NewSubprocessAgent builds the adapter. The child is spawned lazily on the
// first turn so that a probe failure surfaces before any process exists.
func NewSubprocessAgent(path string, args []string, log *zap.Logger) *SubprocessAgent {
	return &SubprocessAgent{
		log:    log,
		path:   path,
		args:   args,
		stderr: &stderrTail{},
	}
}

// Name identifies the adapter.
func (a *SubprocessAgent) Name() string { return "subprocess" }

// Authenticate verifies the backend executable is reachable.
func (a *SubprocessAgent) Authenticate(ctx context.Context) error {
	if a.path == "" {
		return errors.NewKind(errors.KindAuth, "no backend executable configured")
	}
	if _, err := exec.LookPath(a.path); err != nil {
		return errors.WrapKind(err, errors.KindAuth, "backend executable not found: %s", a.path)
	}
	return nil
}

// Version runs the executable once with --version and returns the first line.
func (a *SubprocessAgent) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, a.path, "--version").Output()
	if err != nil {
		return "", errors.WrapKind(err, errors.KindBackend, "version probe failed")
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return line, nil
}

// StartTurn writes one prompt command line and returns the turn whose events
// the read loop will feed until a turn-end marker arrives.
func (a *SubprocessAgent) StartTurn(ctx context.Context, req TurnRequest) (Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, errors.NewKind(errors.KindBackend, "adapter is closed")
	}
	if a.current != nil {
		return nil, errors.NewKind(errors.KindBackend, "a turn is already streaming")
	}
	if err := a.ensureStartedLocked(); err != nil {
		return nil, err
	}

	cmdLine, err := json.Marshal(map[string]any{
		"type":            "prompt",
		"prompt":          req.Prompt,
		"resume_id":       req.ResumeID,
		"max_turns":       req.MaxTurns,
		"permission_mode": string(req.PermissionMode),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode prompt command")
	}

	turn := &subprocessTurn{
		agent:  a,
		events: make(chan Event, turnEventBuffer),
		done:   make(chan struct{}),
	}
	a.current = turn

	if _, err := a.stdin.Write(append(cmdLine, '\n')); err != nil {
		a.current = nil
		a.teardownLocked()
		return nil, errors.WrapKind(err, errors.KindBackend, "failed to write prompt to backend")
	}
	return turn, nil
}

// ensureStartedLocked spawns the child if it is not running. Callers hold mu.
func (a *SubprocessAgent) ensureStartedLocked() error {
	if a.cmd != nil {
		return nil
	}

	cmd := exec.Command(a.path, a.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to open backend stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to open backend stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to open backend stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.WrapKind(err, errors.KindBackend, "failed to spawn backend %s", a.path)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.log.Info("backend subprocess started", zap.String("path", a.path), zap.Int("pid", cmd.Process.Pid))

	stderrDone := make(chan struct{})
	go func() {
		a.stderr.consume(stderr)
		close(stderrDone)
	}()
	go a.readLoop(stdout, cmd, stderrDone)
	return nil
}

// readLoop parses child stdout into events and feeds the active turn. It
// owns the child's lifetime end: on EOF it reaps the process and surfaces
// the exit as a turn error when a turn is still streaming.
func (a *SubprocessAgent) readLoop(stdout io.Reader, cmd *exec.Cmd, stderrDone <-chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := parseEventLine(line)
		if err != nil {
			a.log.Warn("unparseable backend line", zap.Error(err))
			continue
		}
		a.deliver(ev)
	}

	// The stderr pipe must be fully drained before Wait closes it.
	<-stderrDone
	waitErr := cmd.Wait()

	a.mu.Lock()
	turn := a.current
	a.current = nil
	if a.cmd == cmd {
		a.cmd = nil
		a.stdin = nil
	}
	closed := a.closed
	a.mu.Unlock()

	if turn != nil {
		msg := "backend closed its output stream unexpectedly"
		if waitErr != nil {
			msg = "backend exited: " + waitErr.Error()
		}
		if tail := a.stderr.String(); tail != "" {
			msg += "; stderr: " + tail
		}
		turn.push(Event{Type: EventTurnError, Text: msg})
		close(turn.events)
	}
	if !closed {
		a.log.Warn("backend subprocess exited", zap.Error(waitErr), zap.String("stderr", a.stderr.String()))
	}
}

// deliver routes one event to the active turn and retires the turn on a
// terminal marker.
func (a *SubprocessAgent) deliver(ev Event) {
	a.mu.Lock()
	turn := a.current
	if turn != nil && (ev.Type == EventTurnEnd || ev.Type == EventTurnError) {
		a.current = nil
	}
	a.mu.Unlock()

	if turn == nil {
		a.log.Debug("backend event with no active turn", zap.String("type", string(ev.Type)))
		return
	}
	turn.push(ev)
	if ev.Type == EventTurnEnd || ev.Type == EventTurnError {
		close(turn.events)
	}
}

// teardownLocked kills the child. Callers hold mu.
func (a *SubprocessAgent) teardownLocked() {
	if a.stdin != nil {
		a.stdin.Close()
		a.stdin = nil
	}
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
	}
	a.cmd = nil
}

// Close terminates the child process.
func (a *SubprocessAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.teardownLocked()
	return nil
}

// subprocessTurn is one streaming turn fed by the adapter's read loop.
type subprocessTurn struct {
	agent  *SubprocessAgent
	events chan Event

	cancelOnce sync.Once
	done       chan struct{}
}

// Events returns the turn's event stream.
func (t *subprocessTurn) Events() <-chan Event { return t.events }

// push delivers ev unless the turn was cancelled and its consumer is gone.
func (t *subprocessTurn) push(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Cancel sends the cancel sentinel line; if the write fails the child's
// stdin is closed, which the backend treats as an abort.
func (t *subprocessTurn) Cancel() {
	t.cancelOnce.Do(func() {
		close(t.done)
		a := t.agent
		a.mu.Lock()
		stdin := a.stdin
		a.mu.Unlock()
		if stdin == nil {
			return
		}
		if _, err := stdin.Write([]byte(`{"type":"cancel"}` + "\n")); err != nil {
			a.mu.Lock()
			if a.stdin == stdin {
				a.stdin.Close()
				a.stdin = nil
			}
			a.mu.Unlock()
		}
	})
}

// parseEventLine parses one NDJSON event line by its type discriminator.
func parseEventLine(line string) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, errors.Wrapf(err, "invalid JSON from backend")
	}

	typeStr, ok := raw["type"].(string)
	if !ok || typeStr == "" {
		return Event{}, errors.New("missing or empty type field")
	}

	ev := Event{Type: EventType(typeStr)}
	switch ev.Type {
	case EventSessionAssigned:
		ev.SessionID = getString(raw, "session_id")
	case EventAssistantText, EventAssistantThought, EventTurnError:
		ev.Text = getString(raw, "text")
	case EventToolUse:
		ev.ToolID = getString(raw, "tool_id")
		ev.ToolName = getString(raw, "tool_name")
		if input, ok := raw["tool_input"]; ok {
			if data, err := json.Marshal(input); err == nil {
				ev.ToolInput = data
			}
		}
	case EventToolResult, EventToolError:
		ev.ToolID = getString(raw, "tool_id")
		ev.Text = getString(raw, "text")
	case EventTurnEnd:
	default:
		return Event{}, errors.New("unknown backend event type %q", typeStr)
	}
	return ev, nil
}

func getString(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// stderrTail keeps the last few lines of child stderr for diagnostics.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (s *stderrTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.mu.Lock()
		s.lines = append(s.lines, scanner.Text())
		if len(s.lines) > stderrTailLines {
			s.lines = s.lines[len(s.lines)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}
