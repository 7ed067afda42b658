package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/acpbridge/acpbridge/acp"
)

// planDebounce is the trailing delay before a mutated plan is sent.
const planDebounce = 500 * time.Millisecond

var (
	planActionWords = []string{"implement", "create", "build", "refactor", "restructure", "migrate", "optimize"}
	planStepWords   = []string{"first", "then", "next", "after", "finally", "step", "phase"}
)

// synthesizePlan classifies the prompt and, for complex prompts, builds an
// advisory execution plan. Returns nil for simple prompts.
func synthesizePlan(prompt string) []acp.PlanEntry {
	lower := strings.ToLower(prompt)

	complex := len(prompt) > 200
	steps := 0
	for _, w := range planActionWords {
		if strings.Contains(lower, w) {
			complex = true
			steps++
		}
	}
	for _, w := range planStepWords {
		if containsWord(lower, w) {
			complex = true
			steps++
		}
	}
	if !complex {
		return nil
	}

	if steps >= 3 {
		return []acp.PlanEntry{
			{Content: "Analyze requirements", Priority: acp.PriorityHigh, Status: acp.PlanInProgress},
			{Content: "Execute main implementation", Priority: acp.PriorityHigh, Status: acp.PlanPending},
			{Content: "Validate and finalize changes", Priority: acp.PriorityMedium, Status: acp.PlanPending},
		}
	}
	return []acp.PlanEntry{
		{Content: summarize(prompt), Priority: acp.PriorityHigh, Status: acp.PlanInProgress},
	}
}

// containsWord matches w as a whole word, so "after" in "rafter" does not
// count as a step signal.
func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(w)
		leftOK := start == 0 || !isWordByte(s[start-1])
		rightOK := end == len(s) || !isWordByte(s[end])
		if leftOK && rightOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// summarize produces the single-entry plan content for simple-complex prompts.
func summarize(prompt string) string {
	s := strings.Join(strings.Fields(prompt), " ")
	return truncate(s, 60)
}

// planTracker owns the turn's plan and debounces update notifications with a
// trailing timer. emit runs on the timer goroutine; it must be safe to call
// concurrently with the turn loop.
type planTracker struct {
	emit     func([]acp.PlanEntry)
	debounce time.Duration

	mu      sync.Mutex
	entries []acp.PlanEntry
	timer   *time.Timer
	closed  bool
}

// newPlanTracker sends the initial plan immediately and returns the tracker.
// A nil plan yields a no-op tracker.
func newPlanTracker(entries []acp.PlanEntry, emit func([]acp.PlanEntry)) *planTracker {
	t := &planTracker{emit: emit, debounce: planDebounce, entries: entries}
	if len(entries) > 0 {
		emit(t.snapshotLocked())
	}
	return t
}

// advance marks the first in_progress entry completed and promotes the next
// pending entry. The resulting update is debounced.
func (t *planTracker) advance() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.entries) == 0 {
		return
	}

	advanced := false
	for i := range t.entries {
		if t.entries[i].Status == acp.PlanInProgress {
			t.entries[i].Status = acp.PlanCompleted
			advanced = true
			break
		}
	}
	if !advanced {
		return
	}
	for i := range t.entries {
		if t.entries[i].Status == acp.PlanPending {
			t.entries[i].Status = acp.PlanInProgress
			break
		}
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, t.flush)
}

// flush sends the current plan if the tracker is still live.
func (t *planTracker) flush() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(snapshot)
}

// close stops the debounce timer and sends any update it swallowed, so the
// final plan state always reaches the host before the turn's response.
func (t *planTracker) close() {
	t.mu.Lock()
	if t.closed || len(t.entries) == 0 {
		t.closed = true
		t.mu.Unlock()
		return
	}
	pending := t.timer != nil && t.timer.Stop()
	t.closed = true
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if pending {
		t.emit(snapshot)
	}
}

// snapshot returns a copy of the current entries.
func (t *planTracker) snapshot() []acp.PlanEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *planTracker) snapshotLocked() []acp.PlanEntry {
	out := make([]acp.PlanEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
