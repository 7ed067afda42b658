// Package permission decides whether tool operations may proceed, asking the
// host for confirmation when policy requires it. Approvals granted with
// "always" options are remembered in a bounded decision cache.
package permission

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// OpType classifies what a tool operation does to the workspace.
type OpType string

const (
	OpRead    OpType = "read"
	OpEdit    OpType = "edit"
	OpDelete  OpType = "delete"
	OpMove    OpType = "move"
	OpSearch  OpType = "search"
	OpExecute OpType = "execute"
	OpThink   OpType = "think"
	OpFetch   OpType = "fetch"
	OpOther   OpType = "other"
)

// ToolOperation is the fixed-shape record the broker classifies. Unknown
// input fields stay in RawInput and never influence the decision.
type ToolOperation struct {
	ToolName      string
	OpType        OpType
	Command       string
	AffectedPaths []string
	RawInput      json.RawMessage
}

// AnalyzeOperation builds a ToolOperation from a tool call. opType comes from
// the executor's kind mapping; paths and command are extracted from the
// well-known input fields.
func AnalyzeOperation(toolName string, opType OpType, rawInput json.RawMessage) ToolOperation {
	op := ToolOperation{
		ToolName: toolName,
		OpType:   opType,
		RawInput: rawInput,
	}

	var inputs map[string]any
	if err := json.Unmarshal(rawInput, &inputs); err != nil {
		return op
	}

	for _, key := range []string{"file_path", "path", "filename", "target", "source", "destination"} {
		if p, ok := inputs[key].(string); ok && p != "" {
			op.AffectedPaths = append(op.AffectedPaths, p)
		}
	}
	if cmd, ok := inputs["command"].(string); ok {
		op.Command = cmd
	}
	return op
}

// commandTokens splits a command string into whitespace-separated tokens.
func commandTokens(command string) []string {
	return strings.Fields(command)
}

// escapesDir reports whether path is absolute and not lexically contained
// within dir after normalization.
func escapesDir(path, dir string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	if dir == "" {
		return true
	}
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(dir)
	if cleanPath == cleanDir {
		return false
	}
	return !strings.HasPrefix(cleanPath, cleanDir+string(filepath.Separator))
}
