package bridge

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/permission"
)

// toolKinds is the fixed mapping from well-known tool names to ACP kinds.
// Names not listed fall back to substring classification.
var toolKinds = map[string]string{
	"read":            "read",
	"read_file":       "read",
	"cat":             "read",
	"view":            "read",
	"write":           "edit",
	"write_file":      "edit",
	"edit":            "edit",
	"multiedit":       "edit",
	"apply_patch":     "edit",
	"delete":          "delete",
	"delete_file":     "delete",
	"remove":          "delete",
	"move":            "move",
	"rename":          "move",
	"glob":            "search",
	"grep":            "search",
	"search":          "search",
	"ls":              "search",
	"bash":            "execute",
	"shell":           "execute",
	"execute_command": "execute",
	"run":             "execute",
	"think":           "think",
	"task":            "think",
	"webfetch":        "fetch",
	"web_fetch":       "fetch",
	"websearch":       "fetch",
	"fetch":           "fetch",
}

// classifyToolKind derives the ACP tool kind from a tool name: exact table
// lookup first, then name-substring fallbacks, then "other".
func classifyToolKind(name string) string {
	lower := strings.ToLower(name)
	if kind, ok := toolKinds[lower]; ok {
		return kind
	}
	switch {
	case containsAny(lower, "grep", "search", "find", "glob"):
		return "search"
	case containsAny(lower, "bash", "run", "exec", "shell", "command"):
		return "execute"
	case containsAny(lower, "delete", "remove", "unlink"):
		return "delete"
	case containsAny(lower, "move", "rename"):
		return "move"
	case containsAny(lower, "write", "edit", "create", "patch"):
		return "edit"
	case containsAny(lower, "read", "cat", "view", "open"):
		return "read"
	case containsAny(lower, "think", "plan", "reason"):
		return "think"
	case containsAny(lower, "fetch", "http", "web", "download", "url"):
		return "fetch"
	default:
		return "other"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// opTypeFor translates a tool kind into the broker's operation type. The two
// vocabularies are aligned by construction.
func opTypeFor(kind string) permission.OpType {
	switch kind {
	case "read", "edit", "delete", "move", "search", "execute", "think", "fetch":
		return permission.OpType(kind)
	default:
		return permission.OpOther
	}
}

// toolTitle derives the host-facing one-line title from the tool name and
// its input.
func toolTitle(name string, rawInput json.RawMessage) string {
	var inputs map[string]any
	if err := json.Unmarshal(rawInput, &inputs); err == nil {
		if cmd, ok := inputs["command"].(string); ok && cmd != "" {
			return name + ": " + truncate(cmd, 80)
		}
		for _, key := range []string{"file_path", "path", "filename", "pattern", "url", "query"} {
			if v, ok := inputs[key].(string); ok && v != "" {
				return name + ": " + truncate(v, 80)
			}
		}
	}
	return name
}

// toolLocations extracts the files a tool call touches, with an optional
// line number.
func toolLocations(rawInput json.RawMessage) []acp.ToolCallLocation {
	var inputs map[string]any
	if err := json.Unmarshal(rawInput, &inputs); err != nil {
		return nil
	}
	var locations []acp.ToolCallLocation
	for _, key := range []string{"file_path", "path", "filename", "target", "source", "destination"} {
		p, ok := inputs[key].(string)
		if !ok || p == "" {
			continue
		}
		loc := acp.ToolCallLocation{Path: p}
		if line, ok := inputs["line"].(float64); ok {
			loc.Line = int(line)
		}
		locations = append(locations, loc)
	}
	return locations
}

// toolResultContent builds the content payload for a completed tool call.
// Inputs describing an edit (old_string/new_string) or a file creation
// (content plus a path) synthesize a diff block; everything else carries the
// tool output as text.
func toolResultContent(rawInput json.RawMessage, output string) []acp.ToolCallContent {
	var inputs map[string]any
	if err := json.Unmarshal(rawInput, &inputs); err == nil {
		path := firstString(inputs, "file_path", "path", "filename")
		newStr, hasNew := inputs["new_string"].(string)
		oldStr, hasOld := inputs["old_string"].(string)
		if path != "" && hasNew && hasOld {
			return []acp.ToolCallContent{{Type: "diff", Path: path, OldText: &oldStr, NewText: newStr}}
		}
		if content, ok := inputs["content"].(string); ok && path != "" {
			return []acp.ToolCallContent{{Type: "diff", Path: path, NewText: content}}
		}
	}
	if output == "" {
		return nil
	}
	block := acp.TextBlock(output)
	return []acp.ToolCallContent{{Type: "content", Content: &block}}
}

func firstString(inputs map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := inputs[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n runes, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
