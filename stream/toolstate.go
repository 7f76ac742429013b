package stream

import (
	"strings"
	"sync"

	"github.com/buger/jsonparser"
)

// fileModifyingTools are the tool names whose use claims a file lock.
// Read-only tool use is never gated.
var fileModifyingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// IsFileModifyingTool reports whether a tool's use requires a file lock.
func IsFileModifyingTool(name string) bool {
	return fileModifyingTools[name]
}

// toolState is transient per-task state held only while a tool-use block is
// being streamed: the tool name, whether it modifies files, and the
// accumulating buffer of partial JSON arguments used to extract the target
// path before the full object has arrived.
type toolState struct {
	toolName      string
	fileModifying bool
	args          strings.Builder
	lockRequested bool
	conflicted    bool
}

// stateRegistry holds open tool-use states keyed by task id. Entries are
// inserted when a tool-use block starts and removed when the block stops or
// the task ends; there is no implicit cleanup.
type stateRegistry struct {
	mu     sync.Mutex
	states map[string]*toolState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{states: make(map[string]*toolState)}
}

func (r *stateRegistry) open(taskID, toolName string) *toolState {
	st := &toolState{toolName: toolName, fileModifying: IsFileModifyingTool(toolName)}
	r.mu.Lock()
	r.states[taskID] = st
	r.mu.Unlock()
	return st
}

func (r *stateRegistry) get(taskID string) *toolState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[taskID]
}

func (r *stateRegistry) close(taskID string) {
	r.mu.Lock()
	delete(r.states, taskID)
	r.mu.Unlock()
}

// extractFilePath pulls a file_path-shaped field out of a JSON fragment.
// The fragment may be incomplete: jsonparser handles a fully formed prefix,
// and the manual scan below catches a field whose closing quote has arrived
// even when the surrounding object has not.
func extractFilePath(fragment string) string {
	if fragment == "" {
		return ""
	}

	for _, key := range []string{"file_path", "notebook_path", "path"} {
		if v, err := jsonparser.GetString([]byte(fragment), key); err == nil && v != "" {
			return v
		}
	}

	// Fragment is not yet parseable as an object; scan for a completed
	// "file_path":"..." pair inside it.
	for _, key := range []string{`"file_path"`, `"notebook_path"`} {
		idx := strings.Index(fragment, key)
		if idx < 0 {
			continue
		}
		rest := fragment[idx+len(key):]
		rest = strings.TrimLeft(rest, " \t:")
		if len(rest) == 0 || rest[0] != '"' {
			continue
		}
		rest = rest[1:]
		var sb strings.Builder
		escaped := false
		closed := false
		for _, c := range rest {
			if escaped {
				switch c {
				case 'n':
					sb.WriteRune('\n')
				case 't':
					sb.WriteRune('\t')
				default:
					sb.WriteRune(c)
				}
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				closed = true
				break
			}
			sb.WriteRune(c)
		}
		if closed && sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}
