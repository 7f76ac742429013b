// Package stream turns the agent CLI's raw stdout lines into semantic
// events: task output text, tool invocation tracking, token usage, session
// ids, and errors. File-modifying tool use is checked against the file-lock
// coordinator while its arguments are still streaming.
package stream

import (
	"agentrunner/locks"
	"agentrunner/log"
	"agentrunner/task"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// invocationTokens accumulates incremental usage for providers that report
// it via message_start/message_delta instead of in the result event. Output
// counts are cumulative within one message; messages accumulate across the
// invocation.
type invocationTokens struct {
	input         int64
	cacheRead     int64
	cacheCreation int64
	doneOutput    int64 // output tokens from completed messages
	lastMsgID     string
	lastMsgOutput int64 // cumulative output of the in-flight message
}

func (it *invocationTokens) usage() task.Usage {
	return task.Usage{
		InputTokens:         it.input,
		OutputTokens:        it.doneOutput + it.lastMsgOutput,
		CacheReadTokens:     it.cacheRead,
		CacheCreationTokens: it.cacheCreation,
	}
}

// Parser consumes the subprocess's line-oriented JSON event stream for all
// tasks. It owns the per-task streaming tool states and the per-invocation
// token accumulators.
type Parser struct {
	locks  *locks.Coordinator
	states *stateRegistry

	mu     sync.Mutex
	tokens map[string]*invocationTokens // task id -> accumulator
}

func NewParser(lockCoord *locks.Coordinator) *Parser {
	return &Parser{
		locks:  lockCoord,
		states: newStateRegistry(),
		tokens: make(map[string]*invocationTokens),
	}
}

// ResetInvocation clears the incremental token accumulator before a new
// subprocess invocation of the task starts.
func (p *Parser) ResetInvocation(taskID string) {
	p.mu.Lock()
	delete(p.tokens, taskID)
	p.mu.Unlock()
}

// EndTask drops all transient parser state for a task. Called when the task
// finishes or is cancelled.
func (p *Parser) EndTask(taskID string) {
	p.states.close(taskID)
	p.ResetInvocation(taskID)
}

// ParseLine parses one line of subprocess output and applies its effects to
// the task. A line that is not valid JSON is raw CLI chatter and is appended
// to the output verbatim, never dropped.
func (p *Parser) ParseLine(t *task.Task, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var ev event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil || ev.Type == "" {
		t.Output.AppendLine(line)
		return
	}

	switch ev.Type {
	case eventAssistant:
		p.handleAssistant(t, &ev)
	case eventContentBlockStart:
		p.handleBlockStart(t, &ev)
	case eventContentBlockDelta:
		p.handleBlockDelta(t, &ev)
	case eventContentBlockStop:
		p.handleBlockStop(t)
	case eventResult:
		p.handleResult(t, &ev)
	case eventSystem:
		if ev.SessionID != "" {
			t.SetSessionID(ev.SessionID)
		} else if ev.ConversationID != "" {
			t.SetSessionID(ev.ConversationID)
		}
	case eventMessageStart:
		p.handleMessageStart(t, &ev)
	case eventMessageDelta:
		p.handleMessageDelta(t, &ev)
	case eventError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Result
		}
		if msg == "" {
			msg = trimmed
		}
		t.Output.AppendLine(fmt.Sprintf("[Error: %s]", msg))
	default:
		// Unknown but well-formed events carry no output.
		log.DebugLog.Printf("task %s: ignoring event type %q", t.ID, ev.Type)
	}
}

// handleAssistant processes a complete assistant message: text blocks are
// appended, tool-use blocks arrive with their full input so the lock can be
// requested immediately.
func (p *Parser) handleAssistant(t *task.Task, ev *event) {
	if ev.Message == nil {
		return
	}
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			t.Output.Append(block.Text)
		case "tool_use":
			t.Output.AppendLine(describeToolAction(block.Name, block.Input))
			if IsFileModifyingTool(block.Name) {
				if path := extractFilePath(string(block.Input)); path != "" {
					p.requestLock(t, block.Name, path)
				}
			}
		}
	}
}

func (p *Parser) handleBlockStart(t *task.Task, ev *event) {
	if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
		return
	}
	block := ev.ContentBlock
	t.Output.AppendLine(describeToolAction(block.Name, block.Input))

	if !IsFileModifyingTool(block.Name) {
		return
	}
	st := p.states.open(t.ID, block.Name)
	// Some providers ship the full input on block start.
	if len(block.Input) > 0 && string(block.Input) != "{}" {
		st.args.WriteString(string(block.Input))
		if path := extractFilePath(st.args.String()); path != "" {
			p.lockForState(t, st, path)
		}
	}
}

func (p *Parser) handleBlockDelta(t *task.Task, ev *event) {
	if ev.Delta == nil {
		return
	}
	switch ev.Delta.Type {
	case deltaText:
		t.Output.Append(ev.Delta.Text)
	case deltaThinking:
		t.Output.Append(ev.Delta.Thinking)
	case deltaInputJSON:
		st := p.states.get(t.ID)
		if st == nil || !st.fileModifying {
			return
		}
		if st.conflicted {
			// The lock was refused; stop processing this tool's output.
			return
		}
		st.args.WriteString(ev.Delta.PartialJSON)
		if !st.lockRequested {
			// Speculative extraction: grab the target path as soon as the
			// field is parseable, before the arguments object is complete.
			if path := extractFilePath(st.args.String()); path != "" {
				p.lockForState(t, st, path)
			}
		}
	}
}

// handleBlockStop closes the open tool state. If the speculative extraction
// never found a path (the model emitted file_path last), a final parse of
// the now-complete arguments object requests the lock here, after the tool
// call may already be in flight externally. The lock is advisory, not
// preventive.
func (p *Parser) handleBlockStop(t *task.Task) {
	st := p.states.get(t.ID)
	if st == nil {
		return
	}
	if st.fileModifying && !st.lockRequested {
		if path := extractFilePath(st.args.String()); path != "" {
			p.lockForState(t, st, path)
		}
	}
	p.states.close(t.ID)
}

func (p *Parser) handleResult(t *task.Task, ev *event) {
	if ev.Result != "" {
		t.Output.AppendLine(ev.Result)
	}
	if ev.Usage != nil {
		t.ApplyResultUsage(task.Usage{
			InputTokens:         ev.Usage.InputTokens,
			OutputTokens:        ev.Usage.OutputTokens,
			CacheReadTokens:     ev.Usage.CacheReadInputTokens,
			CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
		})
	}
}

func (p *Parser) handleMessageStart(t *task.Task, ev *event) {
	if ev.Message == nil || ev.Message.Usage == nil {
		return
	}
	p.mu.Lock()
	it := p.accumulatorLocked(t.ID)
	if ev.Message.ID != "" && ev.Message.ID != it.lastMsgID {
		it.doneOutput += it.lastMsgOutput
		it.lastMsgID = ev.Message.ID
		it.lastMsgOutput = 0
	}
	it.input += ev.Message.Usage.InputTokens
	it.cacheRead += ev.Message.Usage.CacheReadInputTokens
	it.cacheCreation += ev.Message.Usage.CacheCreationInputTokens
	if ev.Message.Usage.OutputTokens > 0 {
		it.lastMsgOutput = ev.Message.Usage.OutputTokens
	}
	usage := it.usage()
	p.mu.Unlock()

	t.ApplyInvocationUsage(usage)
}

func (p *Parser) handleMessageDelta(t *task.Task, ev *event) {
	if ev.Usage == nil {
		return
	}
	p.mu.Lock()
	it := p.accumulatorLocked(t.ID)
	// Output counts in message_delta are cumulative within the message.
	if ev.Usage.OutputTokens > it.lastMsgOutput {
		it.lastMsgOutput = ev.Usage.OutputTokens
	}
	usage := it.usage()
	p.mu.Unlock()

	t.ApplyInvocationUsage(usage)
}

func (p *Parser) accumulatorLocked(taskID string) *invocationTokens {
	it := p.tokens[taskID]
	if it == nil {
		it = &invocationTokens{}
		p.tokens[taskID] = it
	}
	return it
}

// requestLock attempts a lock for a tool whose full input arrived at once.
func (p *Parser) requestLock(t *task.Task, toolName, path string) {
	if !p.locks.TryAcquireOrConflict(t.ID, path, toolName) {
		p.appendConflict(t, toolName, path)
	}
}

// lockForState attempts the lock for an open streaming tool state, recording
// the outcome so the block's remaining deltas are skipped on conflict.
func (p *Parser) lockForState(t *task.Task, st *toolState, path string) {
	st.lockRequested = true
	if !p.locks.TryAcquireOrConflict(t.ID, path, st.toolName) {
		st.conflicted = true
		p.appendConflict(t, st.toolName, path)
	}
}

// appendConflict surfaces a refused lock in the task output. The tool call
// may already have executed externally; this is advisory enforcement only.
func (p *Parser) appendConflict(t *task.Task, toolName, path string) {
	owner := p.locks.Owner(path)
	t.Output.AppendLine(fmt.Sprintf("[File conflict: %s is being edited by task %s; %s on %s was not permitted]",
		filepath.Base(path), owner, toolName, filepath.Base(path)))
}

// describeToolAction derives a human-readable action line from a tool name
// and its (possibly empty or partial) input.
func describeToolAction(name string, input json.RawMessage) string {
	target := ""
	if len(input) > 0 {
		target = extractFilePath(string(input))
	}

	switch name {
	case "Edit", "MultiEdit", "NotebookEdit":
		if target != "" {
			return fmt.Sprintf("Editing %s", filepath.Base(target))
		}
		return "Editing file"
	case "Write":
		if target != "" {
			return fmt.Sprintf("Writing %s", filepath.Base(target))
		}
		return "Writing file"
	case "Read":
		if target != "" {
			return fmt.Sprintf("Reading %s", filepath.Base(target))
		}
		return "Reading file"
	case "Bash":
		if cmd := extractStringField(input, "command"); cmd != "" {
			return fmt.Sprintf("Running: %s", truncate(cmd, 80))
		}
		return "Running command"
	case "Glob", "Grep":
		if pat := extractStringField(input, "pattern"); pat != "" {
			return fmt.Sprintf("Searching for %s", truncate(pat, 80))
		}
		return "Searching"
	default:
		return fmt.Sprintf("Using %s", name)
	}
}

func extractStringField(input json.RawMessage, key string) string {
	if len(input) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
