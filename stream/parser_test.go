package stream

import (
	"agentrunner/locks"
	"agentrunner/log"
	"agentrunner/task"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize()
	defer log.Close()

	exitCode := m.Run()
	os.Exit(exitCode)
}

func newTestParser() (*Parser, *locks.Coordinator) {
	lc := locks.NewCoordinator()
	return NewParser(lc), lc
}

func newStreamTask(t *testing.T) *task.Task {
	t.Helper()
	tsk, err := task.New(task.Options{
		Title:   "stream",
		Prompt:  "x",
		Program: "claude",
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	return tsk
}

func TestParseLineRawChatterPassthrough(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, "Warming up...")
	p.ParseLine(tsk, "   ")
	p.ParseLine(tsk, `{"not valid json`)

	out := tsk.Output.String()
	assert.Contains(t, out, "Warming up...")
	assert.Contains(t, out, `{"not valid json`)
	assert.NotContains(t, out, "   \n", "blank lines are dropped")
}

func TestParseLineTextDeltas(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello, "}}`)
	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}`)
	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":" hmm"}}`)

	assert.Equal(t, "Hello, world hmm", tsk.Output.String())
}

func TestParseLineSessionCapture(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"system","subtype":"init","session_id":"sess-42"}`)
	assert.Equal(t, "sess-42", tsk.GetSessionID())

	// conversation_id is the fallback key on older CLIs.
	other := newStreamTask(t)
	p.ParseLine(other, `{"type":"system","conversation_id":"conv-7"}`)
	assert.Equal(t, "conv-7", other.GetSessionID())
}

func TestParseLineAssistantMessage(t *testing.T) {
	p, lc := newTestParser()
	tsk := newStreamTask(t)

	line := `{"type":"assistant","message":{"id":"msg_1","content":[` +
		`{"type":"text","text":"Let me fix that."},` +
		`{"type":"tool_use","name":"Edit","input":{"file_path":"/tmp/app/main.go","old_string":"a","new_string":"b"}}]}}`
	p.ParseLine(tsk, line)

	out := tsk.Output.String()
	assert.Contains(t, out, "Let me fix that.")
	assert.Contains(t, out, "Editing main.go")
	// The complete tool input claims the lock immediately.
	assert.Equal(t, tsk.ID, lc.Owner("/tmp/app/main.go"))
}

// The target path is extracted from partial JSON while arguments are still
// streaming, so the lock lands before the block completes.
func TestParseLineSpeculativePathExtraction(t *testing.T) {
	p, lc := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Edit"}}`)
	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"file_pa"}}`)
	assert.Empty(t, lc.Owner("/tmp/app/util.go"), "incomplete field cannot lock yet")

	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"th\":\"/tmp/app/util.go\", \"old_str"}}`)
	assert.Equal(t, tsk.ID, lc.Owner("/tmp/app/util.go"), "lock lands before content_block_stop")

	p.ParseLine(tsk, `{"type":"content_block_stop"}`)
	assert.Equal(t, tsk.ID, lc.Owner("/tmp/app/util.go"))
}

// If the model emits file_path last, the completed arguments at block stop
// still produce the lock request.
func TestParseLinePathExtractedAtBlockStop(t *testing.T) {
	p, lc := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Write"}}`)
	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"content\":\"hi\","}}`)
	p.ParseLine(tsk, `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"file_path\":\"/tmp/new.txt\"}"}}`)
	p.ParseLine(tsk, `{"type":"content_block_stop"}`)

	assert.Equal(t, tsk.ID, lc.Owner("/tmp/new.txt"))
}

func TestParseLineConflictStopsToolOutput(t *testing.T) {
	p, lc := newTestParser()
	a := newStreamTask(t)
	b := newStreamTask(t)

	require.True(t, lc.TryAcquireOrConflict(a.ID, "/tmp/shared.go", "Edit"))

	p.ParseLine(b, `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Edit"}}`)
	p.ParseLine(b, fmt.Sprintf(`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"file_path\":\"%s\","}}`, "/tmp/shared.go"))

	out := b.Output.String()
	assert.Contains(t, out, "File conflict")
	assert.Contains(t, out, a.ID, "conflict message names the owner")

	// Further deltas of the refused tool are dropped.
	before := b.Output.Len()
	p.ParseLine(b, `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"old_string\":\"x\"}"}}`)
	assert.Equal(t, before, b.Output.Len())

	p.ParseLine(b, `{"type":"content_block_stop"}`)
	assert.Equal(t, a.ID, lc.Owner("/tmp/shared.go"), "owner is unchanged")
}

func TestParseLineReadOnlyToolNeedsNoLock(t *testing.T) {
	p, lc := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Read","input":{"file_path":"/tmp/readme.md"}}}`)
	p.ParseLine(tsk, `{"type":"content_block_stop"}`)

	assert.Contains(t, tsk.Output.String(), "Reading readme.md")
	assert.Empty(t, lc.Owner("/tmp/readme.md"))
}

func TestParseLineResult(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)
	tsk.SnapshotBaseline()

	p.ParseLine(tsk, `{"type":"result","subtype":"success","result":"All done.","usage":{"input_tokens":1200,"output_tokens":340,"cache_read_input_tokens":9000}}`)

	assert.Contains(t, tsk.Output.String(), "All done.")
	u := tsk.GetUsage()
	assert.Equal(t, int64(1200), u.InputTokens)
	assert.Equal(t, int64(340), u.OutputTokens)
	assert.Equal(t, int64(9000), u.CacheReadTokens)
}

// message_start/message_delta report usage incrementally; output counts are
// cumulative within a message and sum across messages.
func TestParseLineIncrementalUsage(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)
	tsk.SnapshotBaseline()
	p.ResetInvocation(tsk.ID)

	p.ParseLine(tsk, `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":100,"output_tokens":1}}}`)
	p.ParseLine(tsk, `{"type":"message_delta","usage":{"output_tokens":25}}`)
	p.ParseLine(tsk, `{"type":"message_delta","usage":{"output_tokens":60}}`)

	u := tsk.GetUsage()
	assert.Equal(t, int64(100), u.InputTokens)
	assert.Equal(t, int64(60), u.OutputTokens)

	// Second message: its cumulative counts stack on the first's final ones.
	p.ParseLine(tsk, `{"type":"message_start","message":{"id":"msg_2","usage":{"input_tokens":40,"output_tokens":0}}}`)
	p.ParseLine(tsk, `{"type":"message_delta","usage":{"output_tokens":15}}`)

	u = tsk.GetUsage()
	assert.Equal(t, int64(140), u.InputTokens)
	assert.Equal(t, int64(75), u.OutputTokens)
}

func TestParseLineError(t *testing.T) {
	p, _ := newTestParser()
	tsk := newStreamTask(t)

	p.ParseLine(tsk, `{"type":"error","error":"stream disconnected"}`)
	assert.Contains(t, tsk.Output.String(), "[Error: stream disconnected]")
}

func TestExtractFilePath(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		want     string
	}{
		{"complete object", `{"file_path":"/a/b.go","old_string":"x"}`, "/a/b.go"},
		{"notebook path", `{"notebook_path":"/nb/cells.ipynb"}`, "/nb/cells.ipynb"},
		{"incomplete object closed field", `{"file_path":"/a/b.go","old_str`, "/a/b.go"},
		{"field not yet closed", `{"file_path":"/a/b`, ""},
		{"escaped quote in path", `{"file_path":"/a/\"odd\".go",`, `/a/"odd".go`},
		{"no path field", `{"command":"ls"}`, ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractFilePath(tt.fragment))
		})
	}
}

func TestDescribeToolAction(t *testing.T) {
	assert.Equal(t, "Editing main.go", describeToolAction("Edit", []byte(`{"file_path":"/x/main.go"}`)))
	assert.Equal(t, "Writing file", describeToolAction("Write", nil))
	assert.Equal(t, "Running: ls -la", describeToolAction("Bash", []byte(`{"command":"ls -la"}`)))
	assert.Equal(t, "Searching for TODO", describeToolAction("Grep", []byte(`{"pattern":"TODO"}`)))
	assert.Equal(t, "Using WebFetch", describeToolAction("WebFetch", nil))
}
