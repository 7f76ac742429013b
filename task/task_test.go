package task

import (
	"agentrunner/log"
	"os"
	"strings"
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

func TestNewDefaults(t *testing.T) {
	tsk, err := New(Options{
		Title:       "add feature",
		Prompt:      "add the feature",
		Program:     "claude",
		WorkDir:     t.TempDir(),
		FeatureMode: true,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, Pending, tsk.GetStatus())
	assert.Equal(t, 1, tsk.Iteration)
	assert.Equal(t, 50, tsk.MaxIterations)
	assert.Zero(t, tsk.Runtime())
}

func TestNewRequiresProgram(t *testing.T) {
	_, err := New(Options{Prompt: "x", WorkDir: t.TempDir()})
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	for _, st := range []Status{Completed, Failed, Cancelled} {
		assert.True(t, st.Terminal(), "status %s", st)
	}
	for _, st := range []Status{Pending, Queued, Running, RetryWait, Paused, Verifying} {
		assert.False(t, st.Terminal(), "status %s", st)
	}
}

func TestNewWithResumeSession(t *testing.T) {
	tsk, err := New(Options{
		Program:         "claude",
		WorkDir:         t.TempDir(),
		ResumeSessionID: "sess-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-42", tsk.GetSessionID())
}

func TestSessionIDIgnoresEmpty(t *testing.T) {
	tsk, err := New(Options{Program: "claude", WorkDir: t.TempDir()})
	require.NoError(t, err)

	tsk.SetSessionID("sess-1")
	tsk.SetSessionID("")
	assert.Equal(t, "sess-1", tsk.GetSessionID())
}

func TestUsageAcrossInvocations(t *testing.T) {
	tsk, err := New(Options{Program: "claude", WorkDir: t.TempDir()})
	require.NoError(t, err)

	// First invocation: protocol reports cumulative per-invocation counts.
	tsk.SnapshotBaseline()
	tsk.ApplyInvocationUsage(Usage{InputTokens: 100, OutputTokens: 10})
	tsk.ApplyInvocationUsage(Usage{InputTokens: 250, OutputTokens: 40, CacheReadTokens: 500})
	tsk.ApplyResultUsage(Usage{InputTokens: 300, OutputTokens: 50, CacheReadTokens: 500})

	u := tsk.GetUsage()
	assert.Equal(t, int64(300), u.InputTokens)
	assert.Equal(t, int64(50), u.OutputTokens)
	assert.Equal(t, int64(500), u.CacheReadTokens)

	// Second invocation starts from the accumulated total.
	tsk.SnapshotBaseline()
	tsk.ApplyInvocationUsage(Usage{InputTokens: 20, OutputTokens: 5})

	u = tsk.GetUsage()
	assert.Equal(t, int64(320), u.InputTokens)
	assert.Equal(t, int64(55), u.OutputTokens)
	assert.Equal(t, int64(500), u.CacheReadTokens)
}

func TestUsageNeverDecreases(t *testing.T) {
	tsk, err := New(Options{Program: "claude", WorkDir: t.TempDir()})
	require.NoError(t, err)

	tsk.SnapshotBaseline()
	tsk.ApplyInvocationUsage(Usage{InputTokens: 500, OutputTokens: 80})
	// An out-of-order report with smaller counts must not roll totals back.
	tsk.ApplyInvocationUsage(Usage{InputTokens: 100, OutputTokens: 90})

	u := tsk.GetUsage()
	assert.Equal(t, int64(500), u.InputTokens)
	assert.Equal(t, int64(90), u.OutputTokens)
}

func TestResultUsageAppliedOnce(t *testing.T) {
	tsk, err := New(Options{Program: "claude", WorkDir: t.TempDir()})
	require.NoError(t, err)

	tsk.SnapshotBaseline()
	tsk.ApplyResultUsage(Usage{InputTokens: 100})
	tsk.ApplyResultUsage(Usage{InputTokens: 999})

	assert.Equal(t, int64(100), tsk.GetUsage().InputTokens)

	// A new invocation re-arms the result handler.
	tsk.SnapshotBaseline()
	tsk.ApplyResultUsage(Usage{InputTokens: 50})
	assert.Equal(t, int64(150), tsk.GetUsage().InputTokens)
}

func TestOutputBufferTrimKeepsTail(t *testing.T) {
	buf := NewOutputBuffer(100)

	buf.Append(strings.Repeat("a", 80))
	buf.Append(strings.Repeat("b", 80))

	assert.Equal(t, 100, buf.Len())
	s := buf.String()
	assert.True(t, strings.HasSuffix(s, strings.Repeat("b", 80)), "most recent output must survive the trim")
	assert.Equal(t, 20, strings.Count(s, "a"), "oldest output is dropped first")
}

func TestOutputBufferTail(t *testing.T) {
	buf := NewOutputBuffer(1000)
	buf.Append("hello world")

	assert.Equal(t, "world", buf.Tail(5))
	assert.Equal(t, "hello world", buf.Tail(100))
}

func TestOutputBufferInvocationWindow(t *testing.T) {
	buf := NewOutputBuffer(1000)
	buf.AppendLine("iteration one output")

	buf.MarkInvocation()
	buf.AppendLine("iteration two output")

	assert.Contains(t, buf.InvocationOutput(), "iteration two")
	assert.NotContains(t, buf.InvocationOutput(), "iteration one")
	assert.Contains(t, buf.String(), "iteration one")
}

func TestOutputBufferInvocationMarkSurvivesTrim(t *testing.T) {
	buf := NewOutputBuffer(10_000)
	buf.Append(strings.Repeat("x", 200))
	buf.MarkInvocation()
	buf.Append("recent")

	buf.Trim(100)

	// The explicit trim drops old content but the window since the mark is
	// still addressable.
	assert.Contains(t, buf.InvocationOutput(), "recent")
	assert.LessOrEqual(t, buf.Len(), 100)
}
