package task

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status int

const (
	// Pending is the status before the first subprocess invocation starts.
	Pending Status = iota
	// Queued is the status while the task waits for a run slot.
	Queued
	// Running is the status while an agent CLI invocation is in flight.
	Running
	// RetryWait is the status while a delayed token-limit retry timer is armed.
	RetryWait
	// Paused is the status while the whole process tree is suspended.
	Paused
	// Verifying is the status while finish post-processing runs.
	Verifying
	// Completed is terminal: the task finished successfully.
	Completed
	// Failed is terminal: the task failed (crash loop or fatal error).
	Failed
	// Cancelled is terminal: the task was killed by the user.
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case RetryWait:
		return "retry-wait"
	case Paused:
		return "paused"
	case Verifying:
		return "verifying"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Options for creating a new task.
type Options struct {
	// Title is a short human-readable name for the task.
	Title string
	// Prompt is the initial prompt passed to the agent CLI.
	Prompt string
	// Program is the agent CLI to run (e.g. "claude").
	Program string
	// WorkDir is the directory the subprocess runs in.
	WorkDir string
	// SkipPermissions passes the permission-skip flag to the CLI.
	SkipPermissions bool
	// UseMessageBus joins the task to the agent message bus on start.
	UseMessageBus bool
	// FeatureMode enables the multi-iteration loop.
	FeatureMode bool
	// MaxIterations caps feature-mode iterations. Ignored unless FeatureMode.
	MaxIterations int
	// OutputCap is the rolling character cap for the output buffer.
	OutputCap int
	// ResumeSessionID, when set, makes the first invocation resume an
	// existing agent session instead of starting a fresh one.
	ResumeSessionID string
}

// Task is one agent-driven unit of work. It owns exactly one live subprocess
// at a time; all bookkeeping mutations happen on the engine dispatch loop.
type Task struct {
	// ID is the opaque task identifier.
	ID string
	// Title is a short human-readable name.
	Title string
	// Prompt is the initial prompt.
	Prompt string
	// Program is the agent CLI binary.
	Program string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// CreatedAt is when the task was created.
	CreatedAt time.Time

	// Creation flags, immutable after New.
	SkipPermissions bool
	UseMessageBus   bool
	FeatureMode     bool

	// Status is the current state-machine state.
	Status Status

	// SessionID is the resumable session/conversation id captured from the
	// protocol stream. Empty until the first system event arrives.
	SessionID string

	// Iteration is the current feature-mode iteration (1-based).
	Iteration int
	// MaxIterations is the feature-mode iteration cap.
	MaxIterations int
	// ConsecutiveFailures counts non-zero exits without an intervening
	// success or token-limit retry.
	ConsecutiveFailures int
	// StartedAt is when the first invocation started; zero until then.
	StartedAt time.Time

	// Output is the append-only output buffer with a rolling cap.
	Output *OutputBuffer

	// Usage holds cumulative token counters across all invocations.
	Usage Usage
	// baseline is the usage snapshot taken before the current invocation,
	// so the protocol's per-invocation cumulative counts can be added on top.
	baseline Usage
	// resultSeen guards against double-counting a result event's usage
	// within one invocation.
	resultSeen bool

	mu sync.Mutex
}

// New creates a task from options. The work directory is normalized to an
// absolute path.
func New(opts Options) (*Task, error) {
	if opts.Program == "" {
		return nil, fmt.Errorf("task program cannot be empty")
	}

	absDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	cap := opts.OutputCap
	if cap <= 0 {
		cap = DefaultOutputCap
	}
	maxIter := opts.MaxIterations
	if opts.FeatureMode && maxIter <= 0 {
		maxIter = 50
	}

	return &Task{
		ID:              uuid.NewString(),
		Title:           opts.Title,
		Prompt:          opts.Prompt,
		Program:         opts.Program,
		WorkDir:         absDir,
		CreatedAt:       time.Now(),
		SkipPermissions: opts.SkipPermissions,
		UseMessageBus:   opts.UseMessageBus,
		FeatureMode:     opts.FeatureMode,
		Status:          Pending,
		SessionID:       opts.ResumeSessionID,
		Iteration:       1,
		MaxIterations:   maxIter,
		Output:          NewOutputBuffer(cap),
	}, nil
}

func (t *Task) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
}

// GetStatus returns the current status. Safe to call off the dispatch loop.
func (t *Task) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// SetSessionID records the resumable session id from the protocol stream.
func (t *Task) SetSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != "" {
		t.SessionID = id
	}
}

// GetSessionID returns the captured session id, or "".
func (t *Task) GetSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.SessionID
}

// Runtime returns elapsed time since the first invocation started.
func (t *Task) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartedAt.IsZero() {
		return 0
	}
	return time.Since(t.StartedAt)
}

// MarkStarted records the first-invocation start time once.
func (t *Task) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
}
