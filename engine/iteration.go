package engine

import (
	"agentrunner/task"
	"strings"
	"time"
)

// Completion markers the agent is instructed to emit in feature mode.
const (
	MarkerComplete      = "STATUS: COMPLETE"
	MarkerNeedsMoreWork = "STATUS: NEEDS_MORE_WORK"
)

const (
	// RuntimeCeiling is the total wall-clock bound for a feature-mode task.
	RuntimeCeiling = 12 * time.Hour
	// maxConsecutiveFailures aborts a crash-looping feature task.
	maxConsecutiveFailures = 3
)

// DecisionKind is the action chosen after a feature-mode invocation exits.
type DecisionKind int

const (
	// DecisionNone means the task was externally stopped or paused; no-op.
	DecisionNone DecisionKind = iota
	// DecisionFinishCompleted ends the task as Completed.
	DecisionFinishCompleted
	// DecisionFinishFailed ends the task as Failed.
	DecisionFinishFailed
	// DecisionRetryAfterDelay schedules a delayed resume of the same iteration.
	DecisionRetryAfterDelay
	// DecisionContinue starts the next iteration.
	DecisionContinue
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionNone:
		return "none"
	case DecisionFinishCompleted:
		return "finish-completed"
	case DecisionFinishFailed:
		return "finish-failed"
	case DecisionRetryAfterDelay:
		return "retry-after-delay"
	case DecisionContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one iteration evaluation.
type Decision struct {
	Kind DecisionKind
	// Reason is a short human-readable explanation.
	Reason string
	// ConsecutiveFailures is the updated failure counter the caller must
	// store back on the task.
	ConsecutiveFailures int
}

// IterationInput is everything EvaluateIteration looks at. The function is
// pure: identical inputs always yield identical decisions.
type IterationInput struct {
	Status              task.Status
	Runtime             time.Duration
	IterationOutput     string
	Iteration           int
	MaxIterations       int
	ExitCode            int
	ConsecutiveFailures int
	OutputLen           int
}

// EvaluateIteration decides what happens after a feature-mode CLI invocation
// exits. Rules are applied in order; the first match wins.
func EvaluateIteration(in IterationInput) Decision {
	// 1. Externally stopped or paused tasks are left alone.
	if in.Status != task.Running {
		return Decision{Kind: DecisionNone, Reason: "task is not running", ConsecutiveFailures: in.ConsecutiveFailures}
	}

	// 2. Total runtime ceiling. Whatever was achieved by now is the result.
	if in.Runtime >= RuntimeCeiling {
		return Decision{Kind: DecisionFinishCompleted, Reason: "runtime ceiling reached", ConsecutiveFailures: 0}
	}

	// 3. Completion marker overrides the exit code.
	if strings.Contains(in.IterationOutput, MarkerComplete) {
		return Decision{Kind: DecisionFinishCompleted, Reason: "completion marker found", ConsecutiveFailures: 0}
	}

	// 4. Iteration cap.
	if in.Iteration >= in.MaxIterations {
		return Decision{Kind: DecisionFinishCompleted, Reason: "iteration cap reached", ConsecutiveFailures: 0}
	}

	tokenLimited := IsTokenLimitFailure(in.IterationOutput)

	// 5. Crash-loop protection: non-zero exit that is not a provider
	// throttle counts toward consecutive failures.
	if in.ExitCode != 0 && !tokenLimited {
		failures := in.ConsecutiveFailures + 1
		if failures >= maxConsecutiveFailures {
			return Decision{Kind: DecisionFinishFailed, Reason: "crash loop: 3 consecutive failures", ConsecutiveFailures: failures}
		}
		return Decision{Kind: DecisionContinue, Reason: "non-zero exit, retrying next iteration", ConsecutiveFailures: failures}
	}

	// 6. Provider throttle: wait it out and resume the same iteration.
	// The failure counter is left untouched.
	if tokenLimited {
		return Decision{Kind: DecisionRetryAfterDelay, Reason: "token/rate limit detected", ConsecutiveFailures: in.ConsecutiveFailures}
	}

	// 7. Normal progress: next iteration, counter reset.
	return Decision{Kind: DecisionContinue, Reason: "iteration finished, continuing", ConsecutiveFailures: 0}
}
