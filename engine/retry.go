package engine

import (
	"agentrunner/log"
	"agentrunner/proc"
	"agentrunner/sched"
	"agentrunner/task"
	"strings"
	"time"
)

// tokenLimitKeywords is the fixed, case-insensitive set that identifies a
// provider-side throttling failure in task output.
var tokenLimitKeywords = []string{
	"rate limit",
	"token limit",
	"overloaded",
	"529",
	"capacity",
	"too many requests",
}

// tokenScanWindow is how much trailing output the heuristic inspects. The
// throttle message is always near the end of the stream.
const tokenScanWindow = 4000

// IsTokenLimitFailure reports whether the trailing slice of output matches
// the token/rate-limit keyword heuristic.
func IsTokenLimitFailure(output string) bool {
	if output == "" {
		return false
	}
	tail := output
	if len(tail) > tokenScanWindow {
		tail = tail[len(tail)-tokenScanWindow:]
	}
	tail = strings.ToLower(tail)
	for _, kw := range tokenLimitKeywords {
		if strings.Contains(tail, kw) {
			return true
		}
	}
	return false
}

// scheduleTokenRetry arms the one-shot retry timer for a task that hit a
// provider throttle. On fire the task is resumed with --resume <sessionId>
// when a session id was captured, else --continue; the new invocation's exit
// handler runs the same detection again, so retries chain indefinitely while
// the provider remains limited.
//
// Dispatch-loop only.
func (e *Engine) scheduleTokenRetry(rt *taskRuntime) {
	t := rt.task
	delay := time.Duration(e.cfg.TokenRetryMinutes) * time.Minute
	e.setStatus(t, task.RetryWait)
	t.Output.AppendLine("[Token limit reached; retrying in " +
		delay.Truncate(time.Minute).String() + "]")
	log.InfoLog.Printf("task %s: token limit detected, retry in %s", t.ID, delay)

	rt.retryTimer = sched.After(delay, func() {
		e.post(func() { e.fireTokenRetry(rt) })
	})
}

// fireTokenRetry runs when the retry timer elapses. If the task was
// cancelled or re-queued while waiting, its locks are released and it leaves
// the message bus instead of retrying.
//
// Dispatch-loop only.
func (e *Engine) fireTokenRetry(rt *taskRuntime) {
	t := rt.task
	rt.retryTimer = nil

	if st := t.GetStatus(); st != task.RetryWait {
		// A paused task keeps its locks and bus presence until it is
		// resumed or cancelled. Release only when the task truly left
		// the retry path.
		if st == task.Cancelled || st == task.Queued {
			log.InfoLog.Printf("task %s: retry fired but task is %s, releasing resources", t.ID, st)
			e.releaseTaskResources(rt)
		} else {
			log.InfoLog.Printf("task %s: retry fired but status is %s, skipping", t.ID, st)
		}
		return
	}

	inv := proc.Invocation{Continue: true}
	if sid := t.GetSessionID(); sid != "" {
		inv = proc.Invocation{ResumeSessionID: sid}
	}

	e.setStatus(t, task.Running)
	if err := e.startInvocation(rt, inv); err != nil {
		log.ErrorLog.Printf("task %s: retry invocation failed to start: %v", t.ID, err)
		e.finishTask(rt, task.Failed)
	}
}
