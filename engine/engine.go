// Package engine supervises tasks end to end: it owns the task registry,
// serializes all bookkeeping onto a single dispatch goroutine, and drives
// the feature-mode iteration loop and the token-limit retry loop around the
// process supervisor and the stream parser.
package engine

import (
	"agentrunner/bus"
	"agentrunner/config"
	"agentrunner/gitx"
	"agentrunner/locks"
	"agentrunner/log"
	"agentrunner/proc"
	"agentrunner/sched"
	"agentrunner/stream"
	"agentrunner/task"
	"fmt"
	"sync"
	"time"
)

// Sink receives task status transitions and lock conflicts. Output text is
// read from the task's output buffer directly.
type Sink interface {
	OnStatusChange(t *task.Task, from, to task.Status)
	OnConflict(c locks.Conflict)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnStatusChange(*task.Task, task.Status, task.Status) {}
func (NopSink) OnConflict(locks.Conflict)                           {}

// taskRuntime is the engine-private state for one task: the live process (at
// most one), and the at-most-one iteration timer and at-most-one retry timer.
type taskRuntime struct {
	task       *task.Task
	proc       *proc.Process
	iterTimer  *sched.Timer
	retryTimer *sched.Timer
	// timedOut marks that the current invocation was force-killed by the
	// per-iteration timeout; the resulting non-zero exit is evaluated by the
	// normal decision function.
	timedOut bool
}

// Engine is the task execution and concurrency control core. All mutations
// of the task registry happen on the dispatch goroutine; subprocess
// callbacks (lines, exits) and timer fires are handed off to it before
// touching shared state.
type Engine struct {
	cfg        *config.Config
	supervisor *proc.Supervisor
	parser     *stream.Parser
	locks      *locks.Coordinator
	guard      *gitx.Guard
	bus        *bus.Bus
	sink       Sink

	// cmdMu guards the pending command queue. The queue is unbounded and
	// strictly FIFO: commands run in exactly the order they were posted.
	cmdMu   sync.Mutex
	cmdCond *sync.Cond
	pending []func()
	stopped bool

	// Dispatch-loop-owned state.
	tasks         map[string]*taskRuntime
	queue         []string
	runningCount  int
	waiters       map[string][]chan task.Status
	queueLogEvery *log.Every
}

func New(cfg *config.Config, sink Sink) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	lockCoord := locks.NewCoordinator()

	e := &Engine{
		cfg:           cfg,
		supervisor:    proc.NewSupervisor(),
		parser:        stream.NewParser(lockCoord),
		locks:         lockCoord,
		guard:         gitx.NewGuard(lockCoord),
		bus:           bus.New(cfg.MessageBusDir),
		sink:          sink,
		tasks:         make(map[string]*taskRuntime),
		waiters:       make(map[string][]chan task.Status),
		queueLogEvery: log.NewEvery(30 * time.Second),
	}
	e.cmdCond = sync.NewCond(&e.cmdMu)

	lockCoord.SetConflictFunc(func(c locks.Conflict) { sink.OnConflict(c) })
	lockCoord.SetReleaseFunc(func() { e.post(func() { e.checkQueuedTasks() }) })
	return e
}

// Locks exposes the file-lock coordinator.
func (e *Engine) Locks() *locks.Coordinator { return e.locks }

// Guard exposes the git-mutation guard.
func (e *Engine) Guard() *gitx.Guard { return e.guard }

// GitMutate runs a git-mutating operation against the repository containing
// path, but only while no file locks are held anywhere. Refused operations
// return false with an explanation. Safe to call from any goroutine.
func (e *Engine) GitMutate(path, operationName string, op func(*gitx.Runner) error) (bool, string) {
	return e.guard.ExecuteWhileNoLocksHeld(func() error {
		r, err := gitx.NewRunner(path)
		if err != nil {
			return err
		}
		return op(r)
	}, operationName)
}

// Start runs the dispatch loop.
func (e *Engine) Start() {
	go e.loop()
}

// Stop cancels all tasks and stops the dispatch loop.
func (e *Engine) Stop() {
	done := make(chan struct{})
	e.post(func() {
		for _, rt := range e.tasks {
			if !rt.task.GetStatus().Terminal() {
				e.cancelTask(rt)
			}
		}
		close(done)
	})
	<-done

	e.cmdMu.Lock()
	e.stopped = true
	e.cmdCond.Broadcast()
	e.cmdMu.Unlock()
}

func (e *Engine) loop() {
	e.cmdMu.Lock()
	for {
		for len(e.pending) == 0 && !e.stopped {
			e.cmdCond.Wait()
		}
		if e.stopped {
			e.cmdMu.Unlock()
			return
		}
		fn := e.pending[0]
		e.pending = e.pending[1:]
		e.cmdMu.Unlock()

		fn()

		e.cmdMu.Lock()
	}
}

// post enqueues fn for the dispatch loop. The queue is unbounded, so posting
// never blocks and commands from any one producer (and from the loop itself)
// run in the exact order they were posted. Commands posted after Stop are
// dropped.
func (e *Engine) post(fn func()) {
	e.cmdMu.Lock()
	if !e.stopped {
		e.pending = append(e.pending, fn)
		e.cmdCond.Signal()
	}
	e.cmdMu.Unlock()
}

// Submit registers a task and starts it, or queues it when all run slots are
// taken.
func (e *Engine) Submit(t *task.Task) {
	e.post(func() {
		rt := &taskRuntime{task: t}
		e.tasks[t.ID] = rt

		if t.UseMessageBus {
			if err := e.bus.Join(t.ID); err != nil {
				log.WarningLog.Printf("task %s: message bus join failed: %v", t.ID, err)
			}
		}

		if e.runningCount >= e.cfg.MaxConcurrentTasks {
			e.setStatus(t, task.Queued)
			e.queue = append(e.queue, t.ID)
			if e.queueLogEvery.ShouldLog() {
				log.InfoLog.Printf("all %d run slots busy, %d task(s) queued", e.cfg.MaxConcurrentTasks, len(e.queue))
			}
			return
		}
		e.launchTask(rt)
	})
}

// Get returns the task with the given id, or nil.
func (e *Engine) Get(taskID string) *task.Task {
	result := make(chan *task.Task, 1)
	e.post(func() {
		if rt, ok := e.tasks[taskID]; ok {
			result <- rt.task
		} else {
			result <- nil
		}
	})
	return <-result
}

// Tasks returns a snapshot of all registered tasks.
func (e *Engine) Tasks() []*task.Task {
	result := make(chan []*task.Task, 1)
	e.post(func() {
		out := make([]*task.Task, 0, len(e.tasks))
		for _, rt := range e.tasks {
			out = append(out, rt.task)
		}
		result <- out
	})
	return <-result
}

// WaitTerminal returns a channel that receives the terminal status of the
// task exactly once.
func (e *Engine) WaitTerminal(taskID string) <-chan task.Status {
	ch := make(chan task.Status, 1)
	e.post(func() {
		rt, ok := e.tasks[taskID]
		if !ok {
			close(ch)
			return
		}
		if st := rt.task.GetStatus(); st.Terminal() {
			ch <- st
			return
		}
		e.waiters[taskID] = append(e.waiters[taskID], ch)
	})
	return ch
}

// Pause suspends the task's whole process tree and disarms its timers.
func (e *Engine) Pause(taskID string) error {
	return e.do(taskID, func(rt *taskRuntime) error {
		t := rt.task
		switch t.GetStatus() {
		case task.Running:
			if rt.proc != nil {
				if err := e.supervisor.Suspend(rt.proc); err != nil {
					return err
				}
			}
			e.cancelTimers(rt)
			e.setStatus(t, task.Paused)
			return nil
		case task.RetryWait:
			e.cancelTimers(rt)
			e.setStatus(t, task.Paused)
			return nil
		default:
			return fmt.Errorf("cannot pause task in status %s", t.GetStatus())
		}
	})
}

// Resume unfreezes a paused task. A task paused while waiting on a retry has
// no live process; it is resumed by a fresh invocation instead.
func (e *Engine) Resume(taskID string) error {
	return e.do(taskID, func(rt *taskRuntime) error {
		t := rt.task
		if t.GetStatus() != task.Paused {
			return fmt.Errorf("can only resume paused tasks, status is %s", t.GetStatus())
		}
		if rt.proc != nil {
			if err := e.supervisor.Resume(rt.proc); err != nil {
				return err
			}
			e.setStatus(t, task.Running)
			if t.FeatureMode {
				e.armIterationTimer(rt, rt.proc)
			}
			return nil
		}

		inv := proc.Invocation{Continue: true}
		if sid := t.GetSessionID(); sid != "" {
			inv = proc.Invocation{ResumeSessionID: sid}
		}
		e.setStatus(t, task.Running)
		if err := e.startInvocation(rt, inv); err != nil {
			e.finishTask(rt, task.Failed)
			return err
		}
		return nil
	})
}

// Cancel kills the task's process tree and releases its resources.
// Cancellation is coarse: there is no in-protocol cooperative signal.
func (e *Engine) Cancel(taskID string) error {
	return e.do(taskID, func(rt *taskRuntime) error {
		if rt.task.GetStatus().Terminal() {
			return nil
		}
		e.cancelTask(rt)
		return nil
	})
}

// do runs fn for the task on the dispatch loop and waits for the result.
func (e *Engine) do(taskID string, fn func(*taskRuntime) error) error {
	result := make(chan error, 1)
	e.post(func() {
		rt, ok := e.tasks[taskID]
		if !ok {
			result <- fmt.Errorf("unknown task %s", taskID)
			return
		}
		result <- fn(rt)
	})
	return <-result
}

// --- dispatch-loop internals; everything below runs on the loop ---

func (e *Engine) launchTask(rt *taskRuntime) {
	t := rt.task
	e.setStatus(t, task.Running)

	inv := proc.Invocation{Prompt: initialPrompt(t)}
	if sid := t.GetSessionID(); sid != "" {
		inv.ResumeSessionID = sid
	}
	if err := e.startInvocation(rt, inv); err != nil {
		log.ErrorLog.Printf("task %s: failed to start: %v", t.ID, err)
		t.Output.AppendLine(fmt.Sprintf("[Failed to start %s: %v]", t.Program, err))
		e.finishTask(rt, task.Failed)
	}
}

func (e *Engine) startInvocation(rt *taskRuntime, inv proc.Invocation) error {
	t := rt.task
	e.parser.ResetInvocation(t.ID)
	// Scope the evaluation window to this invocation's own output. Earlier
	// output and engine annotations (notably the retry notice, which itself
	// contains a throttle keyword) must not feed the next exit evaluation.
	t.Output.MarkInvocation()

	p, err := e.supervisor.Launch(t, inv,
		func(line string) {
			e.post(func() { e.parser.ParseLine(t, line) })
		},
		func(code int, _ error) {
			e.post(func() { e.handleExit(rt, code) })
		},
	)
	if err != nil {
		return err
	}
	if err := e.supervisor.Start(t, p); err != nil {
		return err
	}

	rt.proc = p
	rt.timedOut = false
	e.runningCount++
	if t.FeatureMode {
		e.armIterationTimer(rt, p)
	}
	return nil
}

// armIterationTimer wraps the current invocation in the per-iteration
// timeout. On expiry the stuck process tree is force-killed; the resulting
// non-zero exit flows through the normal decision function.
func (e *Engine) armIterationTimer(rt *taskRuntime, p *proc.Process) {
	timeout := time.Duration(e.cfg.IterationTimeoutMinutes) * time.Minute
	rt.iterTimer = sched.After(timeout, func() {
		e.post(func() {
			if rt.proc != p {
				return
			}
			log.WarningLog.Printf("task %s: iteration timed out after %s, killing process tree", rt.task.ID, timeout)
			rt.task.Output.AppendLine("[Iteration timed out; terminating]")
			rt.timedOut = true
			e.supervisor.Kill(p)
		})
	})
}

func (e *Engine) handleExit(rt *taskRuntime, code int) {
	t := rt.task
	rt.proc = nil
	e.runningCount--
	if rt.iterTimer != nil {
		rt.iterTimer.Cancel()
		rt.iterTimer = nil
	}

	// A force-killed invocation must never read as a clean exit.
	if rt.timedOut && code == 0 {
		code = -1
	}

	log.InfoLog.Printf("task %s: process exited with code %d", t.ID, code)

	if t.GetStatus().Terminal() {
		// Killed as part of cancel/shutdown; resources already released.
		e.checkQueuedTasks()
		return
	}

	if t.FeatureMode {
		e.evaluateFeatureExit(rt, code)
	} else {
		e.evaluateSimpleExit(rt, code)
	}
	e.checkQueuedTasks()
}

// evaluateSimpleExit handles non-iterative tasks. The retry heuristic only
// applies to failed exits: a clean exit whose output happens to mention a
// throttle keyword is still a success.
func (e *Engine) evaluateSimpleExit(rt *taskRuntime, code int) {
	t := rt.task
	if t.GetStatus() == task.Paused {
		return
	}
	if code == 0 {
		e.finishTask(rt, task.Completed)
		return
	}
	if IsTokenLimitFailure(t.Output.InvocationOutput()) {
		e.scheduleTokenRetry(rt)
		return
	}
	t.Output.AppendLine(fmt.Sprintf("[Process exited with code %d]", code))
	e.finishTask(rt, task.Failed)
}

func (e *Engine) evaluateFeatureExit(rt *taskRuntime, code int) {
	t := rt.task
	in := IterationInput{
		Status:              t.GetStatus(),
		Runtime:             t.Runtime(),
		IterationOutput:     t.Output.InvocationOutput(),
		Iteration:           t.Iteration,
		MaxIterations:       t.MaxIterations,
		ExitCode:            code,
		ConsecutiveFailures: t.ConsecutiveFailures,
		OutputLen:           t.Output.Len(),
	}
	d := EvaluateIteration(in)
	t.ConsecutiveFailures = d.ConsecutiveFailures
	log.InfoLog.Printf("task %s: iteration %d/%d decision %s (%s)",
		t.ID, t.Iteration, t.MaxIterations, d.Kind, d.Reason)

	switch d.Kind {
	case DecisionNone:
		// Externally stopped or paused; leave the task alone.
	case DecisionFinishCompleted:
		e.finishFeature(rt, task.Completed, d.Reason)
	case DecisionFinishFailed:
		e.finishFeature(rt, task.Failed, d.Reason)
	case DecisionRetryAfterDelay:
		e.scheduleTokenRetry(rt)
	case DecisionContinue:
		t.Iteration++
		// Bound memory between iterations, keeping the most recent output.
		t.Output.Trim(e.cfg.OutputBufferCap)

		inv := proc.Invocation{Prompt: continuationPrompt(t), Continue: true}
		if sid := t.GetSessionID(); sid != "" {
			inv.ResumeSessionID = sid
		}
		if err := e.startInvocation(rt, inv); err != nil {
			log.ErrorLog.Printf("task %s: failed to start iteration %d: %v", t.ID, t.Iteration, err)
			e.finishTask(rt, task.Failed)
		}
	}
}

// finishFeature runs the asynchronous post-processing step (completion
// summary and marker verification) before the task reaches its terminal
// status.
func (e *Engine) finishFeature(rt *taskRuntime, status task.Status, reason string) {
	t := rt.task
	e.setStatus(t, task.Verifying)
	output := t.Output.String()

	go func() {
		summary := buildCompletionSummary(t, status, reason)
		verified := verifyCompletion(output)

		var commitErr string
		if status == task.Completed && e.cfg.AutoCommit {
			ok, msg := e.GitMutate(t.WorkDir, "auto-commit", func(r *gitx.Runner) error {
				return r.Commit("Task: " + t.Title)
			})
			if !ok {
				commitErr = msg
			}
		}

		e.post(func() {
			t.Output.AppendLine(summary)
			if status == task.Completed && !verified {
				t.Output.AppendLine("[Verification: no completion marker found in final output]")
			}
			if commitErr != "" {
				t.Output.AppendLine("[Auto-commit skipped: " + commitErr + "]")
			}
			e.finishTask(rt, status)
		})
	}()
}

// finishTask releases all task resources and sets the terminal status.
func (e *Engine) finishTask(rt *taskRuntime, status task.Status) {
	e.cancelTimers(rt)
	e.releaseTaskResources(rt)
	e.setStatus(rt.task, status)
}

func (e *Engine) cancelTask(rt *taskRuntime) {
	t := rt.task
	e.cancelTimers(rt)
	if rt.proc != nil {
		e.supervisor.Kill(rt.proc)
	}
	e.releaseTaskResources(rt)
	e.setStatus(t, task.Cancelled)
}

func (e *Engine) cancelTimers(rt *taskRuntime) {
	if rt.iterTimer != nil {
		rt.iterTimer.Cancel()
		rt.iterTimer = nil
	}
	if rt.retryTimer != nil {
		rt.retryTimer.Cancel()
		rt.retryTimer = nil
	}
}

// releaseTaskResources drops locks, parser state, and bus presence.
func (e *Engine) releaseTaskResources(rt *taskRuntime) {
	t := rt.task
	if paths := e.locks.PathsOwnedBy(t.ID); len(paths) > 0 {
		log.InfoLog.Printf("task %s: releasing locks on %v", t.ID, paths)
	}
	e.locks.ReleaseTaskLocks(t.ID)
	e.parser.EndTask(t.ID)
	if t.UseMessageBus {
		if err := e.bus.Leave(t.ID); err != nil {
			log.WarningLog.Printf("task %s: message bus leave failed: %v", t.ID, err)
		}
	}
}

// checkQueuedTasks starts queued tasks while run slots are free.
func (e *Engine) checkQueuedTasks() {
	for e.runningCount < e.cfg.MaxConcurrentTasks && len(e.queue) > 0 {
		id := e.queue[0]
		e.queue = e.queue[1:]
		rt, ok := e.tasks[id]
		if !ok || rt.task.GetStatus() != task.Queued {
			continue
		}
		e.launchTask(rt)
	}
}

func (e *Engine) setStatus(t *task.Task, to task.Status) {
	from := t.GetStatus()
	if from == to {
		return
	}
	t.SetStatus(to)
	e.sink.OnStatusChange(t, from, to)

	if to.Terminal() {
		for _, ch := range e.waiters[t.ID] {
			ch <- to
		}
		delete(e.waiters, t.ID)
	}
}
