// Package proc launches and supervises agent CLI subprocesses: lifecycle
// (start, kill), line-oriented output reads, and whole-process-tree
// suspend/resume built on a point-in-time snapshot of the OS process table.
package proc

import (
	"agentrunner/log"
	"agentrunner/task"
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// maxLineSize bounds a single protocol line. Tool arguments can carry whole
// file contents, so this is generous.
const maxLineSize = 4 * 1024 * 1024

// LineFunc receives one line of subprocess output.
type LineFunc func(line string)

// ExitFunc receives the subprocess exit code. err is non-nil for abnormal
// termination (including kills).
type ExitFunc func(exitCode int, err error)

// Invocation describes a single agent CLI invocation for a task.
type Invocation struct {
	// Prompt passed via -p. Empty for bare resume invocations.
	Prompt string
	// Continue resumes the most recent conversation via --continue.
	Continue bool
	// ResumeSessionID resumes a specific conversation via --resume <id>.
	// Takes precedence over Continue.
	ResumeSessionID string
}

// Process is one live subprocess owned by a task.
type Process struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	onLine   LineFunc
	onExited ExitFunc

	readers sync.WaitGroup
	done    chan struct{}

	mu        sync.Mutex
	started   bool
	suspended bool
}

// Pid returns the subprocess pid, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and the exit callback has run.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Supervisor creates, starts, kills, suspends, and resumes agent CLI
// subprocesses and their descendant process trees.
type Supervisor struct{}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// buildArgs assembles the CLI argument list for an invocation.
func buildArgs(t *task.Task, inv Invocation) []string {
	var args []string
	if inv.ResumeSessionID != "" {
		args = append(args, "--resume", inv.ResumeSessionID)
	} else if inv.Continue {
		args = append(args, "--continue")
	}
	if inv.Prompt != "" {
		args = append(args, "-p", inv.Prompt)
	}
	if t.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "--verbose", "--output-format", "stream-json")
	return args
}

// Launch builds the subprocess for an invocation and wires its stdout and
// stderr line events plus the exit callback. The process is not started;
// call Start.
func (s *Supervisor) Launch(t *task.Task, inv Invocation, onLine LineFunc, onExited ExitFunc) (*Process, error) {
	cmd := exec.Command(t.Program, buildArgs(t, inv)...)
	cmd.Dir = t.WorkDir
	cmd.SysProcAttr = getSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	return &Process{
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		onLine:   onLine,
		onExited: onExited,
		done:     make(chan struct{}),
	}, nil
}

// Start snapshots the task's token counters as the baseline for this
// invocation, starts the process, and begins asynchronous line reads.
func (s *Supervisor) Start(t *task.Task, p *Process) error {
	// The protocol reports per-invocation cumulative usage; the baseline
	// lets it be added on top across multiple invocations of one task.
	t.SnapshotBaseline()

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.Program, err)
	}
	t.MarkStarted()

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	log.InfoLog.Printf("task %s: started %s (pid %d)", t.ID, t.Program, p.cmd.Process.Pid)

	p.readers.Add(2)
	go p.readLines(p.stdout)
	go p.readLines(p.stderr)
	go p.waitExit()
	return nil
}

func (p *Process) readLines(r io.Reader) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.DebugLog.Printf("line read ended: %v", err)
	}
}

func (p *Process) waitExit() {
	// Wait for both pipes to drain so every line is delivered before the
	// exit callback fires.
	p.readers.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	close(p.done)
	p.onExited(exitCode, err)
}

// Kill force-terminates the whole process tree. Errors are logged and
// non-fatal; a task being cancelled must never wedge on a half-dead tree.
func (s *Supervisor) Kill(p *Process) {
	pid := p.Pid()
	if pid == 0 {
		return
	}

	// Resume first in case the tree is suspended; a stopped process ignores
	// nothing, but its children may need the SIGCONT to observe the kill
	// promptly on some platforms.
	p.mu.Lock()
	wasSuspended := p.suspended
	p.mu.Unlock()
	if wasSuspended {
		if err := s.Resume(p); err != nil {
			log.WarningLog.Printf("resume before kill failed: %v", err)
		}
	}

	// Kill the process group, then individually kill every pid found in a
	// fresh snapshot to catch children that escaped the group.
	killProcessGroup(pid)

	tree, err := snapshotTree()
	if err != nil {
		log.WarningLog.Printf("failed to snapshot process tree for kill: %v", err)
		if err := killProcess(pid); err != nil {
			log.WarningLog.Printf("failed to kill pid %d: %v", pid, err)
		}
		return
	}
	for _, target := range tree.pids(pid) {
		if err := killProcess(target); err != nil {
			// Process may already be dead; per-process failures are expected.
			log.DebugLog.Printf("kill pid %d: %v", target, err)
		}
	}
}

// Suspend freezes the whole process tree. The tree is discovered from a
// point-in-time snapshot of the process table, expanded breadth-first from
// the root pid; the snapshot is not live, so a child forked between the
// snapshot and the suspend loop may be missed and left running.
func (s *Supervisor) Suspend(p *Process) error {
	if err := s.walkTree(p, suspendProcess, "suspend"); err != nil {
		return err
	}
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
	return nil
}

// Resume unfreezes the whole process tree, using the same snapshot walk as
// Suspend.
func (s *Supervisor) Resume(p *Process) error {
	if err := s.walkTree(p, resumeProcess, "resume"); err != nil {
		return err
	}
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
	return nil
}

// walkTree applies op to the root process and every descendant in the
// snapshot. Failures for any single process (already exited, access denied)
// are logged and do not abort the rest of the walk.
func (s *Supervisor) walkTree(p *Process, op func(int) error, opName string) error {
	pid := p.Pid()
	if pid == 0 {
		return fmt.Errorf("cannot %s: process not started", opName)
	}

	tree, err := snapshotTree()
	if err != nil {
		return fmt.Errorf("cannot %s pid %d: %w", opName, pid, err)
	}

	for _, target := range tree.pids(pid) {
		if err := op(target); err != nil {
			log.WarningLog.Printf("%s pid %d failed: %v", opName, target, err)
		}
	}
	return nil
}
