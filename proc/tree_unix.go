//go:build !windows

package proc

import (
	"agentrunner/log"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// snapshotTree takes a point-in-time snapshot of the OS process table.
func snapshotTree() (*processTree, error) {
	out, err := exec.Command("ps", "-axo", "pid,ppid,comm,%cpu,rss").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot process table: %w", err)
	}
	return parseProcessTree(string(out))
}

// suspendProcess stops every thread of the process. On POSIX platforms this
// is a process-wide SIGSTOP; the kernel stops all threads.
func suspendProcess(pid int) error {
	return unix.Kill(pid, unix.SIGSTOP)
}

func resumeProcess(pid int) error {
	return unix.Kill(pid, unix.SIGCONT)
}

func killProcess(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// killProcessGroup kills the process group led by pid. Children that called
// setpgid themselves escape the group; the caller also kills snapshot pids
// individually to catch those.
func killProcessGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.WarningLog.Printf("failed to kill process group %d: %v", pid, err)
	}
}
