//go:build windows

package proc

import (
	"agentrunner/log"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// snapshotTree takes a point-in-time snapshot of the OS process table via
// the toolhelp API. CPU/RSS figures are not populated on Windows.
func snapshotTree() (*processTree, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot process table: %w", err)
	}
	defer windows.CloseHandle(snap)

	tree := &processTree{
		procs:    make(map[int]*procInfo),
		children: make(map[int][]int),
	}

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("failed to walk process snapshot: %w", err)
	}
	for {
		pid := int(entry.ProcessID)
		ppid := int(entry.ParentProcessID)
		tree.procs[pid] = &procInfo{
			pid:  pid,
			ppid: ppid,
			comm: windows.UTF16ToString(entry.ExeFile[:]),
		}
		tree.children[ppid] = append(tree.children[ppid], pid)

		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}

	return tree, nil
}

// suspendProcess suspends every thread of the process individually via
// native thread handles. A failure on any single thread (thread gone,
// access denied) is logged and the walk continues.
func suspendProcess(pid int) error {
	return forEachThread(pid, func(h windows.Handle) error {
		_, err := windows.SuspendThread(h)
		return err
	})
}

func resumeProcess(pid int) error {
	return forEachThread(pid, func(h windows.Handle) error {
		_, err := windows.ResumeThread(h)
		return err
	})
}

// forEachThread applies fn to every thread of pid found in a fresh thread
// snapshot. Per-thread failures do not abort the walk.
func forEachThread(pid int, fn func(windows.Handle) error) error {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return fmt.Errorf("failed to snapshot threads for pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Thread32First(snap, &entry); err != nil {
		return fmt.Errorf("failed to walk thread snapshot: %w", err)
	}
	for {
		if int(entry.OwnerProcessID) == pid {
			h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, entry.ThreadID)
			if err != nil {
				log.WarningLog.Printf("failed to open thread %d of pid %d: %v", entry.ThreadID, pid, err)
			} else {
				if err := fn(h); err != nil {
					log.WarningLog.Printf("thread operation failed for thread %d of pid %d: %v", entry.ThreadID, pid, err)
				}
				windows.CloseHandle(h)
			}
		}
		if err := windows.Thread32Next(snap, &entry); err != nil {
			break
		}
	}
	return nil
}

func killProcess(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}

// killProcessGroup has no group primitive on Windows; the caller kills the
// snapshot pids individually.
func killProcessGroup(pid int) {
	if err := killProcess(pid); err != nil {
		log.WarningLog.Printf("failed to kill process %d: %v", pid, err)
	}
}
