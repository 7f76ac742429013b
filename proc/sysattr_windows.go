//go:build windows

package proc

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// getSysProcAttr returns platform-specific process attributes so the child
// gets its own process group.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}
