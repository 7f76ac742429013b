//go:build !windows

package proc

import "syscall"

// getSysProcAttr puts the child in its own process group so the whole tree
// can be signalled together.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
