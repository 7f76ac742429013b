package gitx

import (
	"agentrunner/log"
	"fmt"
)

// LockCounter reports outstanding file locks across all tasks.
type LockCounter interface {
	LockCount() int
}

// Guard serializes git-mutating operations against active file edits. A
// mutation runs only while the global lock count is zero, across all tasks
// and projects. The barrier is deliberately coarse: a per-repository count
// would let a push race an edit in a nested or linked worktree.
type Guard struct {
	locks LockCounter
}

func NewGuard(locks LockCounter) *Guard {
	return &Guard{locks: locks}
}

// ExecuteWhileNoLocksHeld runs action only if no file locks are outstanding
// at the moment of entry. Any error or panic inside action is converted to a
// failure result rather than propagating.
func (g *Guard) ExecuteWhileNoLocksHeld(action func() error, operationName string) (ok bool, errMsg string) {
	if n := g.locks.LockCount(); n > 0 {
		msg := fmt.Sprintf("%s blocked: %d file lock(s) held by active tasks", operationName, n)
		log.InfoLog.Print(msg)
		return false, msg
	}

	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("%s panicked: %v", operationName, r)
			log.ErrorLog.Print(errMsg)
			ok = false
		}
	}()

	if err := action(); err != nil {
		log.ErrorLog.Printf("%s failed: %v", operationName, err)
		return false, err.Error()
	}
	return true, ""
}
