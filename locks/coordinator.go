// Package locks arbitrates exclusive file access across concurrently running
// tasks. A lock is an in-memory, process-lifetime claim on a normalized
// absolute path; at most one task owns any path at any instant.
package locks

import (
	"agentrunner/log"
	"path/filepath"
	"sort"
	"sync"
)

// Conflict describes a refused lock request.
type Conflict struct {
	Path        string
	ToolName    string
	RequestedBy string
	OwnedBy     string
}

// ConflictFunc is notified when a lock request is refused because another
// task owns the path.
type ConflictFunc func(Conflict)

// Coordinator maps normalized file paths to the task currently permitted to
// edit them.
type Coordinator struct {
	mu     sync.Mutex
	owners map[string]string // path -> task id

	onConflict ConflictFunc
	// onRelease is invoked after locks are released so tasks waiting on a
	// path can be re-evaluated.
	onRelease func()
}

func NewCoordinator() *Coordinator {
	return &Coordinator{owners: make(map[string]string)}
}

// SetConflictFunc installs the conflict notification callback.
func (c *Coordinator) SetConflictFunc(fn ConflictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConflict = fn
}

// SetReleaseFunc installs the hook run after any release. Used to re-check
// queued tasks once a path frees up.
func (c *Coordinator) SetReleaseFunc(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRelease = fn
}

// normalize converts a path to a cleaned absolute form so the same file
// always maps to the same key.
func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// TryAcquireOrConflict acquires the lock on path for taskID. If the path is
// unlocked or already owned by taskID it returns true. If another task owns
// it, the conflict callback fires and it returns false.
func (c *Coordinator) TryAcquireOrConflict(taskID, path, toolName string) bool {
	key := normalize(path)

	c.mu.Lock()
	owner, held := c.owners[key]
	if !held || owner == taskID {
		c.owners[key] = taskID
		c.mu.Unlock()
		if !held {
			log.DebugLog.Printf("lock acquired: %s -> %s (%s)", key, taskID, toolName)
		}
		return true
	}
	fn := c.onConflict
	c.mu.Unlock()

	log.InfoLog.Printf("lock conflict: %s requested by %s (%s), owned by %s", key, taskID, toolName, owner)
	if fn != nil {
		fn(Conflict{Path: key, ToolName: toolName, RequestedBy: taskID, OwnedBy: owner})
	}
	return false
}

// ReleaseTaskLocks releases every lock owned by taskID and returns the number
// released. Called when a task finishes, is cancelled, or explicitly lets go
// of its claims.
func (c *Coordinator) ReleaseTaskLocks(taskID string) int {
	c.mu.Lock()
	released := 0
	for path, owner := range c.owners {
		if owner == taskID {
			delete(c.owners, path)
			released++
		}
	}
	fn := c.onRelease
	c.mu.Unlock()

	if released > 0 {
		log.DebugLog.Printf("released %d locks for task %s", released, taskID)
		if fn != nil {
			fn()
		}
	}
	return released
}

// LockCount reports the total outstanding locks across all tasks. This gates
// git-mutating operations.
func (c *Coordinator) LockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owners)
}

// Owner returns the owning task id for a path, or "" if unlocked.
func (c *Coordinator) Owner(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[normalize(path)]
}

// PathsOwnedBy returns the sorted paths currently locked by taskID.
func (c *Coordinator) PathsOwnedBy(taskID string) []string {
	c.mu.Lock()
	var paths []string
	for path, owner := range c.owners {
		if owner == taskID {
			paths = append(paths, path)
		}
	}
	c.mu.Unlock()
	sort.Strings(paths)
	return paths
}
