package locks

import (
	"agentrunner/log"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize()
	defer log.Close()

	exitCode := m.Run()
	os.Exit(exitCode)
}

func TestAcquireAndConflict(t *testing.T) {
	c := NewCoordinator()
	var conflicts []Conflict
	c.SetConflictFunc(func(cf Conflict) { conflicts = append(conflicts, cf) })

	path := filepath.Join(t.TempDir(), "file.go")

	// First task acquires; re-acquiring its own lock is fine.
	assert.True(t, c.TryAcquireOrConflict("task-a", path, "Edit"))
	assert.True(t, c.TryAcquireOrConflict("task-a", path, "Write"))
	assert.Empty(t, conflicts)

	// Second task is refused and the conflict names the owner.
	assert.False(t, c.TryAcquireOrConflict("task-b", path, "Edit"))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "task-b", conflicts[0].RequestedBy)
	assert.Equal(t, "task-a", conflicts[0].OwnedBy)
	assert.Equal(t, "Edit", conflicts[0].ToolName)
}

func TestPathNormalization(t *testing.T) {
	c := NewCoordinator()

	dir := t.TempDir()
	assert.True(t, c.TryAcquireOrConflict("task-a", filepath.Join(dir, "sub", "..", "file.go"), "Edit"))

	// The cleaned form of the same path hits the same lock.
	assert.False(t, c.TryAcquireOrConflict("task-b", filepath.Join(dir, "file.go"), "Edit"))
	assert.Equal(t, "task-a", c.Owner(filepath.Join(dir, "file.go")))
}

func TestReleaseTaskLocks(t *testing.T) {
	c := NewCoordinator()
	released := 0
	c.SetReleaseFunc(func() { released++ })

	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.go")
	pathB := filepath.Join(dir, "b.go")

	require.True(t, c.TryAcquireOrConflict("task-a", pathA, "Edit"))
	require.True(t, c.TryAcquireOrConflict("task-a", pathB, "Write"))
	require.True(t, c.TryAcquireOrConflict("task-b", filepath.Join(dir, "c.go"), "Edit"))
	assert.Equal(t, 3, c.LockCount())

	n := c.ReleaseTaskLocks("task-a")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.LockCount())
	assert.Equal(t, 1, released, "release hook fires once per releasing task")

	// Releasing a task with no locks is a silent no-op.
	assert.Equal(t, 0, c.ReleaseTaskLocks("task-a"))
	assert.Equal(t, 1, released)

	// The freed path is acquirable again.
	assert.True(t, c.TryAcquireOrConflict("task-b", pathA, "Edit"))
}

func TestPathsOwnedBy(t *testing.T) {
	c := NewCoordinator()
	dir := t.TempDir()

	require.True(t, c.TryAcquireOrConflict("task-a", filepath.Join(dir, "b.go"), "Edit"))
	require.True(t, c.TryAcquireOrConflict("task-a", filepath.Join(dir, "a.go"), "Edit"))

	paths := c.PathsOwnedBy("task-a")
	require.Len(t, paths, 2)
	assert.True(t, paths[0] < paths[1], "paths are returned sorted")
	assert.Empty(t, c.PathsOwnedBy("task-b"))
}

// Mutual exclusion: whatever the interleaving, a path never has two owners.
func TestMutualExclusionRandomized(t *testing.T) {
	c := NewCoordinator()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1323))

	taskIDs := []string{"t1", "t2", "t3", "t4"}
	paths := make([]string, 5)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%d.go", i))
	}

	owners := make(map[string]string)
	for i := 0; i < 2000; i++ {
		id := taskIDs[rng.Intn(len(taskIDs))]
		p := paths[rng.Intn(len(paths))]

		if rng.Intn(4) == 0 {
			c.ReleaseTaskLocks(id)
			for path, owner := range owners {
				if owner == id {
					delete(owners, path)
				}
			}
			continue
		}

		got := c.TryAcquireOrConflict(id, p, "Edit")
		owner, held := owners[p]
		if held && owner != id {
			assert.False(t, got, "acquire of %s by %s must fail while %s holds it", p, id, owner)
		} else {
			assert.True(t, got)
			owners[p] = id
		}
	}

	assert.Equal(t, len(owners), c.LockCount())
}
