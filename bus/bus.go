// Package bus implements join/leave presence on the file-system-based
// multi-agent message bus. Message routing itself is an external
// collaborator; this engine only announces which tasks are on the bus.
package bus

import (
	"agentrunner/log"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Bus manages presence files under <dir>/agents/<taskID>.json.
type Bus struct {
	dir string
}

// presence is the payload written to a task's presence file.
type presence struct {
	TaskID   string    `json:"task_id"`
	JoinedAt time.Time `json:"joined_at"`
	Pid      int       `json:"pid"`
}

func New(dir string) *Bus {
	return &Bus{dir: dir}
}

func (b *Bus) agentsDir() string {
	return filepath.Join(b.dir, "agents")
}

// Join announces a task on the bus. Errors are returned but callers treat
// them as non-fatal: a task can run without bus presence.
func (b *Bus) Join(taskID string) error {
	if b.dir == "" {
		return fmt.Errorf("message bus directory not configured")
	}
	if err := os.MkdirAll(b.agentsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create bus directory: %w", err)
	}

	data, err := json.MarshalIndent(presence{
		TaskID:   taskID,
		JoinedAt: time.Now(),
		Pid:      os.Getpid(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	path := filepath.Join(b.agentsDir(), taskID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write presence file: %w", err)
	}
	log.DebugLog.Printf("task %s joined message bus", taskID)
	return nil
}

// Leave removes a task's presence from the bus. A missing presence file is
// not an error.
func (b *Bus) Leave(taskID string) error {
	if b.dir == "" {
		return nil
	}
	path := filepath.Join(b.agentsDir(), taskID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove presence file: %w", err)
	}
	log.DebugLog.Printf("task %s left message bus", taskID)
	return nil
}

// Members lists the task ids currently present on the bus.
func (b *Bus) Members() ([]string, error) {
	if b.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(b.agentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var members []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			members = append(members, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return members, nil
}
