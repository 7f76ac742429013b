package proc

import (
	"path/filepath"
	"strconv"
	"strings"
)

// procInfo is one row of the process-table snapshot.
type procInfo struct {
	pid  int
	ppid int
	comm string
	cpu  float64
	rss  float64
}

// processTree is a point-in-time snapshot of the OS process table arranged
// as a parent -> children map. The snapshot is not live: processes forked
// after it is taken are not in it and will be missed by tree-wide
// suspend/resume/kill walks.
type processTree struct {
	procs    map[int]*procInfo
	children map[int][]int
}

// parseProcessTree parses `ps -axo pid,ppid,comm,%cpu,rss` output into a
// processTree. Malformed lines are skipped; comm is reduced to its basename.
func parseProcessTree(psOutput string) (*processTree, error) {
	tree := &processTree{
		procs:    make(map[int]*procInfo),
		children: make(map[int][]int),
	}

	for _, line := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		cpu, err := strconv.ParseFloat(fields[len(fields)-2], 64)
		if err != nil {
			continue
		}
		rss, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		// comm may contain spaces; it is everything between ppid and %cpu.
		comm := filepath.Base(strings.Join(fields[2:len(fields)-2], " "))

		tree.procs[pid] = &procInfo{pid: pid, ppid: ppid, comm: comm, cpu: cpu, rss: rss}
		tree.children[ppid] = append(tree.children[ppid], pid)
	}

	return tree, nil
}

// descendants returns every process below root in the snapshot, found by
// breadth-first expansion of the parent -> children map. The root itself is
// not included.
func (t *processTree) descendants(root int) []*procInfo {
	var result []*procInfo
	queue := append([]int(nil), t.children[root]...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if p, ok := t.procs[pid]; ok {
			result = append(result, p)
		}
		queue = append(queue, t.children[pid]...)
	}
	return result
}

// pids returns the root pid followed by every descendant pid in BFS order.
func (t *processTree) pids(root int) []int {
	out := []int{root}
	for _, p := range t.descendants(root) {
		out = append(out, p.pid)
	}
	return out
}
