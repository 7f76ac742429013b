package task

// Usage holds cumulative token counters for a task. Each counter must be
// monotonically non-decreasing across all subprocess invocations belonging
// to the same task.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + other.InputTokens,
		OutputTokens:        u.OutputTokens + other.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + other.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + other.CacheCreationTokens,
	}
}

// SnapshotBaseline records the current cumulative usage as the baseline for
// the next invocation. The protocol reports per-invocation cumulative usage,
// so each invocation's counts are applied on top of this snapshot.
func (t *Task) SnapshotBaseline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseline = t.Usage
	t.resultSeen = false
}

// ApplyInvocationUsage sets the task's cumulative usage to baseline plus the
// invocation's reported usage. Counters never decrease: if the computed value
// would drop below the current total (out-of-order or duplicate reports), the
// current total is kept.
func (t *Task) ApplyInvocationUsage(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(u)
}

// ApplyResultUsage applies the result event's usage exactly once per
// invocation. Later result events in the same invocation are ignored.
func (t *Task) ApplyResultUsage(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resultSeen {
		return
	}
	t.resultSeen = true
	t.applyLocked(u)
}

func (t *Task) applyLocked(u Usage) {
	next := t.baseline.Add(u)
	if next.InputTokens > t.Usage.InputTokens {
		t.Usage.InputTokens = next.InputTokens
	}
	if next.OutputTokens > t.Usage.OutputTokens {
		t.Usage.OutputTokens = next.OutputTokens
	}
	if next.CacheReadTokens > t.Usage.CacheReadTokens {
		t.Usage.CacheReadTokens = next.CacheReadTokens
	}
	if next.CacheCreationTokens > t.Usage.CacheCreationTokens {
		t.Usage.CacheCreationTokens = next.CacheCreationTokens
	}
}

// GetUsage returns a copy of the cumulative usage.
func (t *Task) GetUsage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Usage
}
