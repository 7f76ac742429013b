package task

import (
	"strings"
	"sync"
)

// DefaultOutputCap is the rolling character cap on a task's output buffer.
const DefaultOutputCap = 100_000

// OutputBuffer is an append-only text buffer with a rolling character cap.
// When the cap is exceeded the oldest content is dropped so the most recent
// output is always retained. Appends arrive from the dispatch loop; reads may
// come from any goroutine.
type OutputBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	cap int
	// invocationMark is the buffer length at the start of the current
	// subprocess invocation, used to slice out just that invocation's output.
	invocationMark int
}

func NewOutputBuffer(cap int) *OutputBuffer {
	if cap <= 0 {
		cap = DefaultOutputCap
	}
	return &OutputBuffer{cap: cap}
}

// Append adds text to the buffer, trimming from the front if the cap is exceeded.
func (o *OutputBuffer) Append(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(text)
	o.trimLocked()
}

// AppendLine adds text plus a trailing newline.
func (o *OutputBuffer) AppendLine(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(text)
	o.buf.WriteString("\n")
	o.trimLocked()
}

func (o *OutputBuffer) trimLocked() {
	if o.buf.Len() <= o.cap {
		return
	}
	s := o.buf.String()
	keep := s[len(s)-o.cap:]
	o.buf.Reset()
	o.buf.WriteString(keep)
	o.invocationMark -= len(s) - len(keep)
	if o.invocationMark < 0 {
		o.invocationMark = 0
	}
}

// String returns the full buffered output.
func (o *OutputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// Len returns the buffered character count.
func (o *OutputBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

// Tail returns at most n trailing characters of the buffer.
func (o *OutputBuffer) Tail(n int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MarkInvocation records the start of a new subprocess invocation so
// InvocationOutput can return just the output produced since then.
func (o *OutputBuffer) MarkInvocation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocationMark = o.buf.Len()
}

// InvocationOutput returns the output appended since the last MarkInvocation.
func (o *OutputBuffer) InvocationOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	if o.invocationMark >= len(s) {
		return ""
	}
	return s[o.invocationMark:]
}

// Trim shrinks the buffer to at most max characters, keeping the most recent
// content. Used between feature-mode iterations to bound memory.
func (o *OutputBuffer) Trim(max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	if len(s) <= max {
		return
	}
	keep := s[len(s)-max:]
	o.buf.Reset()
	o.buf.WriteString(keep)
	o.invocationMark = 0
}
