package engine

import (
	"agentrunner/task"
	"fmt"
	"strings"
	"time"
)

// initialPrompt builds the first invocation's prompt. Feature-mode tasks get
// the completion-marker protocol appended so the iteration loop can detect
// when the agent believes the work is done.
func initialPrompt(t *task.Task) string {
	if !t.FeatureMode {
		return t.Prompt
	}
	var b strings.Builder
	b.WriteString(t.Prompt)
	b.WriteString("\n\n")
	b.WriteString("When the work described above is fully done, print exactly \"")
	b.WriteString(MarkerComplete)
	b.WriteString("\" on its own line. If more work remains, print \"")
	b.WriteString(MarkerNeedsMoreWork)
	b.WriteString("\" and stop; you will be invoked again to continue.")
	return b.String()
}

// continuationPrompt builds the prompt for iteration n > 1.
func continuationPrompt(t *task.Task) string {
	return fmt.Sprintf(
		"Continue working on the task (iteration %d of %d). "+
			"Review what has been done so far and keep going. "+
			"Print \"%s\" when fully done, or \"%s\" if more work remains.",
		t.Iteration, t.MaxIterations, MarkerComplete, MarkerNeedsMoreWork)
}

// buildCompletionSummary renders the final block appended to a feature-mode
// task's output after its last iteration.
func buildCompletionSummary(t *task.Task, status task.Status, reason string) string {
	u := t.GetUsage()
	runtime := t.Runtime().Truncate(time.Second)

	var b strings.Builder
	b.WriteString("\n=== Task finished ===\n")
	fmt.Fprintf(&b, "Status:     %s (%s)\n", status, reason)
	fmt.Fprintf(&b, "Iterations: %d\n", t.Iteration)
	fmt.Fprintf(&b, "Runtime:    %s\n", runtime)
	fmt.Fprintf(&b, "Tokens:     %d in / %d out (cache: %d read, %d created)",
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens)
	return b.String()
}

// verifyCompletion reports whether the completion marker appears anywhere in
// the accumulated output. Used to flag tasks that finished by cap or ceiling
// without the agent ever declaring the work done.
func verifyCompletion(output string) bool {
	return strings.Contains(output, MarkerComplete)
}
