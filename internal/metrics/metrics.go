// Package metrics keeps the identity-metrics counters: cheap process-wide
// totals the REPL surfaces via /stats. A single non-reentrant mutex guards
// the whole counter block; increments happen off the hot path (once per LLM
// call or subtask transition, never per chunk).
package metrics

import "sync"

// Counters is a snapshot of the process-wide totals.
type Counters struct {
	RunsStarted       int
	RunsCompleted     int
	RunsFailed        int
	SubtasksCompleted int
	SubtasksFailed    int
	LLMCalls          int
	ToolCalls         int
	PromptTokens      int
	CompletionTokens  int
	FallbackPlans     int
	BackendFallbacks  int
}

var (
	mu  sync.Mutex
	cur Counters
)

// RunStarted records the start of a dispatcher run.
func RunStarted() { mu.Lock(); cur.RunsStarted++; mu.Unlock() }

// RunCompleted records a run that finished with every subtask completed.
func RunCompleted() { mu.Lock(); cur.RunsCompleted++; mu.Unlock() }

// RunFailed records an aborted run.
func RunFailed() { mu.Lock(); cur.RunsFailed++; mu.Unlock() }

// SubtaskDone records one subtask reaching a terminal state.
func SubtaskDone(completed bool) {
	mu.Lock()
	if completed {
		cur.SubtasksCompleted++
	} else {
		cur.SubtasksFailed++
	}
	mu.Unlock()
}

// LLMCall records one backend invocation and its token usage.
func LLMCall(promptTokens, completionTokens int) {
	mu.Lock()
	cur.LLMCalls++
	cur.PromptTokens += promptTokens
	cur.CompletionTokens += completionTokens
	mu.Unlock()
}

// ToolCall records one tool executor invocation.
func ToolCall() { mu.Lock(); cur.ToolCalls++; mu.Unlock() }

// FallbackPlan records a planner fallback graph emission.
func FallbackPlan() { mu.Lock(); cur.FallbackPlans++; mu.Unlock() }

// BackendFallback records one pool-level failover to a lower-priority backend.
func BackendFallback() { mu.Lock(); cur.BackendFallbacks++; mu.Unlock() }

// Snapshot returns a copy of the current counters.
func Snapshot() Counters {
	mu.Lock()
	defer mu.Unlock()
	return cur
}

// Reset zeroes all counters. Test helper.
func Reset() {
	mu.Lock()
	cur = Counters{}
	mu.Unlock()
}
