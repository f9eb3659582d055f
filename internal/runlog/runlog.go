// Package runlog provides per-run structured logging for the orchestration
// pipeline. Each dispatcher run gets one JSONL file; events capture plan
// creation, subtask lifecycle, LLM calls with token usage, tool calls,
// retries, backend fallbacks, and the merge.
//
// Design constraints:
//   - All RunLog methods are nil-safe (no-op on nil receiver) so callers
//     never guard log calls.
//   - Registry is the sole owner of JSONL persistence; pipeline components
//     never open files.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the run log.
type EventKind string

const (
	KindRunBegin        EventKind = "run_begin"
	KindRunEnd          EventKind = "run_end"
	KindPlan            EventKind = "plan"
	KindSubtaskBegin    EventKind = "subtask_begin"
	KindSubtaskEnd      EventKind = "subtask_end"
	KindLLMCall         EventKind = "llm_call"
	KindToolCall        EventKind = "tool_call"
	KindRetry           EventKind = "retry"
	KindBackendFallback EventKind = "backend_fallback"
	KindMerge           EventKind = "merge"
)

// Event is one JSONL line in the run log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// run_begin / run_end
	RunID       string `json:"run_id,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Status      string `json:"status,omitempty"` // "completed" | "aborted"
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`

	// plan
	PlanPath string `json:"plan_path,omitempty"`
	Subtasks int    `json:"subtasks,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`

	// subtask_begin / subtask_end / retry / tool_call
	SubtaskID string `json:"subtask_id,omitempty"`
	Engine    string `json:"engine,omitempty"`
	Group     int    `json:"group,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`

	// llm_call
	Component        string `json:"component,omitempty"` // "planner" | "executor" | "merger"
	Backend          string `json:"backend,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// tool_call
	Tool       string `json:"tool,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	ToolError  string `json:"tool_error,omitempty"`

	// merge
	Strategy string `json:"strategy,omitempty"`
}

// ComponentStat summarises LLM usage for one pipeline component across a run.
type ComponentStat struct {
	Component        string `json:"component"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// RunStats aggregates cost metrics for one run.
type RunStats struct {
	Components    []ComponentStat `json:"components"`
	ToolCallCount int             `json:"tool_call_count"`
}

type componentStat struct {
	calls            int
	promptTokens     int
	completionTokens int
}

// canonicalOrder defines the display order for ComponentStats().
var canonicalOrder = []string{"planner", "executor", "merger"}

// RunLog is a handle for writing structured events for one run.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *RunLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running prompt+completion sum across LLMCall events
type RunLog struct {
	runID            string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
	components       map[string]*componentStat
	toolCallCount    int
}

// Registry maps run IDs to open RunLogs. It is the sole authority for
// creating and closing run log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a run_begin event as the first JSONL line
//   - Open returns the existing log without re-opening for a known runID
//   - Get returns nil for unknown run IDs
//   - Close writes run_end with status, elapsed_ms, total_tokens before flushing
//   - Close removes the runID so subsequent Get returns nil
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*RunLog
}

// NewRegistry creates a Registry that writes one JSONL file per run under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*RunLog)}
}

// Open creates a RunLog for runID, writes a run_begin event, and registers it.
func (r *Registry) Open(runID, goal string) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl, ok := r.logs[runID]; ok {
		return rl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[RUNLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[RUNLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	rl := &RunLog{runID: runID, started: time.Now(), f: f, components: make(map[string]*componentStat)}
	r.logs[runID] = rl
	rl.write(Event{Kind: KindRunBegin, RunID: runID, Goal: goal})
	return rl
}

// Get returns the RunLog for runID, or nil. Nil is safe to pass everywhere.
func (r *Registry) Get(runID string) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[runID]
}

// Close writes a run_end event, closes the file, and removes the entry.
// Safe to call on a nil *Registry or unknown runID.
func (r *Registry) Close(runID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	rl, ok := r.logs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, runID)
	r.mu.Unlock()

	rl.mu.Lock()
	elapsed := time.Since(rl.started).Milliseconds()
	total := rl.promptTokens + rl.completionTokens
	rl.mu.Unlock()

	rl.write(Event{
		Kind:        KindRunEnd,
		RunID:       runID,
		Status:      status,
		ElapsedMs:   elapsed,
		TotalTokens: total,
	})

	rl.mu.Lock()
	if rl.f != nil {
		_ = rl.f.Close()
		rl.f = nil
	}
	rl.mu.Unlock()
}

// Plan records the persisted plan: its path, subtask count, and whether the
// planner degraded to a fallback graph.
func (rl *RunLog) Plan(planPath string, subtasks int, fallback bool) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindPlan, PlanPath: planPath, Subtasks: subtasks, Fallback: fallback})
}

// SubtaskBegin writes a subtask_begin event.
func (rl *RunLog) SubtaskBegin(subtaskID, engine string, group, attempt int) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindSubtaskBegin, SubtaskID: subtaskID, Engine: engine, Group: group, Attempt: attempt})
}

// SubtaskEnd writes a subtask_end event. errMsg is empty on success.
func (rl *RunLog) SubtaskEnd(subtaskID, status, errMsg string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindSubtaskEnd, SubtaskID: subtaskID, Status: status, Error: errMsg})
}

// Retry records one retry of a subtask with the triggering error.
func (rl *RunLog) Retry(subtaskID string, attempt int, cause string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindRetry, SubtaskID: subtaskID, Attempt: attempt, Error: cause})
}

// BackendFallback records a pool failover observed during a subtask.
func (rl *RunLog) BackendFallback(subtaskID, backend string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindBackendFallback, SubtaskID: subtaskID, Backend: backend})
}

// LLMCall records one backend invocation by a pipeline component.
func (rl *RunLog) LLMCall(component, backend string, promptToks, completionToks int) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.promptTokens += promptToks
	rl.completionTokens += completionToks
	cs := rl.components[component]
	if cs == nil {
		cs = &componentStat{}
		rl.components[component] = cs
	}
	cs.calls++
	cs.promptTokens += promptToks
	cs.completionTokens += completionToks
	rl.mu.Unlock()
	rl.write(Event{
		Kind:             KindLLMCall,
		Component:        component,
		Backend:          backend,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
	})
}

// ToolCall writes a tool_call event. toolError is empty on success.
//
// Expectations:
//   - ToolCallCount increments by 1 per invocation
//   - No-op on nil receiver
func (rl *RunLog) ToolCall(subtaskID, tool, input, output, toolError string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.toolCallCount++
	rl.mu.Unlock()
	rl.write(Event{
		Kind:       KindToolCall,
		SubtaskID:  subtaskID,
		Tool:       tool,
		ToolInput:  input,
		ToolOutput: output,
		ToolError:  toolError,
	})
}

// Merge records the merge step with its strategy and producing backend.
func (rl *RunLog) Merge(strategy, backend string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindMerge, Strategy: strategy, Backend: backend})
}

// Stats returns a snapshot of the run's cost metrics.
//
// Expectations:
//   - Returns nil on nil receiver
//   - Components appear in canonical order (planner, executor, merger)
//   - Components that made no LLM calls are omitted
func (rl *RunLog) Stats() *RunStats {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var comps []ComponentStat
	for _, name := range canonicalOrder {
		cs, ok := rl.components[name]
		if !ok {
			continue
		}
		comps = append(comps, ComponentStat{
			Component:        name,
			Calls:            cs.calls,
			PromptTokens:     cs.promptTokens,
			CompletionTokens: cs.completionTokens,
		})
	}
	return &RunStats{Components: comps, ToolCallCount: rl.toolCallCount}
}

// TotalTokens returns the prompt+completion total accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
func (rl *RunLog) TotalTokens() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.promptTokens + rl.completionTokens
}

// write appends one JSON line to the run log file. Adds timestamp, mutex-protected.
func (rl *RunLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[RUNLOG] marshal event", "error", err)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(rl.f, "%s\n", data); err != nil {
		slog.Error("[RUNLOG] write event", "error", err)
	}
}
