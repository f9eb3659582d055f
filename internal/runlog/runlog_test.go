package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// readEvents parses all JSONL lines from a file into a slice of Events.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestRegistry_Open_WritesRunBegin(t *testing.T) {
	// Open creates the log directory and writes run_begin as the first line
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl := r.Open("run1", "test goal")
	if rl == nil {
		t.Fatal("expected non-nil RunLog")
	}
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	if events[0].Kind != KindRunBegin {
		t.Errorf("first event kind = %q, want %q", events[0].Kind, KindRunBegin)
	}
	if events[0].RunID != "run1" || events[0].Goal != "test goal" {
		t.Errorf("run_begin fields = %+v", events[0])
	}
}

func TestRegistry_Open_ReturnsExistingOnDuplicate(t *testing.T) {
	// Open returns the existing log without re-opening for a known runID
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl1 := r.Open("run1", "goal A")
	rl2 := r.Open("run1", "goal B")
	if rl1 != rl2 {
		t.Error("expected same *RunLog pointer on second Open")
	}
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	beginCount := 0
	for _, e := range events {
		if e.Kind == KindRunBegin {
			beginCount++
		}
	}
	if beginCount != 1 {
		t.Errorf("expected 1 run_begin, got %d", beginCount)
	}
}

func TestRegistry_Get_ReturnsNilForUnknown(t *testing.T) {
	// Get returns nil when runID has no open log
	r := NewRegistry(t.TempDir())
	if got := r.Get("nonexistent"); got != nil {
		t.Errorf("expected nil for unknown runID, got %v", got)
	}
}

func TestRegistry_Close_WritesRunEndAndDeregisters(t *testing.T) {
	// Close appends run_end with totals and removes the registry entry
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl := r.Open("run1", "goal")
	rl.LLMCall("planner", "local", 100, 50)
	rl.LLMCall("executor", "local", 200, 80)
	r.Close("run1", "aborted")

	if r.Get("run1") != nil {
		t.Error("expected run1 deregistered after Close")
	}
	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	last := events[len(events)-1]
	if last.Kind != KindRunEnd {
		t.Fatalf("last event kind = %q, want %q", last.Kind, KindRunEnd)
	}
	if last.Status != "aborted" {
		t.Errorf("status = %q, want aborted", last.Status)
	}
	if last.TotalTokens != 430 {
		t.Errorf("total_tokens = %d, want 430", last.TotalTokens)
	}
}

func TestRegistry_Close_UnknownRunIDNoOp(t *testing.T) {
	// Close on an unregistered runID is a no-op
	r := NewRegistry(t.TempDir())
	r.Close("never-opened", "completed")
}

func TestRunLog_NilReceiverSafe(t *testing.T) {
	// Every method no-ops on a nil *RunLog
	var rl *RunLog
	rl.Plan("p.json", 2, false)
	rl.SubtaskBegin("t1", "llm-only", 1, 1)
	rl.SubtaskEnd("t1", "completed", "")
	rl.Retry("t1", 2, "timeout")
	rl.BackendFallback("t1", "cloud")
	rl.LLMCall("executor", "local", 1, 1)
	rl.ToolCall("t1", "read_file", "{}", "ok", "")
	rl.Merge("concat", "local")
	if rl.TotalTokens() != 0 {
		t.Error("TotalTokens on nil receiver should be 0")
	}
	if rl.Stats() != nil {
		t.Error("Stats on nil receiver should be nil")
	}
}

func TestRunLog_StatsCanonicalOrder(t *testing.T) {
	// Stats lists components in planner, executor, merger order and counts tools
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "goal")
	rl.LLMCall("merger", "local", 10, 5)
	rl.LLMCall("executor", "local", 20, 10)
	rl.LLMCall("executor", "local", 30, 15)
	rl.ToolCall("t1", "glob", "{}", "a.go", "")

	stats := rl.Stats()
	if len(stats.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(stats.Components))
	}
	if stats.Components[0].Component != "executor" || stats.Components[1].Component != "merger" {
		t.Errorf("order = %v", stats.Components)
	}
	if stats.Components[0].Calls != 2 || stats.Components[0].PromptTokens != 50 {
		t.Errorf("executor stat = %+v", stats.Components[0])
	}
	if stats.ToolCallCount != 1 {
		t.Errorf("tool_call_count = %d, want 1", stats.ToolCallCount)
	}
	r.Close("run1", "completed")
}

func TestRunLog_SubtaskLifecycleEvents(t *testing.T) {
	// Subtask begin/end and retry events carry the subtask id and attempt
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "goal")
	rl.SubtaskBegin("t1", "subprocess", 1, 1)
	rl.Retry("t1", 2, "exit status 1")
	rl.SubtaskEnd("t1", "failed", "exit status 1")
	r.Close("run1", "aborted")

	events := readEvents(t, filepath.Join(dir, "run1.jsonl"))
	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []EventKind{KindRunBegin, KindSubtaskBegin, KindRetry, KindSubtaskEnd, KindRunEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, kinds[i], want[i])
		}
	}
	if events[2].Attempt != 2 || events[2].Error != "exit status 1" {
		t.Errorf("retry event = %+v", events[2])
	}
}
