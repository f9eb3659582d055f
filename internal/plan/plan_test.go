package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type stubAgents map[string]bool

func (s stubAgents) Has(key string) bool { return s[key] }

func validGraph() *Graph {
	return &Graph{
		Subtasks: []Subtask{
			{ID: "t1", Title: "first", Objective: "do first", Agent: "coder",
				Engine: EngineTool, Group: 1, Tools: []string{"glob"}, MaxSteps: 4,
				Result: Result{Status: StatusPending}},
			{ID: "t2", Title: "second", Objective: "do second", Agent: "coder",
				Engine: EngineLLM, Group: 2, DependsOn: []string{"t1"},
				Result: Result{Status: StatusPending}},
		},
		Merge:    Merge{Strategy: "concat"},
		Metadata: Metadata{Goal: "test goal", PlannerProvider: "stub", CreatedAt: "2026-08-24T10:00:00Z"},
	}
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate_WellFormedGraphAccepted(t *testing.T) {
	// A graph satisfying every invariant validates cleanly
	if err := Validate(validGraph(), stubAgents{"coder": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_EmptyGraphRejected(t *testing.T) {
	// An empty subtask list is rejected
	err := Validate(&Graph{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate_DuplicateIDRejected(t *testing.T) {
	// Two subtasks sharing an id are rejected, naming the id
	g := validGraph()
	g.Subtasks[1].ID = "t1"
	g.Subtasks[1].DependsOn = nil
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), `"t1"`) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_UnknownDependencyRejected(t *testing.T) {
	// A dependency naming a missing subtask is rejected
	g := validGraph()
	g.Subtasks[1].DependsOn = []string{"ghost"}
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), `"ghost"`) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_CycleRejectedNamingOffender(t *testing.T) {
	// A dependency cycle is rejected and an offending id is named
	g := validGraph()
	g.Subtasks[0].DependsOn = []string{"t2"}
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_SelfDependencyRejected(t *testing.T) {
	// A subtask depending on itself is rejected
	g := validGraph()
	g.Subtasks[1].DependsOn = []string{"t2"}
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), "itself") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_EmptyIDRejected(t *testing.T) {
	// A blank subtask id is rejected
	g := validGraph()
	g.Subtasks[0].ID = "  "
	g.Subtasks[1].DependsOn = nil
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), "empty id") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_IntraGroupDependencyRejected(t *testing.T) {
	// A dependency edge within one parallel group is rejected
	g := validGraph()
	g.Subtasks[1].Group = 1
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), "group") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_EngineOutsideWhitelistRejected(t *testing.T) {
	// An engine value outside the whitelist is rejected, naming the value
	g := validGraph()
	g.Subtasks[0].Engine = "quantum"
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), `"quantum"`) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_UnknownAgentRejected(t *testing.T) {
	// A subtask targeting an unregistered agent is rejected, naming the agent
	g := validGraph()
	err := Validate(g, stubAgents{})
	if err == nil || !strings.Contains(err.Error(), `"coder"`) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_NonPositiveGroupRejected(t *testing.T) {
	// Group numbers below 1 are rejected
	g := validGraph()
	g.Subtasks[0].Group = 0
	err := Validate(g, stubAgents{"coder": true})
	if err == nil || !strings.Contains(err.Error(), "group") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_CollectsAllReasons(t *testing.T) {
	// Multiple violations are reported together, not first-only
	g := validGraph()
	g.Subtasks[0].Engine = "bogus"
	g.Subtasks[1].DependsOn = []string{"ghost"}
	err := Validate(g, stubAgents{"coder": true})
	ve, ok := err.(*ValidationError)
	if !ok || len(ve.Reasons) < 2 {
		t.Fatalf("got %v", err)
	}
}

// ── Waves ────────────────────────────────────────────────────────────────────

func TestWaves_AscendingGroupsSortedIDs(t *testing.T) {
	// Waves come out in ascending group order with ids sorted inside each
	g := &Graph{Subtasks: []Subtask{
		{ID: "t3", Group: 2}, {ID: "t1", Group: 1}, {ID: "t2", Group: 2},
	}}
	waves := g.Waves()
	want := [][]string{{"t1"}, {"t2", "t3"}}
	if !reflect.DeepEqual(waves, want) {
		t.Errorf("waves = %v, want %v", waves, want)
	}
}

// ── Fallback ─────────────────────────────────────────────────────────────────

func TestFallback_SingleLLMSubtaskEqualToGoal(t *testing.T) {
	// The fallback graph holds one llm-only subtask whose objective is the goal
	g := Fallback("explain it", "assistant", "local")
	if len(g.Subtasks) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(g.Subtasks))
	}
	st := g.Subtasks[0]
	if st.Engine != EngineLLM || st.Objective != "explain it" {
		t.Errorf("subtask = %+v", st)
	}
	if !g.Metadata.Fallback {
		t.Error("metadata fallback flag not set")
	}
	if err := Validate(g, stubAgents{"assistant": true}); err != nil {
		t.Errorf("fallback graph must validate: %v", err)
	}
}

// ── Store ────────────────────────────────────────────────────────────────────

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	// load(save(G)) preserves the graph exactly
	s := NewStore(t.TempDir())
	g := validGraph()
	path, err := s.Save(g, "Round Trip!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, g) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, g)
	}
	if base := filepath.Base(path); !strings.Contains(base, "round-trip") {
		t.Errorf("path slug missing: %q", base)
	}
}

func TestStore_SameSecondSavesDistinctPaths(t *testing.T) {
	// Back-to-back saves with one label never collide
	s := NewStore(t.TempDir())
	g := validGraph()
	p1, err := s.Save(g, "same label")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := s.Save(g, "same label")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 == p2 {
		t.Errorf("expected distinct paths, both %q", p1)
	}
}

func TestStore_UpdateSubtaskRewritesOnlyTarget(t *testing.T) {
	// UpdateSubtask changes one result-slot and leaves the rest intact
	s := NewStore(t.TempDir())
	path, err := s.Save(validGraph(), "update")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = s.UpdateSubtask(path, "t1", SubtaskUpdate{Status: StatusCompleted, MemoryPath: "/mem/rec.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := s.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.ByID("t1").Result.Status != StatusCompleted || g.ByID("t1").Result.MemoryPath != "/mem/rec.txt" {
		t.Errorf("t1 result = %+v", g.ByID("t1").Result)
	}
	if g.ByID("t2").Result.Status != StatusPending {
		t.Errorf("t2 result touched: %+v", g.ByID("t2").Result)
	}
}

func TestStore_UpdateUnknownSubtaskFails(t *testing.T) {
	// Updating a missing subtask id is an error
	s := NewStore(t.TempDir())
	path, err := s.Save(validGraph(), "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateSubtask(path, "ghost", SubtaskUpdate{Status: StatusFailed}); err == nil {
		t.Fatal("expected error for unknown subtask")
	}
}

func TestStore_WrittenDocumentIsPrettyJSON(t *testing.T) {
	// The persisted document is indented JSON a human can diff
	s := NewStore(t.TempDir())
	path, err := s.Save(validGraph(), "pretty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"subtasks\"") {
		t.Errorf("document not indented:\n%s", data)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		t.Errorf("document not parseable: %v", err)
	}
}

func TestStore_SetMergeResultPersists(t *testing.T) {
	// SetMergeResult lands in the reloaded metadata
	s := NewStore(t.TempDir())
	path, err := s.Save(validGraph(), "merge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetMergeResult(path, "/mem/final.txt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := s.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Metadata.MergeResultPath != "/mem/final.txt" {
		t.Errorf("merge result path = %q", g.Metadata.MergeResultPath)
	}
}
