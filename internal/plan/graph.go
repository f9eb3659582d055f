// Package plan defines the task graph executed by the dispatcher and the
// JSON plan store that persists it. A Graph is a labeled DAG of subtasks plus
// a merge descriptor and a metadata block; Validate enforces the structural
// invariants before anything is scheduled.
package plan

import (
	"fmt"
	"sort"
	"time"
)

// Engine selects how a subtask is executed. The set is closed and shared
// with the dispatcher.
type Engine string

const (
	// EngineLLM is a direct generation call through the backend pool.
	EngineLLM Engine = "llm-only"
	// EngineTool runs the agentic tool-calling loop.
	EngineTool Engine = "agentic-tool"
	// EngineSubprocess delegates to an external coding CLI.
	EngineSubprocess Engine = "subprocess"
)

// Engines returns the closed engine whitelist.
func Engines() []Engine {
	return []Engine{EngineLLM, EngineTool, EngineSubprocess}
}

// ValidEngine reports whether e is in the whitelist.
func ValidEngine(e Engine) bool {
	switch e {
	case EngineLLM, EngineTool, EngineSubprocess:
		return true
	}
	return false
}

// Status is the subtask lifecycle state. Transitions are monotonic:
// pending → running → (completed | failed).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the mutable result-slot of a subtask.
type Result struct {
	Status Status `json:"status"`
	// MemoryPath points to the MemoryRecord written on completion.
	MemoryPath string `json:"memory_path,omitempty"`
	// Error holds the one-line failure cause when Status is failed.
	Error string `json:"error,omitempty"`
}

// Subtask is one node of the task graph.
type Subtask struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Objective string   `json:"objective"`
	Agent     string   `json:"agent"`
	Engine    Engine   `json:"engine"`
	Group     int      `json:"group"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Tools is the optional allow-list for agentic-tool subtasks.
	Tools []string `json:"tools,omitempty"`
	// MaxSteps caps the tool runner loop; 0 means the runner default.
	MaxSteps int `json:"max_steps,omitempty"`
	// ReadOnly is advisory planner metadata; enforcement is allow-list only.
	ReadOnly bool `json:"read_only,omitempty"`
	// Notes carries planner-supplied execution hints verbatim.
	Notes  string `json:"notes,omitempty"`
	Result Result `json:"result"`
}

// Merge describes how completed outputs are synthesized.
type Merge struct {
	Strategy string   `json:"strategy"`
	Steps    []string `json:"steps,omitempty"`
}

// Metadata records plan provenance. CreatedAt is RFC 3339.
type Metadata struct {
	Goal            string `json:"goal"`
	PlannerProvider string `json:"planner_provider"`
	PlannerModel    string `json:"planner_model,omitempty"`
	MergerProvider  string `json:"merger_provider,omitempty"`
	MergeResultPath string `json:"merge_result_path,omitempty"`
	CreatedAt       string `json:"created_at"`
	// Fallback is true when the planner synthesized a degraded single-node
	// plan instead of a real decomposition.
	Fallback bool `json:"fallback"`
}

// Graph is the full task graph document persisted by the plan store.
type Graph struct {
	Subtasks []Subtask `json:"subtasks"`
	Merge    Merge     `json:"merge"`
	Metadata Metadata  `json:"metadata"`
}

// ByID returns a pointer to the subtask with the given identifier, or nil.
func (g *Graph) ByID(id string) *Subtask {
	for i := range g.Subtasks {
		if g.Subtasks[i].ID == id {
			return &g.Subtasks[i]
		}
	}
	return nil
}

// Waves partitions subtasks by parallel-group number into ascending waves.
// Within a wave, subtasks are ordered by ascending identifier so rendering
// order is deterministic.
//
// Expectations:
//   - Waves are returned in ascending group order
//   - Each wave's subtask IDs are sorted ascending
//   - Every subtask appears in exactly one wave
func (g *Graph) Waves() [][]string {
	byGroup := make(map[int][]string)
	for i := range g.Subtasks {
		st := &g.Subtasks[i]
		byGroup[st.Group] = append(byGroup[st.Group], st.ID)
	}
	groups := make([]int, 0, len(byGroup))
	for grp := range byGroup {
		groups = append(groups, grp)
	}
	sort.Ints(groups)
	waves := make([][]string, 0, len(groups))
	for _, grp := range groups {
		ids := byGroup[grp]
		sort.Strings(ids)
		waves = append(waves, ids)
	}
	return waves
}

// Fallback builds the degenerate single-node graph used when planning or
// validation cannot produce a structured decomposition.
//
// Expectations:
//   - Contains exactly one llm-only subtask whose objective equals the goal
//   - Metadata.Fallback is true
//   - The subtask starts pending
func Fallback(goal, agentKey, provider string) *Graph {
	return &Graph{
		Subtasks: []Subtask{{
			ID:        "t1",
			Title:     "Answer the goal directly",
			Objective: goal,
			Agent:     agentKey,
			Engine:    EngineLLM,
			Group:     1,
			Result:    Result{Status: StatusPending},
		}},
		Merge: Merge{Strategy: "single"},
		Metadata: Metadata{
			Goal:            goal,
			PlannerProvider: provider,
			CreatedAt:       time.Now().UTC().Format(time.RFC3339),
			Fallback:        true,
		},
	}
}

// handleIndex resolves subtask IDs to dense integer handles once at load so
// traversals index an array instead of chasing string keys. Building the
// index fails on duplicate IDs, which the validator reports first.
func (g *Graph) handleIndex() (map[string]int, error) {
	idx := make(map[string]int, len(g.Subtasks))
	for i := range g.Subtasks {
		id := g.Subtasks[i].ID
		if _, dup := idx[id]; dup {
			return nil, fmt.Errorf("plan: duplicate subtask id %q", id)
		}
		idx[id] = i
	}
	return idx, nil
}
