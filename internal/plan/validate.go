package plan

import (
	"fmt"
	"strings"
)

// AgentSet is the narrow registry view the validator needs.
type AgentSet interface {
	Has(key string) bool
}

// ValidationError collects every structural reason a graph was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "plan: invalid graph: " + strings.Join(e.Reasons, "; ")
}

// Validate checks every graph invariant and returns a *ValidationError
// listing all violations, or nil when the graph is well-formed.
//
// Expectations:
//   - Rejects an empty subtask list
//   - Rejects duplicate or empty subtask identifiers
//   - Rejects dependencies referencing unknown subtasks
//   - Rejects self-dependencies and dependency cycles, naming an offending id
//   - Rejects dependency edges between subtasks sharing a parallel group
//   - Rejects engine values outside the whitelist, naming the rejected value
//   - Rejects unknown target agents, naming the rejected value
//   - Rejects non-positive parallel-group numbers
//   - Returns nil for a well-formed graph
func Validate(g *Graph, agents AgentSet) error {
	var reasons []string

	if len(g.Subtasks) == 0 {
		return &ValidationError{Reasons: []string{"graph has no subtasks"}}
	}

	idx := make(map[string]int, len(g.Subtasks))
	for i := range g.Subtasks {
		st := &g.Subtasks[i]
		if strings.TrimSpace(st.ID) == "" {
			reasons = append(reasons, fmt.Sprintf("subtask at index %d has an empty id", i))
			continue
		}
		if _, dup := idx[st.ID]; dup {
			reasons = append(reasons, fmt.Sprintf("duplicate subtask id %q", st.ID))
			continue
		}
		idx[st.ID] = i
	}

	for i := range g.Subtasks {
		st := &g.Subtasks[i]
		if !ValidEngine(st.Engine) {
			reasons = append(reasons, fmt.Sprintf("subtask %q: engine %q is not in the whitelist", st.ID, st.Engine))
		}
		if st.Group < 1 {
			reasons = append(reasons, fmt.Sprintf("subtask %q: parallel group %d must be positive", st.ID, st.Group))
		}
		if agents != nil && !agents.Has(st.Agent) {
			reasons = append(reasons, fmt.Sprintf("subtask %q: unknown agent %q", st.ID, st.Agent))
		}
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				reasons = append(reasons, fmt.Sprintf("subtask %q depends on itself", st.ID))
				continue
			}
			j, ok := idx[dep]
			if !ok {
				reasons = append(reasons, fmt.Sprintf("subtask %q: dependency %q does not exist", st.ID, dep))
				continue
			}
			if g.Subtasks[j].Group == st.Group {
				reasons = append(reasons, fmt.Sprintf("subtask %q: dependency %q shares parallel group %d", st.ID, dep, st.Group))
			}
		}
	}

	if offender := findCycle(g, idx); offender != "" {
		reasons = append(reasons, fmt.Sprintf("dependency cycle through subtask %q", offender))
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// Traversal colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// findCycle runs a three-color depth-first traversal over the dependency
// relation and returns the identifier at the back-edge of the first cycle
// found, or "" when the graph is acyclic. Unknown dependency references are
// skipped here; Validate reports them separately.
func findCycle(g *Graph, idx map[string]int) string {
	color := make([]int, len(g.Subtasks))

	var visit func(i int) string
	visit = func(i int) string {
		color[i] = gray
		for _, dep := range g.Subtasks[i].DependsOn {
			j, ok := idx[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case gray:
				return g.Subtasks[j].ID
			case white:
				if off := visit(j); off != "" {
					return off
				}
			}
		}
		color[i] = black
		return ""
	}

	for i := range g.Subtasks {
		if _, ok := idx[g.Subtasks[i].ID]; !ok {
			continue // duplicate or empty id, reported elsewhere
		}
		if color[i] == white {
			if off := visit(i); off != "" {
				return off
			}
		}
	}
	return ""
}
