// Package planner turns a user goal into a validated task graph by prompting
// a planning backend and validating its JSON output. Validation failures
// degrade to a single-node fallback graph; only an unreachable provider
// surfaces as an error.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/metrics"
	"github.com/selfai-sh/selfai/internal/plan"
)

// DefaultTimeout bounds one planning call.
const DefaultTimeout = 180 * time.Second

var (
	// ErrUnavailable means the planner provider itself was unreachable.
	ErrUnavailable = errors.New("planner: provider unavailable")
	// ErrInvalidOutput means the provider answered with output that could
	// not be used even for a fallback decision (empty after cleaning).
	ErrInvalidOutput = errors.New("planner: invalid output")
	// ErrTimeout means the planning call exceeded its deadline.
	ErrTimeout = errors.New("planner: timed out")
)

// AgentInfo is one available agent shown to the planning model.
type AgentInfo struct {
	Key   string
	Blurb string
}

// Context carries everything the planner knows beyond the goal.
type Context struct {
	Agents        []AgentInfo
	Engines       []plan.Engine
	MemorySummary string
	SystemFacts   string
	// PlannerBudget is the max-token budget for the planning call.
	PlannerBudget int
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// defaultAgent returns the agent key used for fallback graphs.
func (c *Context) defaultAgent() string {
	if len(c.Agents) > 0 {
		return c.Agents[0].Key
	}
	return ""
}

const promptTemplate = `You are the planner of a multi-agent runtime. Decompose the GOAL into the minimum necessary subtasks.

Decomposition rules:
- PREFER one subtask for any simple goal (single question, single lookup, single file op).
- Split ONLY when steps are genuinely independent or must be ordered.
- Same group number → subtasks run IN PARALLEL (no dependency allowed between them).
- Different group numbers → groups run in ascending order. Use depends_on when subtask B needs output from subtask A; the dispatcher injects the outputs of group N into every group N+1 subtask's context automatically.
- Start group numbering at 1.

Engine selection:
- "llm-only": pure reasoning or writing, no tool access.
- "agentic-tool": the subtask must inspect or touch the environment. Read-only tasks MUST use agentic-tool with a read-only tool subset (%s). Write tasks may also use %s.
- "subprocess": delegate to an external coding subprocess.
Allowed engines: %s.

Available agents (use the key verbatim in "agent"):
%s

Output ONLY a JSON object (no markdown, no prose, no <think> regions) with this shape:
{
  "subtasks": [
    {
      "id": "t1",
      "title": "<short title>",
      "objective": "<one-paragraph instruction for the executor>",
      "agent": "<agent key>",
      "engine": "<engine>",
      "group": 1,
      "depends_on": [],
      "tools": ["<tool name>", ...],
      "max_steps": 8
    }
  ],
  "merge": {"strategy": "<how to combine the results>", "steps": []}
}`

// Planner plans via a backend pool.
type Planner struct {
	pool *backend.Pool
}

// New creates a Planner.
func New(pool *backend.Pool) *Planner {
	return &Planner{pool: pool}
}

// Plan produces a validated task graph for goal.
//
// Expectations:
//   - A valid decomposition passes through with metadata filled in
//   - Unparseable JSON, an empty subtask list, or any invariant violation
//     yields a single-node fallback graph with Fallback=true
//   - An unreachable provider returns ErrUnavailable
//   - A deadline hit returns ErrTimeout
//   - Scratch-pad regions and code fences in the response are ignored
func (p *Planner) Plan(ctx context.Context, goal string, pc Context) (*plan.Graph, error) {
	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, provider, err := p.pool.Generate(ctx, backend.Request{
		System:    p.systemPrompt(pc),
		User:      p.userPrompt(goal, pc),
		MaxTokens: pc.PlannerBudget,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, backend.ErrPolicy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cleaned := backend.StripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response from %s", ErrInvalidOutput, provider)
	}

	g := p.parse(cleaned, goal, provider, pc)
	g.Metadata.Goal = goal
	g.Metadata.PlannerProvider = provider
	g.Metadata.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	if g.Metadata.Fallback {
		metrics.FallbackPlan()
	}
	return g, nil
}

// parse decodes and validates the cleaned response, degrading to a fallback
// graph on any malformed or invalid plan.
func (p *Planner) parse(cleaned, goal, provider string, pc Context) *plan.Graph {
	var g plan.Graph
	if err := json.Unmarshal([]byte(cleaned), &g); err != nil {
		slog.Warn("[PLANNER] unparseable plan, using fallback graph", "error", err)
		return plan.Fallback(goal, pc.defaultAgent(), provider)
	}
	if len(g.Subtasks) == 0 {
		slog.Warn("[PLANNER] empty subtask list, using fallback graph")
		return plan.Fallback(goal, pc.defaultAgent(), provider)
	}
	agents := agentSet{}
	for _, a := range pc.Agents {
		agents[a.Key] = true
	}
	if err := plan.Validate(&g, agents); err != nil {
		slog.Warn("[PLANNER] plan rejected by validator, using fallback graph", "error", err)
		return plan.Fallback(goal, pc.defaultAgent(), provider)
	}
	for i := range g.Subtasks {
		g.Subtasks[i].Result = plan.Result{Status: plan.StatusPending}
	}
	return &g
}

type agentSet map[string]bool

func (s agentSet) Has(key string) bool { return s[key] }

func (p *Planner) systemPrompt(pc Context) string {
	var agents strings.Builder
	for _, a := range pc.Agents {
		agents.WriteString("- " + a.Key + ": " + a.Blurb + "\n")
	}
	engines := make([]string, len(pc.Engines))
	for i, e := range pc.Engines {
		engines[i] = string(e)
	}
	return fmt.Sprintf(promptTemplate,
		"read_file, glob, search", "write_file, shell",
		strings.Join(engines, ", "), strings.TrimRight(agents.String(), "\n"))
}

func (p *Planner) userPrompt(goal string, pc Context) string {
	var sb strings.Builder
	sb.WriteString("GOAL: " + goal + "\n")
	if pc.SystemFacts != "" {
		sb.WriteString("\nHost facts:\n" + pc.SystemFacts + "\n")
	}
	if pc.MemorySummary != "" {
		sb.WriteString("\nRecent relevant memory:\n" + pc.MemorySummary + "\n")
	}
	return sb.String()
}
