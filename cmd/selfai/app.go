package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/selfai-sh/selfai/internal/agent"
	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/budget"
	"github.com/selfai-sh/selfai/internal/dispatch"
	"github.com/selfai-sh/selfai/internal/fault"
	"github.com/selfai-sh/selfai/internal/memory"
	"github.com/selfai-sh/selfai/internal/merger"
	"github.com/selfai-sh/selfai/internal/plan"
	"github.com/selfai-sh/selfai/internal/planner"
	"github.com/selfai-sh/selfai/internal/runlog"
	"github.com/selfai-sh/selfai/internal/sink"
	"github.com/selfai-sh/selfai/internal/subproc"
	"github.com/selfai-sh/selfai/internal/toolrun"
	"github.com/selfai-sh/selfai/internal/tools"
)

// sessionEntry records one finished goal for planner context on follow-ups.
type sessionEntry struct {
	Goal    string
	Summary string
}

const maxSessionHistory = 5

// app wires the whole pipeline together for one process.
type app struct {
	agents  *agent.Registry
	active  *agent.Active
	budgets *budget.Holder
	pool    *backend.Pool
	mem     *memory.Store
	plans   *plan.Store
	toolreg *toolrun.Registry
	planner *planner.Planner
	merger  *merger.Merger
	disp    *dispatch.Dispatcher
	logs    *runlog.Registry
	root    string
	history []sessionEntry
}

// defaultAgents is the builtin agent set registered at startup.
var defaultAgents = []agent.Agent{
	{
		Key: "assistant", Name: "Assistant",
		Preamble:   "You are a precise, helpful assistant. Answer directly and concisely.",
		Categories: []string{"general"},
		Blurb:      "general questions, writing, summarization",
	},
	{
		Key: "coder", Name: "Coder",
		Preamble:   "You are a pragmatic software engineer. Prefer working code over discussion.",
		Categories: []string{"coding", "general"},
		Blurb:      "code reading, writing, and shell work",
	},
	{
		Key: "researcher", Name: "Researcher",
		Preamble:   "You are a careful researcher. Cite what you looked at and separate facts from inference.",
		Categories: []string{"research", "general"},
		Blurb:      "web search and multi-source synthesis",
	},
}

func newApp() (*app, error) {
	root := flagMemoryRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("selfai: resolve home dir: %w", err)
		}
		root = filepath.Join(home, ".selfai")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("selfai: create memory root: %w", err)
	}

	agents := agent.NewRegistry()
	for _, a := range defaultAgents {
		if err := agents.Register(a); err != nil {
			return nil, err
		}
	}
	agents.Freeze()
	active := agent.NewActive(agents.Lookup("assistant"))

	pool, err := buildPool()
	if err != nil {
		return nil, err
	}

	toolreg := toolrun.NewRegistry()
	if err := tools.RegisterBuiltins(toolreg); err != nil {
		return nil, err
	}
	toolreg.Freeze()

	window := memory.NewWindow(flagWindow)
	mem := memory.NewStore(root, window)
	plans := plan.NewStore(root)
	budgets := budget.NewHolder()
	console := sink.NewConsole(os.Stdout, 100)
	logs := runlog.NewRegistry(filepath.Join(root, "runlog"))

	disp := dispatch.New(dispatch.Config{
		Pool:      pool,
		Agents:    agents,
		Memory:    mem,
		Plans:     plans,
		Tools:     toolreg,
		Subproc:   subproc.NewFromEnv("coder-cli", "CODER"),
		Budget:    budgets,
		Sink:      console,
		Logs:      logs,
		Workspace: tools.WorkspaceDir(),
	})

	return &app{
		agents:  agents,
		active:  active,
		budgets: budgets,
		pool:    pool,
		mem:     mem,
		plans:   plans,
		toolreg: toolreg,
		planner: planner.New(pool),
		merger:  merger.New(pool),
		disp:    disp,
		logs:    logs,
		root:    root,
	}, nil
}

// buildPool assembles the backend priority order from the environment:
// LOCAL_* endpoint first, then CLOUD_*, the Anthropic SDK, and a local
// inference CLI. At least one must be configured.
func buildPool() (*backend.Pool, error) {
	var adapters []backend.Adapter
	if a := backend.NewHTTPFromEnv("local", "LOCAL"); a != nil {
		adapters = append(adapters, a)
	}
	if a := backend.NewHTTPFromEnv("cloud", "CLOUD"); a != nil {
		adapters = append(adapters, a)
	}
	if a := backend.NewAnthropicFromEnv("claude"); a != nil {
		adapters = append(adapters, a)
	}
	if a := backend.NewCLIFromEnv("cli", "SELFAI"); a != nil {
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return nil, errors.New("selfai: no backends configured; set LOCAL_BASE_URL/LOCAL_MODEL, OPENAI_BASE_URL/OPENAI_MODEL, ANTHROPIC_API_KEY, or SELFAI_CLI_COMMAND")
	}
	return backend.NewPool(adapters...), nil
}

func (a *app) close() {
	a.mem.Close()
}

// runGoal drives one goal through plan, dispatch, and merge.
func (a *app) runGoal(ctx context.Context, goal string) error {
	profile := a.budgets.Current()

	pctx := planner.Context{
		Engines:       plan.Engines(),
		MemorySummary: a.sessionContext(),
		SystemFacts:   fmt.Sprintf("os: %s/%s\nworkspace: %s", runtime.GOOS, runtime.GOARCH, tools.WorkspaceDir()),
		PlannerBudget: profile.Planner,
	}
	for _, key := range a.agents.Keys() {
		ag := a.agents.Lookup(key)
		pctx.Agents = append(pctx.Agents, planner.AgentInfo{Key: ag.Key, Blurb: ag.Blurb})
	}

	g, err := a.planner.Plan(ctx, goal, pctx)
	if err != nil {
		fmt.Fprint(os.Stderr, fault.Render("", err, flagDebug))
		return err
	}

	planPath, err := a.plans.Save(g, goal)
	if err != nil {
		fmt.Fprint(os.Stderr, fault.Render("", err, flagDebug))
		return err
	}

	res, err := a.disp.Run(ctx, planPath)
	if err != nil {
		var abort *dispatch.AbortError
		if errors.As(err, &abort) {
			fmt.Fprint(os.Stderr, fault.Render(abort.SubtaskID, abort.Cause, flagDebug))
		} else {
			fmt.Fprint(os.Stderr, fault.Render("", err, flagDebug))
		}
		return err
	}

	in := merger.Input{
		Goal:      goal,
		Strategy:  g.Merge.Strategy,
		MaxTokens: profile.Merger,
	}
	for _, st := range res.Graph.Subtasks {
		in.Items = append(in.Items, merger.Item{ID: st.ID, Title: st.Title, Output: res.Outputs[st.ID]})
	}
	final, provider, err := a.merger.Merge(ctx, in)
	if err != nil {
		if !errors.Is(err, merger.ErrUnavailable) {
			a.logs.Close(res.RunID, "aborted")
			fmt.Fprint(os.Stderr, fault.Render("", err, flagDebug))
			return err
		}
		final = merger.FallbackSummary(in)
		provider = "internal"
	}

	rlog := a.logs.Get(res.RunID)
	rlog.Merge(in.Strategy, provider)

	fmt.Printf("\n%s\n", final)
	if flagDebug {
		fmt.Printf("\n(merged by %s, plan %s)\n", provider, planPath)
		if stats := rlog.Stats(); stats != nil {
			for _, cs := range stats.Components {
				fmt.Printf("(%s: %d calls, %d prompt + %d completion tokens)\n",
					cs.Component, cs.Calls, cs.PromptTokens, cs.CompletionTokens)
			}
			if stats.ToolCallCount > 0 {
				fmt.Printf("(tool calls: %d)\n", stats.ToolCallCount)
			}
		}
	}
	a.logs.Close(res.RunID, "completed")

	if memPath, err := a.mem.Save(a.active.Current(), tools.WorkspaceDir(), goal, final); err == nil {
		_ = a.plans.SetMergeResult(planPath, memPath)
	}

	a.history = append(a.history, sessionEntry{Goal: goal, Summary: firstN(final, 120)})
	if len(a.history) > maxSessionHistory {
		a.history = a.history[len(a.history)-maxSessionHistory:]
	}
	return nil
}

// sessionContext formats the last few finished goals for the planner.
func (a *app) sessionContext() string {
	if len(a.history) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range a.history {
		fmt.Fprintf(&sb, "[%d] Goal: %s\n    Result: %s\n", i+1, e.Goal, e.Summary)
	}
	return sb.String()
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
