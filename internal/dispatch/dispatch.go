// Package dispatch executes a persisted task graph: subtasks are partitioned
// into waves by parallel group, each wave runs concurrently, and status
// transitions are written to the plan file before the next scheduling
// decision. A failed dependency aborts the whole run with *AbortError.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/selfai-sh/selfai/internal/agent"
	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/budget"
	"github.com/selfai-sh/selfai/internal/memory"
	"github.com/selfai-sh/selfai/internal/metrics"
	"github.com/selfai-sh/selfai/internal/plan"
	"github.com/selfai-sh/selfai/internal/runlog"
	"github.com/selfai-sh/selfai/internal/sink"
	"github.com/selfai-sh/selfai/internal/subproc"
	"github.com/selfai-sh/selfai/internal/toolrun"
)

const (
	// executorTimeout bounds one llm-only attempt.
	executorTimeout = 120 * time.Second
	// memoryLimit caps recalled exchanges per subtask.
	memoryLimit = 10
	// contextClip caps each injected prior-wave output.
	contextClip = 2000
)

// RetryPolicy governs llm-only and subprocess subtask retries. The tool
// runner has its own failure policy and is never retried here.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetry is two attempts with a short pause.
var DefaultRetry = RetryPolicy{Attempts: 2, Delay: 2 * time.Second}

// AbortError reports the subtask that sank the run.
type AbortError struct {
	SubtaskID string
	Cause     error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("dispatch: aborted at subtask %s: %v", e.SubtaskID, e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }

// Config wires the dispatcher's collaborators.
type Config struct {
	Pool    *backend.Pool
	Agents  *agent.Registry
	Memory  *memory.Store
	Plans   *plan.Store
	Tools   *toolrun.Registry
	// Subproc handles subprocess-engine subtasks; nil makes that engine fail.
	Subproc *subproc.Adapter
	Budget  *budget.Holder
	Retry   RetryPolicy
	Sink    sink.Sink
	// Logs, when set, receives one JSONL run log per dispatched plan.
	Logs *runlog.Registry
	// Workspace is recorded in memory record headers.
	Workspace string
}

// Dispatcher executes plans.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher. Zero-value retry and sink get defaults.
func New(cfg Config) *Dispatcher {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	return &Dispatcher{cfg: cfg}
}

// Result is a completed run.
type Result struct {
	Graph    *plan.Graph
	PlanPath string
	// RunID names the run log entry, which stays open for the merge step.
	RunID string
	// Outputs maps subtask id to its final output text.
	Outputs map[string]string
}

// Run executes the plan at planPath to completion.
//
// Expectations:
//   - Waves execute in ascending group order; a wave's statuses are persisted
//     before the next wave is scheduled
//   - A failed subtask aborts the run with *AbortError before any later wave runs
//   - Completed subtasks hold a memory record path in their result-slot
//   - Cancellation marks in-flight subtasks failed with cause "cancelled" and
//     writes no memory record for partial output
//   - An aborted run's log is closed here; a completed run's log stays open
//     so the caller can record the merge before closing it
func (d *Dispatcher) Run(ctx context.Context, planPath string) (*Result, error) {
	g, err := d.cfg.Plans.Load(planPath)
	if err != nil {
		return nil, err
	}

	runID := strings.TrimSuffix(filepath.Base(planPath), ".json")
	rlog := d.cfg.Logs.Open(runID, g.Metadata.Goal)
	rlog.Plan(planPath, len(g.Subtasks), g.Metadata.Fallback)

	metrics.RunStarted()
	profile := d.budgetSnapshot()
	outputs := make(map[string]string)

	for _, wave := range g.Waves() {
		if err := d.checkDeps(g, wave); err != nil {
			d.cfg.Logs.Close(runID, "aborted")
			metrics.RunFailed()
			return nil, err
		}

		// Transition the whole wave to running before launching workers.
		for _, id := range wave {
			st := g.ByID(id)
			st.Result.Status = plan.StatusRunning
			if err := d.cfg.Plans.UpdateSubtask(planPath, id, plan.SubtaskUpdate{Status: plan.StatusRunning}); err != nil {
				d.cfg.Logs.Close(runID, "aborted")
				metrics.RunFailed()
				return nil, err
			}
			d.cfg.Sink.Open(id, st.Title)
			d.cfg.Sink.Status(id, plan.StatusRunning)
			rlog.SubtaskBegin(id, string(st.Engine), st.Group, 1)
		}

		type outcome struct {
			id      string
			output  string
			memPath string
			err     error
		}
		results := make([]outcome, len(wave))
		var wg sync.WaitGroup
		for i, id := range wave {
			wg.Add(1)
			go func(i int, st *plan.Subtask) {
				defer wg.Done()
				out, memPath, err := d.execute(ctx, st, profile, outputs, rlog)
				results[i] = outcome{id: st.ID, output: out, memPath: memPath, err: err}
			}(i, g.ByID(id))
		}
		wg.Wait()

		// Persist terminal states for the whole wave before deciding anything.
		var failed *outcome
		for i := range results {
			res := &results[i]
			st := g.ByID(res.id)
			if res.err != nil {
				st.Result.Status = plan.StatusFailed
				st.Result.Error = res.err.Error()
				if uerr := d.cfg.Plans.UpdateSubtask(planPath, res.id, plan.SubtaskUpdate{
					Status: plan.StatusFailed, Error: res.err.Error(),
				}); uerr != nil {
					slog.Error("[DISPATCH] persist failed status", "subtask", res.id, "error", uerr)
				}
				d.cfg.Sink.Status(res.id, plan.StatusFailed)
				rlog.SubtaskEnd(res.id, string(plan.StatusFailed), res.err.Error())
				metrics.SubtaskDone(false)
				if failed == nil {
					failed = res
				}
				continue
			}
			st.Result.Status = plan.StatusCompleted
			st.Result.MemoryPath = res.memPath
			if uerr := d.cfg.Plans.UpdateSubtask(planPath, res.id, plan.SubtaskUpdate{
				Status: plan.StatusCompleted, MemoryPath: res.memPath,
			}); uerr != nil {
				slog.Error("[DISPATCH] persist completed status", "subtask", res.id, "error", uerr)
			}
			outputs[res.id] = res.output
			d.cfg.Sink.Status(res.id, plan.StatusCompleted)
			rlog.SubtaskEnd(res.id, string(plan.StatusCompleted), "")
			metrics.SubtaskDone(true)
		}
		d.cfg.Sink.Flush(wave)

		if failed != nil {
			d.cfg.Logs.Close(runID, "aborted")
			metrics.RunFailed()
			return nil, &AbortError{SubtaskID: failed.id, Cause: failed.err}
		}
	}

	metrics.RunCompleted()
	return &Result{Graph: g, PlanPath: planPath, RunID: runID, Outputs: outputs}, nil
}

// checkDeps verifies every dependency of the wave has completed.
func (d *Dispatcher) checkDeps(g *plan.Graph, wave []string) error {
	for _, id := range wave {
		st := g.ByID(id)
		for _, dep := range st.DependsOn {
			ds := g.ByID(dep)
			if ds == nil {
				return &AbortError{SubtaskID: id, Cause: fmt.Errorf("dependency %q does not exist", dep)}
			}
			switch ds.Result.Status {
			case plan.StatusCompleted:
			case plan.StatusFailed:
				return &AbortError{SubtaskID: id, Cause: fmt.Errorf("dependency %q failed: %s", dep, ds.Result.Error)}
			default:
				return &AbortError{SubtaskID: id, Cause: fmt.Errorf("dependency %q has not completed (status %s)", dep, ds.Result.Status)}
			}
		}
	}
	return nil
}

// execute runs one subtask and returns its output and memory record path.
func (d *Dispatcher) execute(ctx context.Context, st *plan.Subtask, profile budget.Profile, prior map[string]string, rlog *runlog.RunLog) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", errors.New("cancelled")
	}

	ag := d.cfg.Agents.Lookup(st.Agent)
	if ag == nil {
		return "", "", fmt.Errorf("unknown agent %q", st.Agent)
	}

	history, err := d.cfg.Memory.LoadContext(ag, st.Objective, memoryLimit)
	if err != nil {
		slog.Warn("[DISPATCH] memory load failed, continuing without context", "subtask", st.ID, "error", err)
		history = nil
	}

	objective := d.objectiveWithContext(st, prior)

	var output string
	switch st.Engine {
	case plan.EngineLLM:
		output, err = d.withRetry(ctx, st, rlog, func() (string, error) {
			return d.runLLM(ctx, st, ag, objective, history, profile, rlog)
		})
	case plan.EngineTool:
		output, err = d.runToolLoop(ctx, st, ag, objective, profile, rlog)
	case plan.EngineSubprocess:
		output, err = d.withRetry(ctx, st, rlog, func() (string, error) {
			return d.runSubprocess(ctx, st, objective)
		})
	default:
		err = fmt.Errorf("engine %q is not executable", st.Engine)
	}
	if err != nil {
		if ctx.Err() != nil {
			// No memory record for cancelled partial output.
			return "", "", errors.New("cancelled")
		}
		return "", "", err
	}

	memPath, err := d.cfg.Memory.Save(ag, d.cfg.Workspace, st.Objective, output)
	if err != nil {
		return "", "", fmt.Errorf("persist memory record: %w", err)
	}
	return output, memPath, nil
}

// withRetry applies the retry policy: sleep the configured delay between
// attempts, respect cancellation, surface the last error.
func (d *Dispatcher) withRetry(ctx context.Context, st *plan.Subtask, rlog *runlog.RunLog, attempt func() (string, error)) (string, error) {
	var lastErr error
	for n := 1; n <= d.cfg.Retry.Attempts; n++ {
		out, err := attempt()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, backend.ErrPolicy) {
			break
		}
		if n < d.cfg.Retry.Attempts {
			slog.Warn("[DISPATCH] subtask attempt failed, retrying", "subtask", st.ID, "attempt", n, "error", err)
			rlog.Retry(st.ID, n+1, err.Error())
			select {
			case <-time.After(d.cfg.Retry.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// runLLM streams a direct generation to the subtask's pane, eliding
// scratch-pad regions character by character. A mid-stream fallback voids
// the pane and replays from the new backend.
func (d *Dispatcher) runLLM(ctx context.Context, st *plan.Subtask, ag *agent.Agent, objective string, history []backend.Message, profile budget.Profile, rlog *runlog.RunLog) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, executorTimeout)
	defer cancel()

	req := backend.Request{
		System:      ag.Preamble,
		History:     history,
		User:        objective,
		MaxTokens:   profile.Executor,
		RoutingSlug: ag.RoutingSlug,
	}
	var filter backend.ThinkFilter
	var activeBackend string
	stream, backendName, err := d.cfg.Pool.StreamWith(ctx, req, backend.StreamOpts{
		OnFallback: func(name string) {
			filter = backend.ThinkFilter{}
			activeBackend = name
			d.cfg.Sink.Void(st.ID)
			rlog.BackendFallback(st.ID, name)
			slog.Info("[DISPATCH] backend fallback mid-stream", "subtask", st.ID, "backend", name)
		},
	})
	if err != nil {
		return "", err
	}
	if activeBackend == "" {
		activeBackend = backendName
	}
	defer stream.Close()

	var raw strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		raw.WriteString(chunk)
		if visible := filter.Feed(chunk); visible != "" {
			d.cfg.Sink.Chunk(st.ID, visible)
		}
	}
	if tail := filter.Flush(); tail != "" {
		d.cfg.Sink.Chunk(st.ID, tail)
	}

	var usage backend.Usage
	if ur, ok := stream.(backend.UsageReporter); ok {
		usage = ur.Usage()
	}
	metrics.LLMCall(usage.PromptTokens, usage.CompletionTokens)
	rlog.LLMCall("executor", activeBackend, usage.PromptTokens, usage.CompletionTokens)
	slog.Debug("[DISPATCH] llm subtask done", "subtask", st.ID, "backend", activeBackend)
	return backend.StripThink(raw.String()), nil
}

// runToolLoop drives the agentic loop with the subtask's allow-list and step
// budget. No retry: the loop's own failure policy is terminal.
func (d *Dispatcher) runToolLoop(ctx context.Context, st *plan.Subtask, ag *agent.Agent, objective string, profile budget.Profile, rlog *runlog.RunLog) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, executorTimeout)
	defer cancel()

	allow := st.Tools
	if len(allow) == 0 {
		allow = d.cfg.Tools.Names()
	}
	runner := toolrun.NewRunner(d.cfg.Pool, d.cfg.Tools)
	return runner.Run(ctx, toolrun.Config{
		Preamble:  ag.Preamble,
		Objective: objective,
		Allow:     allow,
		MaxSteps:  st.MaxSteps,
		OnChunk:   func(text string) { d.cfg.Sink.Chunk(st.ID, text) },
		OnFallback: func(name string) {
			d.cfg.Sink.Void(st.ID)
			rlog.BackendFallback(st.ID, name)
		},
		OnTool: func(tool, args, output, errMsg string) {
			rlog.ToolCall(st.ID, tool, args, clip(output, 500), errMsg)
		},
	})
}

// runSubprocess delegates to the external coding CLI with the objective on
// stdin. A non-zero exit is a retryable failure carrying the child's output.
func (d *Dispatcher) runSubprocess(ctx context.Context, st *plan.Subtask, objective string) (string, error) {
	if d.cfg.Subproc == nil {
		return "", errors.New("no subprocess adapter configured")
	}
	res, err := d.cfg.Subproc.Run(ctx, subproc.Request{Stdin: objective})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("subprocess failed: %s", clip(res.UserVisible(), 500))
	}
	d.cfg.Sink.Chunk(st.ID, res.Stdout)
	return res.Stdout, nil
}

// objectiveWithContext appends completed prior-wave outputs to the objective,
// each clipped, in ascending identifier order, plus any planner notes.
func (d *Dispatcher) objectiveWithContext(st *plan.Subtask, prior map[string]string) string {
	var sb strings.Builder
	sb.WriteString(st.Objective)
	if st.Notes != "" {
		sb.WriteString("\n\nNotes from the planner:\n" + st.Notes)
	}
	if len(prior) > 0 {
		ids := make([]string, 0, len(prior))
		for id := range prior {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString("\n\nOutputs of earlier subtasks:")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("\n[%s]\n%s", id, clip(prior[id], contextClip)))
		}
	}
	return sb.String()
}

func (d *Dispatcher) budgetSnapshot() budget.Profile {
	if d.cfg.Budget != nil {
		return d.cfg.Budget.Current()
	}
	return budget.Profile{Executor: 4096}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
