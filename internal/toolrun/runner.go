package toolrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/metrics"
)

// DefaultMaxSteps bounds a run when the caller declares no step budget.
const DefaultMaxSteps = 10

// toolFailureLimit aborts the run when one tool fails this many times.
const toolFailureLimit = 3

// observationCeiling truncates tool output folded into the dialog,
// preserving head and tail.
const observationCeiling = 4000

// ErrExhausted is returned when the step budget runs out with no final
// answer. No partial answer accompanies it.
var ErrExhausted = errors.New("toolrun: step budget exhausted without final answer")

// ToolError reports a tool that kept failing within one run.
type ToolError struct {
	Tool  string
	Cause error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("toolrun: tool %s failed repeatedly: %v", e.Tool, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Generator is the inference surface the runner drives. *backend.Pool
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req backend.Request) (string, string, error)
	StreamWith(ctx context.Context, req backend.Request, opts backend.StreamOpts) (backend.Stream, string, error)
}

// Config is one run of the agentic loop.
type Config struct {
	Preamble  string
	Objective string
	// Allow is the tool allow-list for this run. A call naming any other
	// tool is denied with an observation; the tool is not invoked.
	Allow    []string
	MaxSteps int
	// OnChunk, when set, receives streamed output before parsing, with
	// scratch-pad regions elided character by character.
	OnChunk func(text string)
	// OnFallback is invoked when a mid-stream backend fallback voids
	// previously forwarded chunks.
	OnFallback func(backendName string)
	// OnTool, when set, observes every executed tool invocation with its
	// JSON-encoded arguments, output, and error text (empty on success).
	// Denied and duplicate-blocked calls are never executed, so never
	// observed.
	OnTool func(tool, args, output, errMsg string)
}

// Runner drives the tool-calling loop over a backend generator and a tool
// registry.
type Runner struct {
	gen Generator
	reg *Registry
}

// NewRunner creates a Runner.
func NewRunner(gen Generator, reg *Registry) *Runner {
	return &Runner{gen: gen, reg: reg}
}

// Run executes the agentic loop and returns the final answer.
//
// Expectations:
//   - A tool-call turn invokes the named tool and folds its output back as
//     an observation; the loop resumes
//   - A final-answer turn ends the run with the trailing text
//   - A call outside the allow-list is denied by observation, not invoked
//   - A tool failing three times within one run aborts with *ToolError
//   - No final answer within MaxSteps returns ErrExhausted
//   - An immediately repeated identical call is blocked with a hard-stop
//     observation instead of executing
func (r *Runner) Run(ctx context.Context, cfg Config) (string, error) {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	allowed := make(map[string]bool, len(cfg.Allow))
	for _, name := range cfg.Allow {
		allowed[name] = true
	}

	system := r.systemPrompt(cfg)
	dialog := []backend.Message{{Role: "user", Content: cfg.Objective}}
	failures := make(map[string]int)
	var lastSig string

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, backendName, err := r.turn(ctx, system, dialog, cfg)
		if err != nil {
			return "", err
		}
		slog.Debug("[TOOLRUN] turn", "step", step+1, "backend", backendName, "output", firstN(raw, 200))

		turn := ParseTurn(raw)
		switch turn.Kind {
		case TurnFinal, TurnProse:
			return turn.Final, nil

		case TurnUnclear:
			dialog = append(dialog,
				backend.Message{Role: "assistant", Content: backend.StripThink(raw)},
				backend.Message{Role: "user", Content: "Observation: your last turn contained no usable marker. Emit exactly one of:\nAction: {\"name\": ..., \"arguments\": {...}}\nFinal Answer: <text>"},
			)
			continue

		case TurnAction:
			call := turn.Call
			dialog = append(dialog, backend.Message{Role: "assistant", Content: backend.StripThink(raw)})

			if !allowed[call.Name] {
				slog.Info("[TOOLRUN] denied tool outside allow-list", "tool", call.Name)
				dialog = append(dialog, backend.Message{Role: "user", Content: fmt.Sprintf(
					"Observation from %s: DENIED — this tool is not permitted for this task. Permitted tools: %s.",
					call.Name, strings.Join(sortedNames(allowed), ", "))})
				continue
			}

			sig := callSignature(call)
			if sig == lastSig {
				slog.Info("[TOOLRUN] duplicate call blocked", "tool", call.Name)
				dialog = append(dialog, backend.Message{Role: "user", Content: fmt.Sprintf(
					"Observation from %s: DUPLICATE CALL BLOCKED — you already made this exact call and repeating it returns identical results. Either emit the Final Answer using what you have, or make a genuinely different call.",
					call.Name)})
				continue
			}
			lastSig = sig

			obs, execErr := r.invoke(ctx, call)
			if cfg.OnTool != nil {
				errMsg := ""
				if execErr != nil {
					errMsg = execErr.Error()
				}
				cfg.OnTool(call.Name, encodeArgs(call), obs, errMsg)
			}
			if execErr != nil {
				failures[call.Name]++
				if failures[call.Name] >= toolFailureLimit {
					return "", &ToolError{Tool: call.Name, Cause: execErr}
				}
				dialog = append(dialog, backend.Message{Role: "user", Content: fmt.Sprintf(
					"Observation from %s: ERROR: %v", call.Name, execErr)})
				continue
			}
			metrics.ToolCall()
			dialog = append(dialog, backend.Message{Role: "user", Content: fmt.Sprintf(
				"Observation from %s:\n%s", call.Name, headTail(obs, observationCeiling))})
		}
	}
	return "", ErrExhausted
}

// turn issues one model call, streaming through the scratch-pad filter when
// a chunk sink is configured.
func (r *Runner) turn(ctx context.Context, system string, dialog []backend.Message, cfg Config) (string, string, error) {
	req := backend.Request{
		System:  system,
		History: dialog[:len(dialog)-1],
		User:    dialog[len(dialog)-1].Content,
	}
	if cfg.OnChunk == nil {
		return r.gen.Generate(ctx, req)
	}

	var buf strings.Builder
	var filter backend.ThinkFilter
	var activeBackend string
	stream, backendName, err := r.gen.StreamWith(ctx, req, backend.StreamOpts{
		OnFallback: func(name string) {
			// Prior chunks are void; restart the visible turn.
			buf.Reset()
			filter = backend.ThinkFilter{}
			activeBackend = name
			if cfg.OnFallback != nil {
				cfg.OnFallback(name)
			}
		},
	})
	if err != nil {
		return "", backendName, err
	}
	if activeBackend == "" {
		activeBackend = backendName
	}
	defer stream.Close()
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", activeBackend, err
		}
		buf.WriteString(chunk)
		if visible := filter.Feed(chunk); visible != "" {
			cfg.OnChunk(visible)
		}
	}
	if tail := filter.Flush(); tail != "" {
		cfg.OnChunk(tail)
	}
	return buf.String(), activeBackend, nil
}

// invoke validates arguments and runs the executor under its timeout.
func (r *Runner) invoke(ctx context.Context, call *Call) (string, error) {
	d := r.reg.Lookup(call.Name)
	if d == nil {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	if err := d.ValidateArgs(call.Arguments); err != nil {
		return "", err
	}
	tctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	return d.Exec(tctx, call.Arguments)
}

// systemPrompt composes the preamble, tool catalog, and marker protocol.
func (r *Runner) systemPrompt(cfg Config) string {
	var sb strings.Builder
	sb.WriteString(cfg.Preamble)
	sb.WriteString("\n\nYou can use these tools:\n")
	sb.WriteString(r.reg.Describe(cfg.Allow))
	sb.WriteString(`
Protocol — emit exactly ONE of the following per turn:
Action: {"name": "<tool>", "arguments": {<parameters>}}
Final Answer: <your complete answer>

Rules:
- One tool call per turn; wait for the observation before the next.
- When the observations satisfy the objective, emit the Final Answer immediately.
- Never emit <think> regions in your output.`)
	return sb.String()
}

// encodeArgs canonicalizes a call's arguments as JSON.
func encodeArgs(c *Call) string {
	args, _ := json.Marshal(c.Arguments)
	return string(args)
}

// callSignature canonicalizes a call for the duplicate guard.
func callSignature(c *Call) string {
	return c.Name + ":" + encodeArgs(c)
}

func sortedNames(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// headTail keeps the head and tail of long output so the model sees both
// the leading context and the trailing result or error.
func headTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	head := maxLen / 3
	tail := maxLen - head
	return s[:head] + "\n...[middle truncated]...\n" + s[len(s)-tail:]
}
