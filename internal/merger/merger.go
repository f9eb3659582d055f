// Package merger synthesizes the final answer from completed subtask outputs.
// The primary path prompts a backend with identifier-ordered excerpts; when no
// backend is reachable the caller falls back to FallbackSummary, a pure
// function of the inputs.
package merger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/selfai-sh/selfai/internal/backend"
)

const (
	// DefaultTimeout bounds one merge call.
	DefaultTimeout = 180 * time.Second
	// excerptCeiling caps each subtask excerpt shown to the merging model.
	excerptCeiling = 2000
	// fallbackExcerpt caps each excerpt in the deterministic summary.
	fallbackExcerpt = 500
)

// ErrUnavailable means every merge backend was unreachable. Callers degrade
// to FallbackSummary.
var ErrUnavailable = errors.New("merger: provider unavailable")

// Item is one completed subtask output to merge.
type Item struct {
	ID     string
	Title  string
	Output string
}

// Input is everything a merge needs. Items may arrive in any order; the
// merger composes them by ascending identifier.
type Input struct {
	Goal     string
	Strategy string
	Items    []Item
	// MaxTokens is the merge-call token budget.
	MaxTokens int
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

const systemPrompt = `You merge the outputs of parallel subtasks into ONE final answer for the user.

Rules:
- Follow the merge strategy given below.
- Answer the original GOAL directly; do not describe the subtasks or the merge process.
- Do not mention that multiple agents or subtasks were involved.
- No <think> regions, no meta-commentary, no preamble. Output the final answer only.`

// Merger merges via a backend pool.
type Merger struct {
	pool *backend.Pool
}

// New creates a Merger.
func New(pool *backend.Pool) *Merger {
	return &Merger{pool: pool}
}

// Merge prompts the pool with identifier-ordered excerpts and returns the
// cleaned answer plus the backend that produced it.
//
// Expectations:
//   - Excerpts appear in ascending identifier order regardless of input order
//   - Each excerpt is capped at the ceiling
//   - Residual scratch-pad regions are stripped from the answer
//   - An unreachable provider returns ErrUnavailable; policy errors surface as-is
func (m *Merger) Merge(ctx context.Context, in Input) (string, string, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, provider, err := m.pool.Generate(ctx, backend.Request{
		System:    systemPrompt,
		User:      userPrompt(in),
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, backend.ErrPolicy) {
			return "", provider, err
		}
		return "", "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return backend.StripThink(raw), provider, nil
}

func userPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString("GOAL: " + in.Goal + "\n")
	if in.Strategy != "" {
		sb.WriteString("Merge strategy: " + in.Strategy + "\n")
	}
	sb.WriteString("\nSubtask outputs:\n")
	for _, it := range ordered(in.Items) {
		sb.WriteString(fmt.Sprintf("\n[%s] %s\n%s\n", it.ID, it.Title, clip(it.Output, excerptCeiling)))
	}
	return sb.String()
}

// FallbackSummary composes the degraded answer used when no merge backend is
// reachable. It is a pure function of its input: same input, same bytes.
//
// Expectations:
//   - Byte-identical across calls with equal input
//   - Excerpts ordered by ascending identifier, each capped at 500 chars
//   - Scratch-pad regions never appear in the summary
func FallbackSummary(in Input) string {
	var sb strings.Builder
	sb.WriteString("## " + in.Goal + "\n")
	for _, it := range ordered(in.Items) {
		sb.WriteString("\n### " + it.ID + ": " + it.Title + "\n")
		sb.WriteString(clip(backend.StripThink(it.Output), fallbackExcerpt) + "\n")
	}
	return sb.String()
}

// ordered returns a copy of items sorted by ascending identifier.
func ordered(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// clip truncates s to at most n bytes, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
