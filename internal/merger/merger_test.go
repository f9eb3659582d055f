package merger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/selfai-sh/selfai/internal/backend"
)

// promptAdapter records the prompt it was asked to complete.
type promptAdapter struct {
	text string
	err  error
	seen backend.Request
}

func (a *promptAdapter) Name() string  { return "canned" }
func (a *promptAdapter) Label() string { return "Canned" }

func (a *promptAdapter) Generate(_ context.Context, req backend.Request) (string, backend.Usage, error) {
	a.seen = req
	return a.text, backend.Usage{}, a.err
}

func (a *promptAdapter) Stream(_ context.Context, _ backend.Request) (backend.Stream, error) {
	return nil, errors.New("canned: streaming not supported")
}

func sampleInput() Input {
	return Input{
		Goal:     "compare the two approaches",
		Strategy: "contrast, then recommend",
		Items: []Item{
			{ID: "t2", Title: "Approach B", Output: "B is simpler."},
			{ID: "t1", Title: "Approach A", Output: "A is faster."},
		},
	}
}

func TestMerge_ExcerptsInIdentifierOrder(t *testing.T) {
	// Prompt lists excerpts by ascending id even when items arrive unordered
	a := &promptAdapter{text: "final"}
	m := New(backend.NewPool(a))
	if _, _, err := m.Merge(context.Background(), sampleInput()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	i1 := strings.Index(a.seen.User, "[t1]")
	i2 := strings.Index(a.seen.User, "[t2]")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("expected t1 before t2 in prompt, got indexes %d, %d", i1, i2)
	}
	if !strings.Contains(a.seen.User, "contrast, then recommend") {
		t.Error("strategy line missing from prompt")
	}
}

func TestMerge_LongOutputExcerptCapped(t *testing.T) {
	// A very long subtask output is clipped before prompting
	in := sampleInput()
	in.Items[0].Output = strings.Repeat("x", 5000)
	a := &promptAdapter{text: "final"}
	m := New(backend.NewPool(a))
	if _, _, err := m.Merge(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(a.seen.User, strings.Repeat("x", excerptCeiling+1)) {
		t.Error("excerpt exceeds ceiling")
	}
	if !strings.Contains(a.seen.User, "[truncated]") {
		t.Error("expected truncation marker")
	}
}

func TestMerge_StripsResidualScratchPad(t *testing.T) {
	// A think region in the merge answer is removed
	a := &promptAdapter{text: "<think>draft</think>the answer"}
	m := New(backend.NewPool(a))
	got, provider, err := m.Merge(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "the answer" {
		t.Errorf("got %q, want %q", got, "the answer")
	}
	if provider != "canned" {
		t.Errorf("provider = %q, want canned", provider)
	}
}

func TestMerge_ProviderFailureReturnsUnavailable(t *testing.T) {
	// When every backend fails the merger surfaces ErrUnavailable
	m := New(backend.NewPool(&promptAdapter{err: errors.New("connection refused")}))
	_, _, err := m.Merge(context.Background(), sampleInput())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMerge_PolicyRefusalSurfaces(t *testing.T) {
	// A policy refusal propagates as-is, not as ErrUnavailable
	m := New(backend.NewPool(&promptAdapter{err: backend.ErrPolicy}))
	_, _, err := m.Merge(context.Background(), sampleInput())
	if !errors.Is(err, backend.ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
}

func TestFallbackSummary_ByteStable(t *testing.T) {
	// Equal inputs produce byte-identical summaries
	in := sampleInput()
	if FallbackSummary(in) != FallbackSummary(in) {
		t.Fatal("fallback summary not deterministic")
	}
}

func TestFallbackSummary_OrderAndShape(t *testing.T) {
	// Summary holds the goal plus id/title sections in ascending id order
	got := FallbackSummary(sampleInput())
	if !strings.HasPrefix(got, "## compare the two approaches\n") {
		t.Errorf("summary missing goal heading: %q", got)
	}
	i1 := strings.Index(got, "### t1: Approach A")
	i2 := strings.Index(got, "### t2: Approach B")
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("expected t1 section before t2, got indexes %d, %d", i1, i2)
	}
}

func TestFallbackSummary_ExcerptCapAndScratchPad(t *testing.T) {
	// Excerpts are capped at 500 chars and never show think regions
	in := sampleInput()
	in.Items[0].Output = "<think>hidden</think>" + strings.Repeat("y", 900)
	got := FallbackSummary(in)
	if strings.Contains(got, "hidden") {
		t.Error("scratch-pad leaked into summary")
	}
	if strings.Contains(got, strings.Repeat("y", fallbackExcerpt+1)) {
		t.Error("excerpt exceeds 500-char cap")
	}
}
