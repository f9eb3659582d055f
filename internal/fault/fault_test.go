package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/plan"
	"github.com/selfai-sh/selfai/internal/planner"
	"github.com/selfai-sh/selfai/internal/toolrun"
)

func TestKindOf_RuntimeSentinels(t *testing.T) {
	// Each runtime sentinel classifies to its taxonomy kind, through wrapping
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"pool exhausted", fmt.Errorf("%w: %w", backend.ErrNoBackends,
			errors.New("backend local: HTTP 500: upstream timeout")), Transport},
		{"policy refusal", fmt.Errorf("backend cloud: %w: content filter", backend.ErrPolicy), Policy},
		{"planner unreachable", fmt.Errorf("%w: all backends failed", planner.ErrUnavailable), Transport},
		{"planner deadline", fmt.Errorf("%w: context deadline exceeded", planner.ErrTimeout), Transport},
		{"planner blank output", fmt.Errorf("%w: empty response from local", planner.ErrInvalidOutput), Malformed},
		{"tool loop exhausted", fmt.Errorf("subtask t1: %w", toolrun.ErrExhausted), Malformed},
		{"invalid graph", fmt.Errorf("planner: %w", &plan.ValidationError{Reasons: []string{"dependency cycle"}}), Validation},
		{"context deadline", context.DeadlineExceeded, Transport},
		{"context cancel", fmt.Errorf("dispatch: %w", context.Canceled), Transport},
		{"plain error", errors.New("unknown agent \"ghost\""), Fatal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: kind = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestKindOf_WrappedErrorKindWins(t *testing.T) {
	// A *Error anywhere in the chain carries its kind over sentinel matching
	err := fmt.Errorf("outer: %w", Wrap(Policy, "merger", errors.New("quota")))
	if got := KindOf(err); got != Policy {
		t.Errorf("kind = %s, want %s", got, Policy)
	}
}

func TestCause_MultiWrapChainsReachTheLeaf(t *testing.T) {
	// The pool's "sentinel: cause" multi-wrap resolves to the transport leaf,
	// not the whole chain
	inner := errors.New("dial tcp 127.0.0.1:9999: connection refused")
	last := fmt.Errorf("backend local: http request: %w", inner)
	err := fmt.Errorf("%w: %w", backend.ErrNoBackends, last)
	if got := Cause(err); got != inner.Error() {
		t.Errorf("cause = %q, want %q", got, inner.Error())
	}
}

func TestCause_FirstLineOnly(t *testing.T) {
	// Multi-line leaf messages are trimmed to their first line
	err := errors.New("line one\nline two")
	if got := Cause(err); got != "line one" {
		t.Errorf("cause = %q, want %q", got, "line one")
	}
}

func TestRender_TransportFailureShowsRetryHint(t *testing.T) {
	// An all-backends-down failure renders kind transport with the retry hint
	err := fmt.Errorf("%w: %w", backend.ErrNoBackends,
		errors.New("backend local: HTTP 500: upstream timeout"))
	out := Render("", err, false)
	if !strings.Contains(out, "run failed (transport)") {
		t.Errorf("missing transport kind:\n%s", out)
	}
	if !strings.Contains(out, "retry later") {
		t.Errorf("missing transport hint:\n%s", out)
	}
	if !strings.Contains(out, "backend local: HTTP 500: upstream timeout") {
		t.Errorf("missing leaf cause:\n%s", out)
	}
	if strings.Contains(out, "chain:") {
		t.Errorf("chain shown outside debug mode:\n%s", out)
	}
}

func TestRender_SubtaskPrefixAndDebugChain(t *testing.T) {
	// Subtask failures name the subtask; debug mode appends the full chain
	err := Wrap(Fatal, "dispatch", errors.New("unknown agent \"ghost\""))
	out := Render("t2", err, true)
	if !strings.Contains(out, "subtask t2 failed (fatal)") {
		t.Errorf("missing subtask line:\n%s", out)
	}
	if !strings.Contains(out, "chain:") {
		t.Errorf("missing debug chain:\n%s", out)
	}
}
