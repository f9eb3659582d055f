// Package fault classifies errors into the runtime's five-kind taxonomy and
// renders the operator-facing failure view. Recovery happens at the lowest
// layer that can handle a kind (backend pool for transport, planner for
// validation, tool runner for tool errors); everything that reaches the
// operator goes through Render.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/selfai-sh/selfai/internal/backend"
	"github.com/selfai-sh/selfai/internal/plan"
	"github.com/selfai-sh/selfai/internal/planner"
	"github.com/selfai-sh/selfai/internal/toolrun"
)

// Kind is the error class used for recovery and operator hints.
type Kind string

const (
	// Transport covers network errors, timeouts, and non-zero process exits.
	Transport Kind = "transport"
	// Malformed covers unparseable model output.
	Malformed Kind = "malformed-output"
	// Validation covers plan invariant violations.
	Validation Kind = "validation"
	// Policy covers backend refusals and quota errors; never retried.
	Policy Kind = "policy"
	// Fatal covers missing agents, missing config, and store write failures.
	Fatal Kind = "fatal"
)

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted cause.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classified kind of err. It recognizes the runtime's
// sentinel errors so failures classify correctly without every emit site
// wrapping in a *Error; unclassified errors default to Fatal so they abort
// rather than retry.
//
// Expectations:
//   - Returns the Kind carried by a wrapped *Error anywhere in the chain
//   - Classifies backend.ErrPolicy as Policy
//   - Classifies backend.ErrNoBackends, planner.ErrUnavailable,
//     planner.ErrTimeout, and context deadline/cancellation as Transport
//   - Classifies planner.ErrInvalidOutput and toolrun.ErrExhausted as Malformed
//   - Classifies *plan.ValidationError as Validation
//   - Defaults to Fatal for plain errors
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ve *plan.ValidationError
	switch {
	case errors.Is(err, backend.ErrPolicy):
		return Policy
	case errors.Is(err, backend.ErrNoBackends),
		errors.Is(err, planner.ErrUnavailable),
		errors.Is(err, planner.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Transport
	case errors.Is(err, planner.ErrInvalidOutput),
		errors.Is(err, toolrun.ErrExhausted):
		return Malformed
	case errors.As(err, &ve):
		return Validation
	}
	return Fatal
}

// hints maps each kind to the one-line operator hint.
var hints = map[Kind]string{
	Transport:  "retry later — the backend or network was unreachable",
	Malformed:  "retry — the model produced unparseable output",
	Validation: "revise the goal — the planner could not produce a valid decomposition",
	Policy:     "the backend refused this request; rephrase or switch backends",
	Fatal:      "check the runtime configuration (agents, memory root, plan store)",
}

// Hint returns the operator hint for kind.
func Hint(kind Kind) string {
	if h, ok := hints[kind]; ok {
		return h
	}
	return hints[Fatal]
}

// Cause extracts the lowest-level cause message from err, trimmed to a single
// line.
//
// Expectations:
//   - Follows single-cause wrap chains to the leaf error
//   - Follows multi-cause wraps (fmt.Errorf with several %w verbs) down the
//     last branch, the underlying failure in the "sentinel: cause" convention
//   - Keeps only the first line of a multi-line message
func Cause(err error) string {
	msg := strings.TrimSpace(deepest(err).Error())
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return msg
}

// deepest walks the wrap chain to its leaf.
func deepest(err error) error {
	for {
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return err
			}
			err = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return err
			}
			err = next
		default:
			return err
		}
	}
}

// Render produces the operator-facing failure text: error kind, a one-
// paragraph cause, and a hint. The full chain is appended only in debug mode.
func Render(subtaskID string, err error, debug bool) string {
	kind := KindOf(err)
	var sb strings.Builder
	if subtaskID != "" {
		fmt.Fprintf(&sb, "subtask %s failed (%s)\n", subtaskID, kind)
	} else {
		fmt.Fprintf(&sb, "run failed (%s)\n", kind)
	}
	fmt.Fprintf(&sb, "  cause: %s\n", Cause(err))
	fmt.Fprintf(&sb, "  hint:  %s\n", Hint(kind))
	if debug {
		fmt.Fprintf(&sb, "  chain: %v\n", err)
	}
	return sb.String()
}
