package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

// stubAdapter scripts per-call behavior for pool tests.
type stubAdapter struct {
	name   string
	text   string
	err    error
	stream func() Stream
}

func (a *stubAdapter) Name() string  { return a.name }
func (a *stubAdapter) Label() string { return a.name }

func (a *stubAdapter) Generate(_ context.Context, _ Request) (string, Usage, error) {
	if a.err != nil {
		return "", Usage{}, a.err
	}
	return a.text, Usage{}, nil
}

func (a *stubAdapter) Stream(_ context.Context, _ Request) (Stream, error) {
	if a.stream == nil {
		if a.err != nil {
			return nil, a.err
		}
		return &sliceStream{chunks: []string{a.text}}, nil
	}
	return a.stream(), nil
}

// sliceStream replays chunks, then failAfter (if set), then io.EOF.
type sliceStream struct {
	chunks    []string
	failAfter error
	pos       int
	closed    bool
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.failAfter != nil {
		return "", s.failAfter
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error { s.closed = true; return nil }

func TestPoolGenerate_FirstBackendWins(t *testing.T) {
	// Returns the first backend's output when it succeeds
	p := NewPool(
		&stubAdapter{name: "a", text: "from-a"},
		&stubAdapter{name: "b", text: "from-b"},
	)
	text, backend, err := p.Generate(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "from-a" || backend != "a" {
		t.Errorf("got (%q, %q), want (from-a, a)", text, backend)
	}
}

func TestPoolGenerate_FallsBackOnTransportError(t *testing.T) {
	// Falls back to the next backend on a transport-class error
	p := NewPool(
		&stubAdapter{name: "a", err: errors.New("connection refused")},
		&stubAdapter{name: "b", text: "from-b"},
	)
	text, backend, err := p.Generate(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "from-b" || backend != "b" {
		t.Errorf("got (%q, %q), want (from-b, b)", text, backend)
	}
}

func TestPoolGenerate_PolicyErrorDoesNotFallBack(t *testing.T) {
	// Policy errors surface immediately; later backends are never tried
	p := NewPool(
		&stubAdapter{name: "a", err: fmt.Errorf("backend a: %w: refused", ErrPolicy)},
		&stubAdapter{name: "b", text: "from-b"},
	)
	_, backend, err := p.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
	if backend != "a" {
		t.Errorf("expected refusing backend name a, got %q", backend)
	}
}

func TestPoolGenerate_AllFailReturnsErrNoBackends(t *testing.T) {
	// Returns ErrNoBackends wrapping the last cause when every backend fails
	p := NewPool(
		&stubAdapter{name: "a", err: errors.New("timeout")},
		&stubAdapter{name: "b", err: errors.New("http 500")},
	)
	_, _, err := p.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestPoolGenerate_EmptyPool(t *testing.T) {
	// An empty pool returns ErrNoBackends without calling anything
	p := NewPool()
	_, _, err := p.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestPoolGenerate_FallbackEquivalence(t *testing.T) {
	// If backend #k succeeds, output equals what a pool of backends k..n
	// would have produced
	failing := &stubAdapter{name: "a", err: errors.New("down")}
	working := &stubAdapter{name: "b", text: "answer"}

	full := NewPool(failing, working)
	suffix := NewPool(working)

	gotFull, _, err1 := full.Generate(context.Background(), Request{User: "q"})
	gotSuffix, _, err2 := suffix.Generate(context.Background(), Request{User: "q"})
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if gotFull != gotSuffix {
		t.Errorf("full pool got %q, suffix pool got %q", gotFull, gotSuffix)
	}
}

func TestPoolStream_FirstBackendStreamsToEOF(t *testing.T) {
	// Yields the first backend's chunks when it streams to EOF
	p := NewPool(&stubAdapter{name: "a", stream: func() Stream {
		return &sliceStream{chunks: []string{"hel", "lo"}}
	}})
	s, backend, err := p.Stream(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend != "a" {
		t.Errorf("expected backend a, got %q", backend)
	}
	got, err := Collect(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestPoolStream_MidStreamFailureRestartsNextBackend(t *testing.T) {
	// On a mid-stream error, discards and restarts with the next backend,
	// invoking OnFallback with the new backend's name
	p := NewPool(
		&stubAdapter{name: "a", stream: func() Stream {
			return &sliceStream{chunks: []string{"part"}, failAfter: errors.New("reset by peer")}
		}},
		&stubAdapter{name: "b", stream: func() Stream {
			return &sliceStream{chunks: []string{"full answer"}}
		}},
	)
	var fallbacks []string
	s, _, err := p.StreamWith(context.Background(), Request{User: "hi"}, StreamOpts{
		OnFallback: func(name string) { fallbacks = append(fallbacks, name) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []string
	seenFallbacks := 0
	for {
		c, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(fallbacks) > seenFallbacks {
			// Fallback voids earlier chunks.
			seenFallbacks = len(fallbacks)
			chunks = chunks[:0]
		}
		chunks = append(chunks, c)
	}
	if len(fallbacks) != 1 || fallbacks[0] != "b" {
		t.Fatalf("expected one fallback to b, got %v", fallbacks)
	}
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	if joined != "full answer" {
		t.Errorf("got %q, want %q", joined, "full answer")
	}
}

func TestPoolStream_PolicyErrorNoFallback(t *testing.T) {
	// Surfaces policy errors without fallback
	p := NewPool(
		&stubAdapter{name: "a", err: fmt.Errorf("backend a: %w", ErrPolicy)},
		&stubAdapter{name: "b", text: "unused"},
	)
	_, backend, err := p.Stream(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
	if backend != "a" {
		t.Errorf("expected backend a, got %q", backend)
	}
}

func TestPoolStream_AllBackendsFail(t *testing.T) {
	// Returns ErrNoBackends when every backend fails mid-stream
	p := NewPool(
		&stubAdapter{name: "a", stream: func() Stream {
			return &sliceStream{failAfter: errors.New("broken pipe")}
		}},
		&stubAdapter{name: "b", err: errors.New("connect refused")},
	)
	s, _, err := p.Stream(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	_, err = Collect(s)
	if !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestPoolNames_PriorityOrder(t *testing.T) {
	// Names returns backend names in the configured priority order
	p := NewPool(&stubAdapter{name: "claude"}, &stubAdapter{name: "local"})
	names := p.Names()
	if len(names) != 2 || names[0] != "claude" || names[1] != "local" {
		t.Errorf("got %v, want [claude local]", names)
	}
}
