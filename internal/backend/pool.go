package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/selfai-sh/selfai/internal/metrics"
)

// Pool is the ordered set of inference backends. Priority order is fixed for
// the process lifetime; every call walks the order and falls back on
// transport-class failures. Policy refusals surface immediately.
type Pool struct {
	adapters []Adapter
}

// NewPool creates a pool over adapters in priority order.
func NewPool(adapters ...Adapter) *Pool {
	return &Pool{adapters: adapters}
}

// Names returns the backend names in priority order.
func (p *Pool) Names() []string {
	out := make([]string, len(p.adapters))
	for i, a := range p.adapters {
		out[i] = a.Name()
	}
	return out
}

// Len returns the number of configured backends.
func (p *Pool) Len() int { return len(p.adapters) }

// Generate tries each backend in priority order and returns the first
// successful text along with the name of the backend that produced it.
//
// Expectations:
//   - Returns the first backend's output when it succeeds
//   - Falls back to the next backend on transport/HTTP/timeout/malformed errors
//   - Does not fall back on policy errors; they surface to the caller
//   - Returns ErrNoBackends wrapping the last cause when every backend fails
//   - If backend #k succeeds, output equals what a pool of backends k..n
//     would have produced (fallback correctness)
func (p *Pool) Generate(ctx context.Context, req Request) (string, string, error) {
	if len(p.adapters) == 0 {
		return "", "", ErrNoBackends
	}
	var lastErr error
	for i, a := range p.adapters {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		text, usage, err := a.Generate(ctx, req)
		if err == nil {
			metrics.LLMCall(usage.PromptTokens, usage.CompletionTokens)
			return text, a.Name(), nil
		}
		if errors.Is(err, ErrPolicy) {
			return "", a.Name(), err
		}
		lastErr = err
		slog.Warn("[POOL] backend failed, falling back", "backend", a.Name(), "error", err)
		if i < len(p.adapters)-1 {
			metrics.BackendFallback()
		}
	}
	return "", "", fmt.Errorf("%w: %w", ErrNoBackends, lastErr)
}

// StreamOpts tunes pool streaming behavior.
type StreamOpts struct {
	// OnFallback is invoked when a mid-stream error discards the stream and
	// the pool restarts with the named backend. The consumer must treat all
	// previously received chunks as void.
	OnFallback func(backend string)
}

// Stream opens a chunk stream with fallback semantics: on any error before
// or during streaming, the entire stream so far is discarded and the next
// backend starts from the beginning.
func (p *Pool) Stream(ctx context.Context, req Request) (Stream, string, error) {
	return p.StreamWith(ctx, req, StreamOpts{})
}

// StreamWith is Stream with explicit options.
//
// Expectations:
//   - Yields the first backend's chunks when it streams to EOF
//   - On a mid-stream error, discards and restarts with the next backend,
//     invoking OnFallback with the new backend's name
//   - Surfaces policy errors without fallback
//   - Returns ErrNoBackends when every backend fails before yielding EOF
func (p *Pool) StreamWith(ctx context.Context, req Request, opts StreamOpts) (Stream, string, error) {
	if len(p.adapters) == 0 {
		return nil, "", ErrNoBackends
	}
	var lastErr error
	for i := 0; i < len(p.adapters); i++ {
		a := p.adapters[i]
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		s, err := a.Stream(ctx, req)
		if err == nil {
			return &pooledStream{
				pool: p, ctx: ctx, req: req, opts: opts,
				cur: s, idx: i,
			}, a.Name(), nil
		}
		if errors.Is(err, ErrPolicy) {
			return nil, a.Name(), err
		}
		lastErr = err
		slog.Warn("[POOL] stream open failed, falling back", "backend", a.Name(), "error", err)
		if i < len(p.adapters)-1 {
			metrics.BackendFallback()
		}
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoBackends, lastErr)
}

// pooledStream wraps the active adapter stream and restarts on mid-stream
// failure. After a restart, chunks replay from the new backend's beginning;
// OnFallback tells the consumer to clear what it has rendered.
type pooledStream struct {
	pool *Pool
	ctx  context.Context
	req  Request
	opts StreamOpts

	cur Stream
	idx int
}

// Backend returns the name of the adapter currently streaming.
func (s *pooledStream) Backend() string { return s.pool.adapters[s.idx].Name() }

// Usage reports usage from the active underlying stream when its transport
// surfaced any; zeros otherwise.
func (s *pooledStream) Usage() Usage {
	if ur, ok := s.cur.(UsageReporter); ok {
		return ur.Usage()
	}
	return Usage{}
}

func (s *pooledStream) Recv() (string, error) {
	for {
		chunk, err := s.cur.Recv()
		if err == nil {
			return chunk, nil
		}
		if err == io.EOF {
			return "", io.EOF
		}
		if errors.Is(err, ErrPolicy) || s.ctx.Err() != nil {
			return "", err
		}
		_ = s.cur.Close()
		next, nerr := s.advance(err)
		if nerr != nil {
			return "", nerr
		}
		s.cur = next
	}
}

// advance opens the next backend's stream from the start, skipping backends
// that fail to open.
func (s *pooledStream) advance(cause error) (Stream, error) {
	lastErr := cause
	for s.idx++; s.idx < len(s.pool.adapters); s.idx++ {
		a := s.pool.adapters[s.idx]
		metrics.BackendFallback()
		slog.Warn("[POOL] mid-stream failure, restarting on next backend",
			"backend", a.Name(), "cause", lastErr)
		next, err := a.Stream(s.ctx, s.req)
		if err == nil {
			if s.opts.OnFallback != nil {
				s.opts.OnFallback(a.Name())
			}
			return next, nil
		}
		if errors.Is(err, ErrPolicy) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBackends, lastErr)
}

func (s *pooledStream) Close() error {
	if s.cur != nil {
		return s.cur.Close()
	}
	return nil
}

// Collect drains a stream to a single string, joining partial tokens.
// The stream is closed before returning.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var sb []byte
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return string(sb), nil
		}
		if err != nil {
			return "", err
		}
		sb = append(sb, chunk...)
	}
}
