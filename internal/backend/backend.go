// Package backend defines the inference adapter contract and the prioritized
// pool that routes generate/stream calls across heterogeneous backends with
// automatic fallback. Adapters are free to speak HTTP/SSE, a vendor SDK, or
// fork-exec a CLI; the pool never inspects the transport.
package backend

import (
	"context"
	"errors"
)

// Message is one role-tagged prior turn.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Request is the uniform input every adapter accepts.
type Request struct {
	System    string
	History   []Message
	User      string
	MaxTokens int
	// RoutingSlug is the opaque per-agent routing value. The HTTP adapter
	// sends it as the wire-level "user" field so OpenAI-compatible servers
	// can route or attribute by agent; other adapters ignore it.
	RoutingSlug string
}

// Usage reports token consumption for one call. Adapters that cannot
// measure usage return zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// UsageReporter is implemented by streams whose transport surfaces token
// usage before end-of-stream. Callers type-assert after draining; streams
// that never learned usage report zeros.
type UsageReporter interface {
	Usage() Usage
}

// Stream is a lazy finite sequence of non-empty text chunks. Recv returns
// io.EOF at end-of-stream. Partial tokens across chunks are permitted; the
// consumer joins them. Close releases the underlying transport and is safe
// to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Adapter is the two-method inference interface plus identity. The set of
// adapter shapes is closed and known at build time; registering one is an
// explicit call, not an import side-effect.
type Adapter interface {
	// Name is the stable backend name used in plans and logs.
	Name() string
	// Label is the human label shown next to output.
	Label() string
	Generate(ctx context.Context, req Request) (string, Usage, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ErrPolicy marks an explicit policy refusal (content refusal, quota).
// Policy errors are surfaced to the caller and never trigger fallback.
var ErrPolicy = errors.New("backend: policy refusal")

// ErrNoBackends is returned by pool calls when every backend failed.
var ErrNoBackends = errors.New("backend: all backends failed")
