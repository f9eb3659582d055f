// Package sink defines the multi-pane output contract the dispatcher writes
// to while subtasks run concurrently, plus a console implementation. A pane
// exists per subtask; chunks accumulate while a wave runs and panes are
// rendered in ascending identifier order when the wave ends, so interleaved
// goroutine output never interleaves on screen.
package sink

import (
	"sort"
	"sync"

	"github.com/selfai-sh/selfai/internal/plan"
)

// Sink is the multi-pane output surface.
type Sink interface {
	// Open creates the pane for a subtask before it starts running.
	Open(id, title string)
	// Chunk appends streamed text to a pane.
	Chunk(id, text string)
	// Void discards everything the pane has accumulated. Called when a
	// backend fallback restarts a stream from the beginning.
	Void(id string)
	// Status records a lifecycle transition for a pane.
	Status(id string, s plan.Status)
	// Flush renders the named panes in ascending identifier order and
	// releases them. Called once per wave.
	Flush(ids []string)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Open(string, string)        {}
func (Discard) Chunk(string, string)       {}
func (Discard) Void(string)                {}
func (Discard) Status(string, plan.Status) {}
func (Discard) Flush([]string)             {}

// pane is one subtask's accumulated state.
type pane struct {
	title  string
	text   []byte
	status plan.Status
	voids  int
}

// Buffer is an in-memory Sink. The REPL uses it for one-shot mode and tests
// use it to assert rendering order.
type Buffer struct {
	mu      sync.Mutex
	panes   map[string]*pane
	Flushed [][]string // ids per Flush call, in render order
}

// NewBuffer creates an empty Buffer sink.
func NewBuffer() *Buffer {
	return &Buffer{panes: make(map[string]*pane)}
}

func (b *Buffer) Open(id, title string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panes[id] = &pane{title: title, status: plan.StatusPending}
}

func (b *Buffer) Chunk(id, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		p.text = append(p.text, text...)
	}
}

func (b *Buffer) Void(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		p.text = p.text[:0]
		p.voids++
	}
}

func (b *Buffer) Status(id string, s plan.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		p.status = s
	}
}

func (b *Buffer) Flush(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)
	b.Flushed = append(b.Flushed, ordered)
}

// Text returns a pane's accumulated text.
func (b *Buffer) Text(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		return string(p.text)
	}
	return ""
}

// StatusOf returns a pane's current status.
func (b *Buffer) StatusOf(id string) plan.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		return p.status
	}
	return ""
}

// Voids returns how many times a pane was voided.
func (b *Buffer) Voids(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.panes[id]; p != nil {
		return p.voids
	}
	return 0
}
