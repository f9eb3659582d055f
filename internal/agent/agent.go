// Package agent holds the immutable agent records loaded at startup and the
// process-wide active-agent pointer. The registry is write-once: after Freeze()
// it is read-only and safe for lock-free concurrent reads.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Agent is an immutable record loaded at startup.
type Agent struct {
	// Key is the stable identifier used by plans and memory records.
	Key string
	// Name is the human display name written into memory record headers.
	Name string
	// Preamble is the system instruction text prepended to every prompt
	// executed on behalf of this agent.
	Preamble string
	// Categories is the ordered list of memory-category tags this agent
	// reads from and writes to.
	Categories []string
	// RoutingSlug is an opaque value consumed by one specific backend
	// adapter; the core never interprets it.
	RoutingSlug string
	// Blurb is a one-line description surfaced to the planner.
	Blurb string
}

// Registry maps agent keys to records. Register is only legal before Freeze;
// after Freeze the registry is immutable and reads take no lock.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	agents map[string]*Agent
	order  []string
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds an agent record. Returns an error on a duplicate key, an
// empty key, or a registry that has already been frozen.
//
// Expectations:
//   - Rejects empty keys
//   - Rejects duplicate keys
//   - Rejects registration after Freeze
//   - Preserves registration order for Keys()
func (r *Registry) Register(a Agent) error {
	if strings.TrimSpace(a.Key) == "" {
		return fmt.Errorf("agent: register: empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("agent: register %q: registry is frozen", a.Key)
	}
	if _, ok := r.agents[a.Key]; ok {
		return fmt.Errorf("agent: register %q: duplicate key", a.Key)
	}
	cp := a
	r.agents[a.Key] = &cp
	r.order = append(r.order, a.Key)
	return nil
}

// Freeze marks the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the agent for key, or nil when unknown.
func (r *Registry) Lookup(key string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[key]
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	return r.Lookup(key) != nil
}

// Keys returns agent keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe renders "key — blurb" lines for the planner context, one agent
// per line, in registration order.
func (r *Registry) Describe() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, k := range r.order {
		a := r.agents[k]
		blurb := a.Blurb
		if blurb == "" {
			blurb = a.Name
		}
		fmt.Fprintf(&sb, "%s: %s\n", k, blurb)
	}
	return sb.String()
}

// Categories returns the union of all registered agents' categories, sorted.
func (r *Registry) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, k := range r.order {
		for _, c := range r.agents[k].Categories {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Active is the mutable active-agent pointer. It changes only via an explicit
// Switch call from the main loop; workers capture a snapshot at dispatch time.
type Active struct {
	mu  sync.Mutex
	cur *Agent
}

// NewActive creates an active pointer set to a.
func NewActive(a *Agent) *Active {
	return &Active{cur: a}
}

// Switch sets the active agent to the registry entry for key.
//
// Expectations:
//   - Returns an error for an unknown key and leaves the pointer unchanged
//   - Subsequent Current() observes the new agent after a successful switch
func (ac *Active) Switch(r *Registry, key string) error {
	a := r.Lookup(key)
	if a == nil {
		return fmt.Errorf("agent: switch: unknown agent %q", key)
	}
	ac.mu.Lock()
	ac.cur = a
	ac.mu.Unlock()
	return nil
}

// Current returns the active agent snapshot.
func (ac *Active) Current() *Agent {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.cur
}
