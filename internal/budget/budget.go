// Package budget defines the token-budget profile shared by the planner,
// dispatcher, tool runner, and merger. One preset is active at a time and
// presets are swapped atomically from the main loop.
package budget

import (
	"fmt"
	"sync"
)

// Profile is a set of per-role token budgets for one preset.
type Profile struct {
	Name            string
	Planner         int
	Executor        int // per-subtask executor budget
	Merger          int
	ToolCreation    int
	ErrorCorrection int
	SelfImprovement int
	Chat            int
}

// Presets shipped with the runtime. "balanced" is the startup default.
var presets = map[string]Profile{
	"frugal": {
		Name: "frugal", Planner: 1024, Executor: 1024, Merger: 1024,
		ToolCreation: 512, ErrorCorrection: 512, SelfImprovement: 512, Chat: 1024,
	},
	"balanced": {
		Name: "balanced", Planner: 4096, Executor: 4096, Merger: 4096,
		ToolCreation: 2048, ErrorCorrection: 2048, SelfImprovement: 2048, Chat: 4096,
	},
	"deep": {
		Name: "deep", Planner: 8192, Executor: 8192, Merger: 8192,
		ToolCreation: 4096, ErrorCorrection: 4096, SelfImprovement: 4096, Chat: 8192,
	},
}

// Holder guards the active profile. Workers read a snapshot at dispatch time;
// only the main loop calls Set.
type Holder struct {
	mu  sync.Mutex
	cur Profile
}

// NewHolder creates a Holder set to the "balanced" preset.
func NewHolder() *Holder {
	return &Holder{cur: presets["balanced"]}
}

// Set switches the active profile to the named preset atomically.
//
// Expectations:
//   - Returns an error for an unknown preset name, leaving the profile unchanged
//   - Current() observes the new preset after a successful Set
func (h *Holder) Set(name string) error {
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("budget: unknown preset %q", name)
	}
	h.mu.Lock()
	h.cur = p
	h.mu.Unlock()
	return nil
}

// Current returns a copy of the active profile.
func (h *Holder) Current() Profile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

// Names returns the preset names in a stable order.
func Names() []string {
	return []string{"frugal", "balanced", "deep"}
}
