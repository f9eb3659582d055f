// Package toolrun implements the agentic tool-calling loop: a process-wide
// tool registry and a runner that parses tool-call and final-answer markers
// out of model turns, executes registered tools, and folds observations back
// into the rolling dialog.
package toolrun

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultToolTimeout applies to executors that declare no timeout.
const DefaultToolTimeout = 60 * time.Second

// Param declares one named tool parameter.
type Param struct {
	Type        string // "string" | "number" | "boolean" | "object"
	Description string
	Required    bool
}

// Executor runs a validated argument map to a UTF-8 result string.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Descriptor declares one registered tool.
type Descriptor struct {
	Name        string
	Description string
	Params      map[string]Param
	Timeout     time.Duration // 0 means DefaultToolTimeout
	Exec        Executor
}

// ValidateArgs checks args against the declared schema: required parameters
// present, no undeclared names, and values of the declared primitive types.
//
// Expectations:
//   - Rejects a missing required parameter by name
//   - Rejects an undeclared parameter by name
//   - Rejects a value whose JSON type does not match the declaration
//   - Accepts optional parameters being absent
func (d *Descriptor) ValidateArgs(args map[string]any) error {
	for name, p := range d.Params {
		v, ok := args[name]
		if !ok {
			if p.Required {
				return fmt.Errorf("toolrun: %s: missing required parameter %q", d.Name, name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return fmt.Errorf("toolrun: %s: parameter %q: expected %s, got %T", d.Name, name, p.Type, v)
		}
	}
	for name := range args {
		if _, ok := d.Params[name]; !ok {
			return fmt.Errorf("toolrun: %s: unknown parameter %q", d.Name, name)
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64) // JSON numbers decode to float64
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// Registry is the process-wide tool set, populated at startup via explicit
// Register calls and read-only afterward.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	tools  map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a tool. Duplicate names, empty names, nil executors, and
// registration after Freeze are errors.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("toolrun: register: empty tool name")
	}
	if d.Exec == nil {
		return fmt.Errorf("toolrun: register %s: nil executor", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("toolrun: register %s: registry is frozen", d.Name)
	}
	if _, ok := r.tools[d.Name]; ok {
		return fmt.Errorf("toolrun: register %s: duplicate tool", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the descriptor for name, or nil.
func (r *Registry) Lookup(name string) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the prompt-facing catalog of the named tools: one block
// per tool with its description and parameter table. Unknown names are
// skipped.
func (r *Registry) Describe(names []string) string {
	var sb strings.Builder
	for _, name := range names {
		d := r.Lookup(name)
		if d == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(d.Name + " — " + d.Description + "\n")
		params := make([]string, 0, len(d.Params))
		for p := range d.Params {
			params = append(params, p)
		}
		sort.Strings(params)
		for _, p := range params {
			spec := d.Params[p]
			req := "optional"
			if spec.Required {
				req = "required"
			}
			sb.WriteString(fmt.Sprintf("  %s (%s, %s): %s\n", p, spec.Type, req, spec.Description))
		}
	}
	return sb.String()
}

// timeout returns the effective executor timeout.
func (d *Descriptor) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultToolTimeout
}
