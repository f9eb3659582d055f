package plan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store persists graphs as pretty-printed JSON under <root>/plans. Updates to
// a single plan file serialize through a per-path mutex; writers targeting
// different plans do not contend. Every write is temp-then-rename within the
// plans directory so a mid-run crash leaves a parseable document.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // plan path -> write lock
}

// NewStore creates a Store rooted at memoryRoot. The plans directory is
// created on first Save.
func NewStore(memoryRoot string) *Store {
	return &Store{
		dir:   filepath.Join(memoryRoot, "plans"),
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the plans directory.
func (s *Store) Dir() string { return s.dir }

// Save writes g to <root>/plans/<timestamp>_<label-slug>.json and returns the
// path.
//
// Expectations:
//   - Creates the plans directory when absent
//   - The written document is pretty-printed JSON that Load round-trips
//   - Distinct saves in the same second produce distinct paths
func (s *Store) Save(g *Graph, label string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("plan: create store dir: %w", err)
	}
	base := time.Now().UTC().Format("20060102-150405") + "_" + slug(label)
	path := filepath.Join(s.dir, base+".json")
	for n := 2; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d.json", base, n))
	}
	if err := s.writeAtomic(path, g); err != nil {
		return "", err
	}
	slog.Info("[PLANSTORE] saved plan", "path", path, "subtasks", len(g.Subtasks))
	return path, nil
}

// Load reads and parses the plan document at path.
func (s *Store) Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("plan: parse %s: %w", path, err)
	}
	return &g, nil
}

// SubtaskUpdate names the result-slot fields UpdateSubtask may rewrite.
type SubtaskUpdate struct {
	Status     Status
	MemoryPath string
	Error      string
}

// UpdateSubtask rewrites the result-slot of one subtask atomically under the
// plan's per-path mutex.
//
// Expectations:
//   - Returns an error for an unknown subtask id
//   - Leaves all other subtasks byte-identical
//   - Concurrent updates to the same plan serialize (no lost writes)
func (s *Store) UpdateSubtask(path, id string, upd SubtaskUpdate) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	g, err := s.Load(path)
	if err != nil {
		return err
	}
	st := g.ByID(id)
	if st == nil {
		return fmt.Errorf("plan: update %s: unknown subtask %q", path, id)
	}
	st.Result.Status = upd.Status
	if upd.MemoryPath != "" {
		st.Result.MemoryPath = upd.MemoryPath
	}
	if upd.Error != "" {
		st.Result.Error = upd.Error
	}
	return s.writeAtomic(path, g)
}

// SetMergeResult records the merge output path in the plan metadata.
func (s *Store) SetMergeResult(path, resultPath string) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	g, err := s.Load(path)
	if err != nil {
		return err
	}
	g.Metadata.MergeResultPath = resultPath
	return s.writeAtomic(path, g)
}

// pathLock returns the mutex guarding one plan path, creating it on demand.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// writeAtomic writes the pretty-printed graph to a temp file in the same
// directory and renames it over path.
func (s *Store) writeAtomic(path string, g *Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("plan: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".plan-*.tmp")
	if err != nil {
		return fmt.Errorf("plan: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("plan: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("plan: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("plan: rename into place: %w", err)
	}
	return nil
}

// slug lowercases label and keeps [a-z0-9-], collapsing runs of other
// characters to single hyphens. Empty labels become "plan".
func slug(label string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(label) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "plan"
	}
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}
