package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfai-sh/selfai/internal/agent"
	"github.com/selfai-sh/selfai/internal/backend"
)

const fileTimestampFmt = "20060102-150405"

// Store is the filesystem-backed memory system. Writes are lock-free
// (unique filenames, temp+rename); reads during writes are tolerated.
// A goleveldb tag index under <root>/index caches parsed tag lists keyed
// by (path, mtime) so retrieval does not reparse unchanged records.
type Store struct {
	root   string
	window *Window
	index  *tagIndex // nil-safe: retrieval parses directly when absent
}

// NewStore creates a Store rooted at root with the given window. The tag
// index is opened lazily on first retrieval; an unopenable index degrades
// to direct parsing with a warning.
func NewStore(root string, window *Window) *Store {
	return &Store{root: root, window: window, index: openTagIndex(filepath.Join(root, "index"))}
}

// Root returns the memory root directory.
func (s *Store) Root() string { return s.root }

// Window returns the store's context window.
func (s *Store) Window() *Window { return s.window }

// Close releases the tag index.
func (s *Store) Close() {
	s.index.Close()
}

// Save renders one exchange to a fresh record file under the agent's
// primary category and returns the path. The assistant turn is persisted
// with scratch-pad regions stripped.
//
// Expectations:
//   - Path is <root>/<category>/<slug>_<timestamp>.txt
//   - Never overwrites: same-second saves get a collision suffix
//   - A fresh parse of the written file yields the turns verbatim
//   - Scratch-pad regions in the assistant turn are not persisted
func (s *Store) Save(a *agent.Agent, workspace, userTurn, assistantTurn string) (string, error) {
	if a == nil {
		return "", fmt.Errorf("memory: save: nil agent")
	}
	category := "general"
	if len(a.Categories) > 0 {
		category = a.Categories[0]
	}
	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("memory: create category dir: %w", err)
	}

	now := time.Now()
	rec := &Record{
		AgentName:    a.Name,
		AgentKey:     a.Key,
		Workspace:    workspace,
		Timestamp:    now,
		Tags:         ExtractTags(userTurn),
		SystemPrompt: a.Preamble,
		User:         userTurn,
		Assistant:    backend.StripThink(assistantTurn),
	}

	base := recordSlug(userTurn) + "_" + now.Format(fileTimestampFmt)
	path := filepath.Join(dir, base+".txt")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, base+"-"+uuid.NewString()[:8]+".txt")
	}
	if err := writeFileAtomic(path, []byte(rec.Render())); err != nil {
		return "", err
	}
	slog.Debug("[MEMORY] saved record", "path", path, "agent", a.Key, "tags", len(rec.Tags))
	return path, nil
}

// candidate is one record considered for retrieval.
type candidate struct {
	path  string
	mtime time.Time
	tags  []string
	score float64
}

// LoadContext returns prior exchanges relevant to hint as an alternating
// user/assistant message list.
//
// Expectations:
//   - Window of 0 minutes returns the empty list
//   - Only records with mtime >= cutoff are candidates
//   - Records scoring >= 0.35 Jaccard against the hint's tags are kept;
//     when none qualify, the limit most recent are used unconditionally
//   - Selected records are ordered ascending by mtime, each flattened to a
//     user message then an assistant message
//   - Shrinking the window never grows the candidate set
func (s *Store) LoadContext(a *agent.Agent, hint string, limit int) ([]backend.Message, error) {
	if a == nil {
		return nil, fmt.Errorf("memory: load: nil agent")
	}
	cutoff, ok := s.window.Cutoff(time.Now())
	if !ok {
		return nil, nil
	}

	var cands []candidate
	for _, category := range a.Categories {
		dir := filepath.Join(s.root, category)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // absent category = no records yet
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			cands = append(cands, candidate{path: path, mtime: info.ModTime(), tags: s.tagsFor(path, info.ModTime())})
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	hintTags := ExtractTags(hint)
	var selected []candidate
	for i := range cands {
		cands[i].score = Jaccard(hintTags, cands[i].tags)
		if cands[i].score >= relevanceThreshold {
			selected = append(selected, cands[i])
		}
	}
	if len(selected) == 0 {
		sort.Slice(cands, func(i, j int) bool { return cands[i].mtime.After(cands[j].mtime) })
		if limit > 0 && len(cands) > limit {
			cands = cands[:limit]
		}
		selected = cands
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].mtime.Before(selected[j].mtime) })

	var msgs []backend.Message
	for _, c := range selected {
		data, err := os.ReadFile(c.path)
		if err != nil {
			slog.Warn("[MEMORY] skipping unreadable record", "path", c.path, "error", err)
			continue
		}
		rec, err := Parse(string(data))
		if err != nil {
			slog.Warn("[MEMORY] skipping malformed record", "path", c.path, "error", err)
			continue
		}
		msgs = append(msgs,
			backend.Message{Role: "user", Content: rec.User},
			backend.Message{Role: "assistant", Content: rec.Assistant},
		)
	}
	return msgs, nil
}

// tagsFor returns the record's tag list, consulting the index cache first.
func (s *Store) tagsFor(path string, mtime time.Time) []string {
	if tags, ok := s.index.Get(path, mtime); ok {
		return tags
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	rec, err := Parse(string(data))
	if err != nil {
		return nil
	}
	tags := rec.Tags
	if len(tags) == 0 {
		tags = ExtractTags(rec.User)
	}
	s.index.Put(path, mtime, tags)
	return tags
}

// Clear removes records in one category, optionally keeping the most
// recent keepLast files.
//
// Expectations:
//   - keepLast of 0 removes every record in the category
//   - keepLast of n keeps the n most recent by mtime
//   - An absent category is not an error
func (s *Store) Clear(category string, keepLast int) error {
	dir := filepath.Join(s.root, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: clear %s: %w", category, err)
	}
	type aged struct {
		path  string
		mtime time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	if keepLast > len(files) {
		keepLast = len(files)
	}
	for _, f := range files[keepLast:] {
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("memory: clear %s: %w", category, err)
		}
	}
	slog.Info("[MEMORY] cleared category", "category", category, "removed", len(files)-keepLast, "kept", keepLast)
	return nil
}

// ListCategories returns the category directories under the root, sorted.
func (s *Store) ListCategories() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: list categories: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "index" && e.Name() != "plans" {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// recordSlug derives the filename slug from the user turn: at most four
// lowercase alphanumeric words joined by hyphens.
func recordSlug(userTurn string) string {
	words := strings.Fields(strings.ToLower(userTurn))
	var parts []string
	for _, w := range words {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
		if len(parts) == 4 {
			break
		}
	}
	if len(parts) == 0 {
		return "exchange"
	}
	return strings.Join(parts, "-")
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mem-*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: rename into place: %w", err)
	}
	return nil
}
