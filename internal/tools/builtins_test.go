package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/selfai-sh/selfai/internal/toolrun"
)

func TestWorkspaceDir_EnvOverride(t *testing.T) {
	// $SELFAI_WORKSPACE overrides the default workspace location
	dir := t.TempDir()
	t.Setenv("SELFAI_WORKSPACE", dir)
	if got := WorkspaceDir(); got != dir {
		t.Errorf("got %q, want %q", got, dir)
	}
}

func TestRegisterBuiltins_AllToolsRegistered(t *testing.T) {
	// Every builtin name resolves in the registry after registration
	reg := toolrun.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range BuiltinNames {
		if reg.Lookup(name) == nil {
			t.Errorf("builtin %q not registered", name)
		}
	}
}

func TestRegisterBuiltins_ReadOnlySubset(t *testing.T) {
	// The read-only subset contains no mutating tool
	mutating := map[string]bool{"write_file": true, "shell": true}
	for _, name := range ReadOnlyNames {
		if mutating[name] {
			t.Errorf("read-only subset contains mutating tool %q", name)
		}
	}
}

func TestReadFileExecutor_RoundTrip(t *testing.T) {
	// The read_file executor returns the file contents verbatim
	reg := toolrun.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(path, []byte("first-line\nsecond"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := reg.Lookup("read_file")
	got, err := d.Exec(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "first-line\nsecond" {
		t.Errorf("got %q", got)
	}
}

func TestWriteFileExecutor_RedirectsBareFilename(t *testing.T) {
	// A bare filename lands in the workspace directory
	ws := t.TempDir()
	t.Setenv("SELFAI_WORKSPACE", ws)
	reg := toolrun.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := reg.Lookup("write_file")
	out, err := d.Exec(context.Background(), map[string]any{"path": "note.txt", "content": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, ws) {
		t.Errorf("expected workspace path in result, got %q", out)
	}
	data, err := os.ReadFile(filepath.Join(ws, "note.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want hello", data)
	}
}

func TestGlobExecutor_MatchesByBaseName(t *testing.T) {
	// The glob executor matches filenames recursively under root
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []string{"a.go", "b.txt", "sub/c.go"} {
		if err := os.WriteFile(filepath.Join(root, p), nil, 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	reg := toolrun.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := reg.Lookup("glob")
	out, err := d.Exec(context.Background(), map[string]any{"pattern": "*.go", "root": root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "a.go") || !strings.Contains(out, "c.go") || strings.Contains(out, "b.txt") {
		t.Errorf("unexpected matches: %q", out)
	}
}

func TestShellExecutor_NonZeroExitReportedInResult(t *testing.T) {
	// A failing command reports its exit in the result, not as an error
	reg := toolrun.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := reg.Lookup("shell")
	out, err := d.Exec(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "oops") || !strings.Contains(out, "exit status 3") {
		t.Errorf("expected stderr and exit status in result, got %q", out)
	}
}
