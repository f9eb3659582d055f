package subproc

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStdoutAndZeroExit(t *testing.T) {
	// A successful command yields stdout and exit code 0
	a := New("sh", "sh", "-c")
	res, err := a.Run(context.Background(), Request{Args: []string{"echo hello"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	// A failing command reports its exit code in the result, not as an error
	a := New("sh", "sh", "-c")
	res, err := a.Run(context.Background(), Request{Args: []string{"echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRun_MissingBinaryIsAnError(t *testing.T) {
	// An unstartable child surfaces as an error
	a := New("ghost", "definitely-not-a-real-binary-zz")
	if _, err := a.Run(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestRun_StdinPipedToChild(t *testing.T) {
	// The stdin payload reaches the child verbatim
	a := New("cat", "cat")
	res, err := a.Run(context.Background(), Request{Stdin: "payload line"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "payload line" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_TimeoutIsAnError(t *testing.T) {
	// A breached timeout surfaces as an error carrying the deadline cause
	a := New("sh", "sh", "-c")
	start := time.Now()
	_, err := a.Run(context.Background(), Request{Args: []string{"sleep 10"}, Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("child not terminated promptly, took %v", elapsed)
	}
}

func TestRun_WorkingDirectoryHonored(t *testing.T) {
	// Dir sets the child's working directory
	dir := t.TempDir()
	a := New("pwd", "pwd")
	res, err := a.Run(context.Background(), Request{Dir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.TrimSpace(res.Stdout)
	want, _ := os.Stat(dir)
	gotInfo, statErr := os.Stat(got)
	if statErr != nil || !os.SameFile(want, gotInfo) {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestUserVisible_SuppressesStderrOnSuccess(t *testing.T) {
	// stderr never appears in the user-visible output when exit is 0
	res := Result{ExitCode: 0, Stdout: "fine", Stderr: "warning noise"}
	if got := res.UserVisible(); got != "fine" {
		t.Errorf("got %q, want stdout only", got)
	}
}

func TestUserVisible_IncludesStderrOnFailure(t *testing.T) {
	// stderr and the exit code appear when the child failed
	res := Result{ExitCode: 2, Stdout: "partial", Stderr: "boom"}
	got := res.UserVisible()
	if !strings.Contains(got, "boom") || !strings.Contains(got, "exit status 2") {
		t.Errorf("got %q", got)
	}
}

func TestNewFromEnv_UnconfiguredReturnsNil(t *testing.T) {
	// Without {PREFIX}_COMMAND no adapter is built
	t.Setenv("CODER_COMMAND", "")
	if a := NewFromEnv("coder", "CODER"); a != nil {
		t.Errorf("expected nil adapter, got %+v", a)
	}
}

func TestNewFromEnv_SplitsArgs(t *testing.T) {
	// {PREFIX}_ARGS is split on whitespace into base arguments
	t.Setenv("CODER_COMMAND", "mycli")
	t.Setenv("CODER_ARGS", "--yes --model local")
	a := NewFromEnv("coder", "CODER")
	if a == nil {
		t.Fatal("expected adapter")
	}
	if a.command != "mycli" || len(a.args) != 3 {
		t.Errorf("adapter = %+v", a)
	}
}
