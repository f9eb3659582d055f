// Package subproc runs external coding subprocesses for subtasks whose engine
// delegates to a local CLI. The adapter captures exit code, stdout, and
// stderr; stderr stays out of the user-visible output unless the child exited
// non-zero. No sandboxing beyond timeout and exit-status capture.
package subproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds one subprocess invocation when the adapter
	// declares no timeout of its own.
	DefaultTimeout = 300 * time.Second
	// killGrace is how long a signalled child gets before force-kill.
	killGrace = 5 * time.Second
)

// Request is one subprocess invocation.
type Request struct {
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Args are appended to the adapter's base arguments.
	Args []string
	// Stdin is the optional payload piped to the child.
	Stdin string
	// Timeout overrides the adapter timeout when positive.
	Timeout time.Duration
}

// Result captures what the child produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// UserVisible returns the output shown to the user: stdout alone on success,
// stdout plus stderr and the exit code on failure.
func (r Result) UserVisible() string {
	if r.ExitCode == 0 {
		return r.Stdout
	}
	var sb strings.Builder
	if r.Stdout != "" {
		sb.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		sb.WriteString("stderr: " + strings.TrimRight(r.Stderr, "\n") + "\n")
	}
	sb.WriteString(fmt.Sprintf("exit status %d", r.ExitCode))
	return sb.String()
}

// Adapter fork-execs one configured external command.
type Adapter struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// New creates an adapter for command with base arguments.
func New(name, command string, args ...string) *Adapter {
	return &Adapter{name: name, command: command, args: args, timeout: DefaultTimeout}
}

// NewFromEnv builds an adapter from {PREFIX}_COMMAND and {PREFIX}_ARGS
// (space-separated). Returns nil when no command is configured.
func NewFromEnv(name, prefix string) *Adapter {
	command := os.Getenv(prefix + "_COMMAND")
	if command == "" {
		return nil
	}
	var args []string
	if raw := os.Getenv(prefix + "_ARGS"); raw != "" {
		args = strings.Fields(raw)
	}
	return New(name, command, args...)
}

// Name returns the stable adapter name used in plans and logs.
func (a *Adapter) Name() string { return a.name }

// Run executes the child and waits for it.
//
// Expectations:
//   - Returns stdout, stderr, and the exit code; a non-zero exit is not an error
//   - A missing binary or unstartable child is an error
//   - On context cancellation the child gets SIGTERM, then SIGKILL after 5 s
//   - A breached timeout surfaces as a transport-class error
func (a *Adapter) Run(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), a.args...), req.Args...)
	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Dir = req.Dir
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("subproc: %s: %w", a.command, ctx.Err())
		}
		return res, fmt.Errorf("subproc: %s: %w", a.command, err)
	}
	return res, nil
}
