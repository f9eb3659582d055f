package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLIAdapter fork-execs a local inference CLI per call. The composed prompt
// is written to stdin and the completion is read from stdout. Streaming reads
// stdout incrementally so token-at-a-time CLIs render live.
type CLIAdapter struct {
	name    string
	label   string
	command string
	args    []string
	timeout time.Duration
}

// NewCLI creates a CLI-backed adapter. args are passed verbatim before the
// prompt is piped to stdin.
func NewCLI(name, label, command string, args ...string) *CLIAdapter {
	if label == "" {
		label = name
	}
	return &CLIAdapter{
		name:    name,
		label:   label,
		command: command,
		args:    args,
		timeout: 300 * time.Second,
	}
}

// NewCLIFromEnv creates an adapter from {PREFIX}_CLI_COMMAND, with optional
// space-separated {PREFIX}_CLI_ARGS. Returns nil when the command is unset.
func NewCLIFromEnv(name, prefix string) *CLIAdapter {
	command := os.Getenv(prefix + "_CLI_COMMAND")
	if command == "" {
		return nil
	}
	var args []string
	if raw := os.Getenv(prefix + "_CLI_ARGS"); raw != "" {
		args = strings.Fields(raw)
	}
	return NewCLI(name, "", command, args...)
}

func (a *CLIAdapter) Name() string  { return a.name }
func (a *CLIAdapter) Label() string { return a.label }

// prompt flattens the request into the single text document a CLI accepts.
func (a *CLIAdapter) prompt(req Request) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n\n")
	}
	for _, m := range req.History {
		sb.WriteString(strings.ToUpper(m.Role[:1]) + m.Role[1:])
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(req.User)
	return sb.String()
}

// Generate runs the CLI once and returns trimmed stdout. A non-zero exit is a
// transport-class failure carrying the first stderr line.
func (a *CLIAdapter) Generate(ctx context.Context, req Request) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Stdin = strings.NewReader(a.prompt(req))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", Usage{}, fmt.Errorf("backend %s: run %s: %w: %s",
			a.name, a.command, err, firstLine(stderr.Bytes()))
	}
	return strings.TrimSpace(stdout.String()), Usage{}, nil
}

// Stream runs the CLI and forwards stdout line by line as it appears.
func (a *CLIAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Stdin = strings.NewReader(a.prompt(req))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backend %s: stdout pipe: %w", a.name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("backend %s: start %s: %w", a.name, a.command, err)
	}
	return &cliStream{
		name:   a.name,
		cmd:    cmd,
		cancel: cancel,
		out:    bufio.NewReader(stdout),
		stderr: &stderr,
	}, nil
}

type cliStream struct {
	name   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    *bufio.Reader
	stderr *bytes.Buffer
	done   bool
}

func (s *cliStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	buf := make([]byte, 512)
	n, err := s.out.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if err == io.EOF {
		s.done = true
		if werr := s.cmd.Wait(); werr != nil {
			return "", fmt.Errorf("backend %s: %s exited: %w: %s",
				s.name, s.cmd.Path, werr, firstLine(s.stderr.Bytes()))
		}
		return "", io.EOF
	}
	return "", fmt.Errorf("backend %s: read stdout: %w", s.name, err)
}

func (s *cliStream) Close() error {
	s.cancel()
	if !s.done {
		s.done = true
		_ = s.cmd.Wait()
	}
	return nil
}
