package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RunShell executes cmd in a bash shell. The caller's context carries the
// timeout. A non-zero exit is reported in the result string, not as an
// error, so the model can react to it.
func RunShell(ctx context.Context, cmd string) (string, error) {
	c := exec.CommandContext(ctx, "bash", "-c", cmd)

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	if err := c.Run(); err != nil {
		return fmt.Sprintf("stdout: %s\nstderr: %s\nerror: %v",
			strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), err), nil
	}
	if errBuf.Len() > 0 {
		return fmt.Sprintf("stdout: %s\nstderr: %s",
			strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String())), nil
	}
	return outBuf.String(), nil
}
