// Package xray drives the Xray engine: its on-disk config document, its
// control API (through the xray CLI) and its traffic statistics.
package xray

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds every engine command when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, killing them after Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes name with args. A non-zero exit includes the command's output
// in the returned error.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %v timed out after %s: %w", name, args, timeout, ctx.Err())
		}
		return nil, fmt.Errorf("%s %v failed: %w (%s)", name, args, err, out)
	}
	return stdout.Bytes(), nil
}
