package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Command describes one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Timeout kills the process when it elapses. Zero means no deadline.
	Timeout time.Duration
}

// ProcessResult is the captured outcome of a finished process.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner starts a process and waits for it. A non-zero exit is reported through
// ProcessResult.ExitCode; the error is reserved for spawn failures, timeouts and cancellation.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*ProcessResult, error)
}

// ErrTimeout is returned when a process outlives its Command.Timeout.
var ErrTimeout = errors.New("process timed out")

// waitDelay bounds how long Wait blocks on output pipes after the process is killed.
const waitDelay = 5 * time.Second

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ CommandRunner = ExecRunner{}

// Run executes c and captures stdout, stderr and the exit status.
func (ExecRunner) Run(ctx context.Context, c Command) (*ProcessResult, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ProcessResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case runCtx.Err() != nil:
		return res, fmt.Errorf("%w after %s", ErrTimeout, c.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return res, nil
}
