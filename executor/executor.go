// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package executor runs host commands for operation handlers. Commands are
// argv arrays; nothing is ever formatted into a shell string, so
// user-supplied metadata cannot inject into the command line.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	// defaultTimeout bounds commands whose callers did not choose one.
	defaultTimeout = 5 * time.Minute

	// killGracePeriod is how long a command gets between SIGTERM and
	// SIGKILL once its deadline passes.
	killGracePeriod = 5 * time.Second
)

// Command describes one subprocess invocation.
type Command struct {
	// Args is the argv array. Args[0] is the executable.
	Args []string

	// Stdin is written to the process before closing its input.
	Stdin string

	// Timeout bounds the wall clock run time. Zero means the default.
	Timeout time.Duration

	// OutputLimit caps captured stdout bytes. Zero means unlimited.
	// Output beyond the cap is discarded oldest-first.
	OutputLimit int64
}

// Result is the structured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError is returned when a command runs but exits non-zero. The
// Result on the error carries the captured output.
type ExitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Args[0], e.ExitCode, e.Stderr)
}

// TimeoutError is returned when a command was killed before finishing,
// either for exceeding its deadline or because the caller's context was
// cancelled. Canceled distinguishes the two.
type TimeoutError struct {
	Args     []string
	Timeout  time.Duration
	Canceled bool
}

func (e *TimeoutError) Error() string {
	if e.Canceled {
		return fmt.Sprintf("%s canceled before completion", e.Args[0])
	}
	return fmt.Sprintf("%s timed out after %s", e.Args[0], e.Timeout)
}

// Executor runs commands for operation handlers. *Runner is the production
// implementation; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, command Command) (*Result, error)
}

// Runner executes commands. It holds no shared mutable state, so concurrent
// invocations are independent.
type Runner struct {
	logger hclog.Logger
}

// NewRunner returns a command runner logging on the given logger.
func NewRunner(logger hclog.Logger) *Runner {
	return &Runner{logger: logger.Named("executor")}
}

// Run executes the command and waits for it to finish, the timeout to pass,
// or ctx to be cancelled. A non-nil Result is returned whenever the process
// started, even on error, so partial output is never lost.
func (r *Runner) Run(ctx context.Context, command Command) (*Result, error) {
	if len(command.Args) == 0 {
		return nil, errors.New("command has no argv")
	}
	timeout := command.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var stdout io.Writer
	var stdoutBuf bytes.Buffer
	var capped *circbuf.Buffer
	if command.OutputLimit > 0 {
		var err error
		capped, err = circbuf.NewBuffer(command.OutputLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to create output buffer: %w", err)
		}
		stdout = capped
	} else {
		stdout = &stdoutBuf
	}
	var stderrBuf bytes.Buffer

	cmd := exec.Command(command.Args[0], command.Args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = &stderrBuf
	if command.Stdin != "" {
		cmd.Stdin = strings.NewReader(command.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command.Args[0], err)
	}
	defer metrics.MeasureSince([]string{"zoned", "executor", "run"}, start)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	timedOut := false
	canceled := false
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		timedOut = true
		canceled = ctx.Err() == context.Canceled
		waitErr = r.terminate(cmd, waitCh)
	case <-deadline.C:
		timedOut = true
		waitErr = r.terminate(cmd, waitCh)
	}

	result := &Result{
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}
	if capped != nil {
		result.Stdout = strings.TrimSpace(string(capped.Bytes()))
	} else {
		result.Stdout = strings.TrimSpace(stdoutBuf.String())
	}

	if timedOut {
		result.ExitCode = -1
		if canceled {
			r.logger.Warn("command canceled", "cmd", command.Args[0])
		} else {
			r.logger.Warn("command timed out", "cmd", command.Args[0], "timeout", timeout)
		}
		return result, &TimeoutError{Args: command.Args, Timeout: timeout, Canceled: canceled}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{
				Args:     command.Args,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}
		return result, fmt.Errorf("command %s failed: %w", command.Args[0], waitErr)
	}

	return result, nil
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs. It
// returns once the process has been reaped so output buffers are complete.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	if cmd.Process == nil {
		return <-waitCh
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone, or signalling is unsupported; fall through to
		// the hard kill.
		r.logger.Debug("failed to signal process", "pid", cmd.Process.Pid, "error", err)
	}

	grace := time.NewTimer(killGracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
		cmd.Process.Kill()
		return <-waitCh
	}
}
