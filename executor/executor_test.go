// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/helper/testlog"
)

func testRunner(t *testing.T) *Runner {
	return NewRunner(testlog.HCLogger(t))
}

func TestRunner_Run(t *testing.T) {
	r := testRunner(t)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"echo", "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
	require.Positive(t, res.Duration)
}

func TestRunner_Run_EmptyArgv(t *testing.T) {
	r := testRunner(t)

	_, err := r.Run(context.Background(), Command{})
	require.Error(t, err)
}

func TestRunner_Run_ExitError(t *testing.T) {
	r := testRunner(t)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo oops >&2; exit 3"},
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode)
	require.Equal(t, "oops", exitErr.Stderr)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunner_Run_Stdin(t *testing.T) {
	r := testRunner(t)

	res, err := r.Run(context.Background(), Command{
		Args:  []string{"cat"},
		Stdin: "fed via stdin",
	})
	require.NoError(t, err)
	require.Equal(t, "fed via stdin", res.Stdout)
}

func TestRunner_Run_Timeout(t *testing.T) {
	r := testRunner(t)

	start := time.Now()
	res, err := r.Run(context.Background(), Command{
		Args:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	require.Less(t, time.Since(start), 8*time.Second)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
	require.False(t, timeoutErr.Canceled)
	require.Contains(t, err.Error(), "timed out after")
	require.Equal(t, -1, res.ExitCode)
}

func TestRunner_Run_ContextCancel(t *testing.T) {
	r := testRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Command{Args: []string{"sleep", "10"}})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.True(t, timeoutErr.Canceled)
	require.Contains(t, err.Error(), "canceled before completion")
	require.NotContains(t, err.Error(), "timed out")
}

func TestRunner_Run_OutputLimit(t *testing.T) {
	r := testRunner(t)

	// 64KB of output into a 1KB cap: only the tail survives.
	res, err := r.Run(context.Background(), Command{
		Args:        []string{"sh", "-c", "i=0; while [ $i -lt 4096 ]; do echo 0123456789abcdef; i=$((i+1)); done; echo LAST"},
		OutputLimit: 1024,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Stdout), 1024)
	require.True(t, strings.HasSuffix(res.Stdout, "LAST"), "tail of output must be kept")
}
