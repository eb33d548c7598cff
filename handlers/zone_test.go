// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/executor"
)

func TestStopZone_Graceful(t *testing.T) {
	deps, runner := testDeps(t)
	z := newZoneHandlers(deps)

	msg, err := z.stopZone(context.Background(), "web01", false)
	require.NoError(t, err)
	require.Equal(t, "zone web01 shut down", msg)

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "zoneadm -z web01 shutdown")
}

func TestStopZone_FallsBackToHalt(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("shutdown", nil, &executor.TimeoutError{
		Args: []string{"pfexec", "zoneadm"}, Timeout: 0,
	})
	z := newZoneHandlers(deps)

	msg, err := z.stopZone(context.Background(), "web01", false)
	require.NoError(t, err)
	require.Equal(t, "zone web01 halted", msg)

	cmds := runner.commands()
	require.Len(t, cmds, 2)
	require.Contains(t, cmds[0], "zoneadm -z web01 shutdown")
	require.Contains(t, cmds[1], "zoneadm -z web01 halt")
}

func TestStopZone_Force(t *testing.T) {
	deps, runner := testDeps(t)
	z := newZoneHandlers(deps)

	msg, err := z.stopZone(context.Background(), "web01", true)
	require.NoError(t, err)
	require.Equal(t, "zone web01 halted", msg)

	// Force skips the graceful attempt entirely.
	cmds := runner.commands()
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "zoneadm -z web01 halt")
}

func TestStopZone_HaltFails(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("halt", nil, &executor.ExitError{
		Args: []string{"pfexec", "zoneadm"}, ExitCode: 1,
		Stderr: "zone 'web01': unable to halt",
	})
	z := newZoneHandlers(deps)

	_, err := z.stopZone(context.Background(), "web01", true)
	require.ErrorContains(t, err, "failed to halt zone web01")
}

func TestZoneStop_RefusesGlobalZone(t *testing.T) {
	deps, runner := testDeps(t)
	z := newZoneHandlers(deps)

	_, err := z.handleStop(context.Background(),
		[]byte(`{"zone_name":"global"}`), noopProgress{})
	require.ErrorContains(t, err, "global zone")
	require.Empty(t, runner.commands())
}
