// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/executor"
)

func TestUserCreate_PersonalGroupRollback(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("useradd", nil, &executor.ExitError{
		Args: []string{"pfexec", "useradd"}, ExitCode: 2,
		Stderr: "UX: useradd: ERROR: invalid argument",
	})
	u := newUserHandlers(deps)

	_, err := u.handleUserCreate(context.Background(),
		[]byte(`{"username":"svcbuild","create_personal_group":true}`), noopProgress{})
	require.ErrorContains(t, err, "failed to create user svcbuild")

	// The personal group is created first and rolled back after the
	// useradd failure.
	cmds := runner.commands()
	require.Len(t, cmds, 3)
	require.Contains(t, cmds[0], "groupadd svcbuild")
	require.Contains(t, cmds[1], "useradd")
	require.Contains(t, cmds[2], "groupdel svcbuild")
}

func TestUserCreate_NameTooLongIsWarning(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("useradd", nil, &executor.ExitError{
		Args: []string{"pfexec", "useradd"}, ExitCode: 1,
		Stderr: "UX: useradd: WARNING: name too long",
	})
	u := newUserHandlers(deps)

	res, err := u.handleUserCreate(context.Background(),
		[]byte(`{"username":"longservicename","create_personal_group":true}`), noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "user longservicename created", res.Message)
	require.Equal(t, "username exceeds traditional length limit", res.Extra["warning"])

	// The user exists despite the warning, so nothing is rolled back.
	for _, cmd := range runner.commands() {
		require.NotContains(t, cmd, "groupdel")
	}
}

func TestUserLockUnlock(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("passwd -u", nil, &executor.ExitError{
		Args: []string{"pfexec", "passwd"}, ExitCode: 1,
		Stderr: "Permission denied",
	})
	u := newUserHandlers(deps)
	ctx := context.Background()

	res, err := u.handleLock(ctx, []byte(`{"username":"svcbuild"}`), noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "user svcbuild locked", res.Message)

	// The unlock failure reports itself as an unlock failure.
	_, err = u.handleUnlock(ctx, []byte(`{"username":"svcbuild"}`), noopProgress{})
	require.ErrorContains(t, err, "could not be unlocked")

	cmds := runner.commands()
	require.Len(t, cmds, 2)
	require.Contains(t, cmds[0], "passwd -l svcbuild")
	require.Contains(t, cmds[1], "passwd -u svcbuild")
}

func TestUserSetPassword_ViaStdin(t *testing.T) {
	deps, runner := testDeps(t)
	u := newUserHandlers(deps)

	res, err := u.handleSetPassword(context.Background(),
		[]byte(`{"username":"svcbuild","password":"hunter2"}`), noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "password set for svcbuild", res.Message)

	// The password travels over stdin, never on the command line.
	require.Len(t, runner.calls, 1)
	require.Equal(t, []string{"pfexec", "passwd", "svcbuild"}, runner.calls[0])
}
