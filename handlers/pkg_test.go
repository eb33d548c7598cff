// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/executor"
)

func TestPkgInstall_NothingToDoIsSuccess(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("pkg install", nil, &executor.ExitError{
		Args: []string{"pfexec", "pkg"}, ExitCode: pkgExitNoChanges,
		Stderr: "No updates necessary for this image.",
	})
	p := newPkgHandlers(deps)

	res, err := p.handleInstall(context.Background(),
		[]byte(`{"packages":["web/nginx"]}`), noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "packages already installed: web/nginx", res.Message)
	require.Contains(t, runner.commands()[0], "pkg install --no-refresh web/nginx")
}

func TestPkgInstall_RealFailure(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("pkg install", nil, &executor.ExitError{
		Args: []string{"pfexec", "pkg"}, ExitCode: 1,
		Stderr: "no matching package",
	})
	p := newPkgHandlers(deps)

	_, err := p.handleInstall(context.Background(),
		[]byte(`{"packages":["web/nope"]}`), noopProgress{})
	require.ErrorContains(t, err, "pkg install failed")
	require.Len(t, runner.calls, 1)
}

func TestPkgUpdate_NothingToDoIsSuccess(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("pkg update", nil, &executor.ExitError{
		Args: []string{"pfexec", "pkg"}, ExitCode: pkgExitNoChanges,
		Stderr: "No updates available for this image.",
	})
	p := newPkgHandlers(deps)

	res, err := p.handleUpdate(context.Background(), nil, noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "image already up to date", res.Message)
}

func TestRepositoryAdd_DisabledFollowUp(t *testing.T) {
	deps, runner := testDeps(t)
	p := newPkgHandlers(deps)

	res, err := p.handleRepositoryAdd(context.Background(),
		[]byte(`{"publisher":"extra","origin":"https://pkg.example.com/extra","enabled":false}`),
		noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "publisher extra added (disabled)", res.Message)

	// set-publisher -g cannot create a publisher disabled, so the add is
	// followed by an explicit disable.
	cmds := runner.commands()
	require.Len(t, cmds, 2)
	require.Contains(t, cmds[0], "pkg set-publisher -g https://pkg.example.com/extra extra")
	require.Contains(t, cmds[1], "pkg set-publisher --disable extra")
}

func TestRepositoryAdd_Enabled(t *testing.T) {
	deps, runner := testDeps(t)
	p := newPkgHandlers(deps)

	res, err := p.handleRepositoryAdd(context.Background(),
		[]byte(`{"publisher":"extra","origin":"https://pkg.example.com/extra"}`),
		noopProgress{})
	require.NoError(t, err)
	require.Equal(t, "publisher extra added", res.Message)
	require.Len(t, runner.commands(), 1)
}

func TestRepositoryAdd_DisableFails(t *testing.T) {
	deps, runner := testDeps(t)
	runner.on("--disable", nil, &executor.ExitError{
		Args: []string{"pfexec", "pkg"}, ExitCode: 1,
		Stderr: "unknown publisher",
	})
	p := newPkgHandlers(deps)

	_, err := p.handleRepositoryAdd(context.Background(),
		[]byte(`{"publisher":"extra","origin":"https://pkg.example.com/extra","enabled":false}`),
		noopProgress{})
	require.ErrorContains(t, err, "added but could not be disabled")
}
