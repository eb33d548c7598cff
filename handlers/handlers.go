// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package handlers implements the OS-facing operation handlers registered
// with the task engine: zone lifecycle, service management, datalink and IP
// configuration, system settings, user administration, package and boot
// environment management, file operations, and process tracing.
//
// Handlers build argv commands for the OmniOS tooling (zoneadm, dladm,
// ipadm, svcadm, pkg, beadm, ...) and run them through the executor under
// pfexec. After a host-side action succeeds, the handler reconciles the
// matching database rows; a reconciliation failure is reported as a
// cleanup_error on a completed task, never as a failure, because the host
// already did what the user asked.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/executor"
)

// Deps carries what every handler area needs.
type Deps struct {
	Logger hclog.Logger
	Runner executor.Executor
	State  state.StateDB

	// RebootHook is invoked when an operation leaves the host wanting a
	// reboot (hostname, timezone). May be nil.
	RebootHook func(reason string)
}

func (d *Deps) rebootRequired(reason string) {
	if d.RebootHook != nil {
		d.RebootHook(reason)
	}
}

// RegisterAll wires every operation handler into the registry.
func RegisterAll(r *engine.Registry, deps *Deps) {
	newZoneHandlers(deps).register(r)
	newServiceHandlers(deps).register(r)
	newDatalinkHandlers(deps).register(r)
	newIPHandlers(deps).register(r)
	newSysConfigHandlers(deps).register(r)
	newUserHandlers(deps).register(r)
	newPkgHandlers(deps).register(r)
	newFileHandlers(deps).register(r)
	newTraceHandlers(deps).register(r)
}

// exitCode extracts the command exit status from an executor error, or -1
// when the error is not an exit failure.
func exitCode(err error) int {
	var exitErr *executor.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}

// commandStderr extracts captured stderr from an executor error.
func commandStderr(err error) string {
	var exitErr *executor.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return ""
}

// decode unmarshals task metadata into a typed params struct, failing fast
// with a validation error on bad input.
func decode(metadata []byte, out interface{}) error {
	if len(metadata) == 0 {
		return fmt.Errorf("missing operation metadata")
	}
	if err := json.Unmarshal(metadata, out); err != nil {
		return fmt.Errorf("invalid operation metadata: %w", err)
	}
	return nil
}
