// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI commands of the zoned binary.
package command

import (
	"github.com/hashicorp/cli"

	"github.com/openzoned/zoned/version"
)

// Commands returns the command factories for the CLI.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{UI: ui}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{UI: ui, Version: version.GetVersion()}, nil
		},
	}
}
