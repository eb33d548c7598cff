// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/openzoned/zoned/command"
	"github.com/openzoned/zoned/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI and returns the exit code.
func Run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("zoned", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(ui)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
