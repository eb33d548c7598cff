// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"github.com/hashicorp/cli"

	"github.com/openzoned/zoned/version"
)

// VersionCommand prints the binary version.
type VersionCommand struct {
	UI      cli.Ui
	Version *version.VersionInfo
}

func (c *VersionCommand) Help() string {
	return "Usage: zoned version\n\n  Prints the zoned version."
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the zoned version"
}

func (c *VersionCommand) Run(_ []string) int {
	c.UI.Output(c.Version.FullVersionNumber(true))
	return 0
}
