// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"fmt"
	"strings"
)

var (
	// Version is the main version number that is being run at the moment.
	Version = "0.3.0"

	// VersionPrerelease is a marker for the version. If this is ""
	// (empty string) then it means that it is a final release. Otherwise,
	// this is a pre-release such as "dev" (in development), "beta", etc.
	VersionPrerelease = "dev"

	// GitCommit is filled in by the linker at build time.
	GitCommit string
)

// VersionInfo holds the pieces of the version string.
type VersionInfo struct {
	Revision          string
	Version           string
	VersionPrerelease string
}

// GetVersion returns the version info for the running binary.
func GetVersion() *VersionInfo {
	return &VersionInfo{
		Revision:          GitCommit,
		Version:           Version,
		VersionPrerelease: VersionPrerelease,
	}
}

// VersionNumber is the dotted version plus any prerelease marker.
func (c *VersionInfo) VersionNumber() string {
	version := c.Version
	if c.VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, c.VersionPrerelease)
	}
	return version
}

// FullVersionNumber renders the version for display, optionally with the
// git revision.
func (c *VersionInfo) FullVersionNumber(rev bool) string {
	var versionString strings.Builder

	fmt.Fprintf(&versionString, "zoned v%s", c.Version)
	if c.VersionPrerelease != "" {
		fmt.Fprintf(&versionString, "-%s", c.VersionPrerelease)
	}
	if rev && c.Revision != "" {
		fmt.Fprintf(&versionString, " (%s)", c.Revision)
	}

	return versionString.String()
}
