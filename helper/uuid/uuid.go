// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid generates the identifiers used for tasks and artifacts.
package uuid

import (
	gouuid "github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID. Errors from the OS entropy source are not
// recoverable, so Generate panics instead of returning one.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// Short returns the first 8 characters of a UUID, for log friendliness.
func Short(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
