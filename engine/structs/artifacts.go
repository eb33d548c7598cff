// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// StorageLocation is a configured directory artifacts live under. The
// allowed extension set for its type comes from agent configuration.
type StorageLocation struct {
	ID      string `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Path    string `db:"path" json:"path"`
	Type    string `db:"type" json:"type"`
	Enabled bool   `db:"enabled" json:"enabled"`

	FileCount int64 `db:"file_count" json:"file_count"`
	TotalSize int64 `db:"total_size" json:"total_size"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Artifact is one tracked file under a storage location. Checksum is null
// for files found by a scan rather than downloaded.
type Artifact struct {
	ID         string  `db:"id" json:"id"`
	LocationID string  `db:"location_id" json:"location_id"`
	Path       string  `db:"path" json:"path"`
	Filename   string  `db:"filename" json:"filename"`
	Size       int64   `db:"size" json:"size"`
	Checksum   *string `db:"checksum" json:"checksum,omitempty"`
	Algorithm  *string `db:"algorithm" json:"algorithm,omitempty"`
	SourceURL  *string `db:"source_url" json:"source_url,omitempty"`

	LastVerified *time.Time `db:"last_verified" json:"last_verified,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
