// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openzoned/zoned/engine/structs"
)

func (s *SQLStateDB) UpsertStorageLocation(ctx context.Context, loc *structs.StorageLocation) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_locations (id, name, path, type, enabled, file_count, total_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			type = excluded.type,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		loc.ID, loc.Name, loc.Path, loc.Type, loc.Enabled,
		loc.FileCount, loc.TotalSize, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert storage location %s: %w", loc.ID, err)
	}
	return nil
}

func (s *SQLStateDB) GetStorageLocation(ctx context.Context, id string) (*structs.StorageLocation, error) {
	var loc structs.StorageLocation
	err := s.db.GetContext(ctx, &loc, `SELECT * FROM storage_locations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrStorageLocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage location %s: %w", id, err)
	}
	return &loc, nil
}

func (s *SQLStateDB) ListStorageLocations(ctx context.Context, enabledOnly bool) ([]*structs.StorageLocation, error) {
	query := `SELECT * FROM storage_locations`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	locs := []*structs.StorageLocation{}
	if err := s.db.SelectContext(ctx, &locs, query); err != nil {
		return nil, fmt.Errorf("failed to list storage locations: %w", err)
	}
	return locs, nil
}

func (s *SQLStateDB) AddToStorageLocationStats(ctx context.Context, id string, files, size int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE storage_locations
		SET file_count = file_count + ?, total_size = total_size + ?, updated_at = ?
		WHERE id = ?`,
		files, size, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update stats of storage location %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return structs.ErrStorageLocationNotFound
	}
	return nil
}

func (s *SQLStateDB) RecountStorageLocationStats(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE storage_locations
		SET file_count = (SELECT COUNT(*) FROM artifacts WHERE location_id = ?),
			total_size = (SELECT COALESCE(SUM(size), 0) FROM artifacts WHERE location_id = ?),
			updated_at = ?
		WHERE id = ?`,
		id, id, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to recount stats of storage location %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return structs.ErrStorageLocationNotFound
	}
	return nil
}

func (s *SQLStateDB) InsertArtifact(ctx context.Context, artifact *structs.Artifact) error {
	now := s.now()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, location_id, path, filename, size, checksum,
			algorithm, source_url, last_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.LocationID, artifact.Path, artifact.Filename,
		artifact.Size, artifact.Checksum, artifact.Algorithm, artifact.SourceURL,
		artifact.LastVerified, artifact.CreatedAt, artifact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", artifact.Path, err)
	}
	return nil
}

func (s *SQLStateDB) GetArtifactByPath(ctx context.Context, path string) (*structs.Artifact, error) {
	var artifact structs.Artifact
	err := s.db.GetContext(ctx, &artifact, `SELECT * FROM artifacts WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact at %s: %w", path, err)
	}
	return &artifact, nil
}

func (s *SQLStateDB) ListArtifactsByLocation(ctx context.Context, locationID string) ([]*structs.Artifact, error) {
	artifacts := []*structs.Artifact{}
	err := s.db.SelectContext(ctx, &artifacts,
		`SELECT * FROM artifacts WHERE location_id = ? ORDER BY path`, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts of location %s: %w", locationID, err)
	}
	return artifacts, nil
}

func (s *SQLStateDB) TouchArtifactVerified(ctx context.Context, id string, when time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET last_verified = ?, updated_at = ? WHERE id = ?`,
		when.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch artifact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return structs.ErrArtifactNotFound
	}
	return nil
}

func (s *SQLStateDB) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}
