// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/uuid"
)

// ScanParams is the metadata payload of the scan operations.
type ScanParams struct {
	StorageLocationID string `json:"storage_location_id,omitempty"`
	RemoveOrphaned    bool   `json:"remove_orphaned,omitempty"`
}

// scanSummary accumulates results across locations.
type scanSummary struct {
	Added     int `json:"added"`
	Refreshed int `json:"refreshed"`
	Removed   int `json:"removed"`
	Skipped   int `json:"skipped"`
}

func parseScanParams(metadata []byte) (*ScanParams, error) {
	var params ScanParams
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &params); err != nil {
			return nil, fmt.Errorf("invalid scan metadata: %w", err)
		}
	}
	return &params, nil
}

func (c *Coordinator) handleScanLocation(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	params, err := parseScanParams(metadata)
	if err != nil {
		return nil, err
	}
	if params.StorageLocationID == "" {
		return nil, fmt.Errorf("scan requires a storage_location_id")
	}

	loc, err := c.store.GetStorageLocation(ctx, params.StorageLocationID)
	if err != nil {
		return nil, err
	}

	inflight, err := c.inflightDownloadPaths(ctx)
	if err != nil {
		return nil, err
	}

	summary := &scanSummary{}
	if err := c.scanLocation(ctx, loc, params.RemoveOrphaned, inflight, summary); err != nil {
		return nil, err
	}

	prog.Publish(100, summary)
	return scanResult(summary, 1), nil
}

func (c *Coordinator) handleScanAll(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	params, err := parseScanParams(metadata)
	if err != nil {
		return nil, err
	}

	locations, err := c.store.ListStorageLocations(ctx, true)
	if err != nil {
		return nil, err
	}

	// One snapshot covers the whole sweep; a download starting
	// mid-sweep writes into a file the scan either already passed or
	// will insert later with its real size.
	inflight, err := c.inflightDownloadPaths(ctx)
	if err != nil {
		return nil, err
	}

	summary := &scanSummary{}
	var mErr *multierror.Error
	for i, loc := range locations {
		if err := c.scanLocation(ctx, loc, params.RemoveOrphaned, inflight, summary); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("location %s: %w", loc.Name, err))
		}
		prog.Publish((i+1)*100/len(locations), summary)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return scanResult(summary, len(locations)), nil
}

func scanResult(summary *scanSummary, locations int) *structs.HandlerResult {
	return &structs.HandlerResult{
		Message: fmt.Sprintf("scanned %d location(s): %d added, %d refreshed, %d removed, %d skipped",
			locations, summary.Added, summary.Refreshed, summary.Removed, summary.Skipped),
		Extra: map[string]interface{}{
			"locations": locations,
			"added":     summary.Added,
			"refreshed": summary.Refreshed,
			"removed":   summary.Removed,
			"skipped":   summary.Skipped,
		},
	}
}

// scanLocation reconciles one location's directory with its artifact rows.
// Paths in the in-flight set are untouchable: not inserted, not refreshed,
// not deleted.
func (c *Coordinator) scanLocation(ctx context.Context, loc *structs.StorageLocation, removeOrphaned bool, inflight map[string]struct{}, summary *scanSummary) error {
	entries, err := os.ReadDir(loc.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", loc.Path, err)
	}

	known, err := c.store.ListArtifactsByLocation(ctx, loc.ID)
	if err != nil {
		return err
	}
	byPath := make(map[string]*structs.Artifact, len(known))
	for _, artifact := range known {
		byPath[artifact.Path] = artifact
	}

	now := time.Now().UTC()
	observed := make(map[string]struct{}, len(entries))
	var mErr *multierror.Error

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !c.allowedExtension(loc.Type, entry.Name()) {
			continue
		}

		path := filepath.Join(loc.Path, entry.Name())
		if _, downloading := inflight[path]; downloading {
			summary.Skipped++
			c.logger.Debug("skipping in-flight download during scan", "path", path)
			continue
		}
		observed[path] = struct{}{}

		if artifact, ok := byPath[path]; ok {
			if err := c.store.TouchArtifactVerified(ctx, artifact.ID, now); err != nil {
				mErr = multierror.Append(mErr, err)
				continue
			}
			summary.Refreshed++
			continue
		}

		info, err := entry.Info()
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("failed to stat %s: %w", path, err))
			continue
		}
		artifact := &structs.Artifact{
			ID:           uuid.Generate(),
			LocationID:   loc.ID,
			Path:         path,
			Filename:     entry.Name(),
			Size:         info.Size(),
			LastVerified: &now,
		}
		if err := c.store.InsertArtifact(ctx, artifact); err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		summary.Added++
	}

	if removeOrphaned {
		for path, artifact := range byPath {
			if _, onDisk := observed[path]; onDisk {
				continue
			}
			if _, downloading := inflight[path]; downloading {
				summary.Skipped++
				continue
			}
			// Rows for disallowed extensions are still checked
			// against the disk before removal.
			if _, err := os.Stat(path); err == nil {
				continue
			}
			if err := c.store.DeleteArtifact(ctx, artifact.ID); err != nil {
				mErr = multierror.Append(mErr, err)
				continue
			}
			summary.Removed++
		}
	}

	// Aggregate recount rather than incremental math: the scan is the
	// reconciliation point for stats drift.
	if err := c.store.RecountStorageLocationStats(ctx, loc.ID); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	return mErr.ErrorOrNil()
}
