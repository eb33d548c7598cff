// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"time"

	"github.com/openzoned/zoned/engine/structs"
)

// StateDB implementations store and load the host engine's durable state:
// the task queue plus the zone, network, and artifact tables the operation
// handlers reconcile.
//
// The database is the only cross-component authority for task state. The
// scheduler's in-memory maps are never the truth for a user visible query.
type StateDB interface {
	// Name of implementation.
	Name() string

	// CreateTask persists a new pending task and returns it with its
	// assigned id and timestamps.
	CreateTask(ctx context.Context, spec *structs.TaskSpec) (*structs.Task, error)

	// GetTask returns the task or structs.ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*structs.Task, error)

	// ListTasks returns tasks matching the filter ordered by CreatedAt
	// descending.
	ListTasks(ctx context.Context, filter *structs.TaskListFilter) ([]*structs.Task, error)

	// CountTasks returns the total number of tasks matching the filter,
	// ignoring its limit.
	CountTasks(ctx context.Context, filter *structs.TaskListFilter) (int, error)

	// CountTasksByStatus returns a map of status to row count.
	CountTasksByStatus(ctx context.Context) (map[string]int, error)

	// TryClaimNext atomically selects the highest-priority pending task
	// whose predecessor (if any) has completed and whose operation is not
	// in excludedOps, marks it running, and sets StartedAt. Ties break on
	// older CreatedAt. Returns nil when nothing is claimable.
	//
	// The claim is race free: two concurrent callers never receive the
	// same task.
	TryClaimNext(ctx context.Context, excludedOps []string) (*structs.Task, error)

	// RevertClaim returns a freshly claimed task to pending and clears
	// StartedAt. Used when the category lock acquisition lost a race.
	RevertClaim(ctx context.Context, id string) error

	// MarkTaskTerminal moves a running task to a terminal status, setting
	// CompletedAt, ErrorMessage, ProgressPercent, and ProgressInfo.
	MarkTaskTerminal(ctx context.Context, id, status, errMsg string, percent int, info []byte) error

	// UpdateTaskProgress writes a progress snapshot for a running task.
	UpdateTaskProgress(ctx context.Context, id string, percent int, info []byte) error

	// CancelTask cancels a pending task. It returns
	// *structs.ErrTaskNotCancellable when the task has left pending, or
	// structs.ErrTaskNotFound.
	CancelTask(ctx context.Context, id string) error

	// CancelPendingTasksForTarget cancels every pending task whose target
	// matches, returning how many were cancelled.
	CancelPendingTasksForTarget(ctx context.Context, target string) (int, error)

	// FailRunningTasks moves every running task to failed with the given
	// message. Used by the startup recovery sweep.
	FailRunningTasks(ctx context.Context, errMsg string) (int, error)

	// RunningTasks returns all tasks currently in the running status,
	// optionally filtered to one operation.
	RunningTasks(ctx context.Context, operation string) ([]*structs.Task, error)

	// DestroyTerminalTasksOlderThan deletes terminal tasks created before
	// the cutoff, returning how many were removed.
	DestroyTerminalTasksOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// UpsertZone inserts or refreshes a zone row.
	UpsertZone(ctx context.Context, zone *structs.Zone) error

	// GetZone returns the zone or structs.ErrZoneNotFound.
	GetZone(ctx context.Context, name string) (*structs.Zone, error)

	// ListZones returns all known zones.
	ListZones(ctx context.Context) ([]*structs.Zone, error)

	// MarkZoneOrphaned flags a zone the host no longer reports.
	MarkZoneOrphaned(ctx context.Context, name string) error

	// DeleteZone removes a zone row.
	DeleteZone(ctx context.Context, name string) error

	// UpsertNetworkInterface inserts or refreshes a datalink monitoring
	// row keyed by (link, class).
	UpsertNetworkInterface(ctx context.Context, iface *structs.NetworkInterface) error

	// DeleteNetworkInterface removes the row for one link.
	DeleteNetworkInterface(ctx context.Context, link string) error

	// DeleteNetworkInterfacesByZone removes all datalink rows for a zone.
	DeleteNetworkInterfacesByZone(ctx context.Context, zone string) error

	// InsertNetworkUsage records one bandwidth accounting sample for a
	// link.
	InsertNetworkUsage(ctx context.Context, link string, rxBytes, txBytes int64, at time.Time) error

	// DeleteNetworkUsageByLinkPrefix removes accounting rows whose link
	// starts with the prefix, returning how many were removed.
	DeleteNetworkUsageByLinkPrefix(ctx context.Context, prefix string) (int, error)

	// UpsertIPAddress inserts or refreshes an address row keyed by
	// addrobj.
	UpsertIPAddress(ctx context.Context, addr *structs.IPAddress) error

	// DeleteIPAddress removes the row for one addrobj.
	DeleteIPAddress(ctx context.Context, addrobj string) error

	// DeleteIPAddressesByInterfacePrefix removes address rows whose
	// interface starts with the prefix, returning how many were removed.
	DeleteIPAddressesByInterfacePrefix(ctx context.Context, prefix string) (int, error)

	// UpsertStorageLocation inserts or updates a storage location.
	UpsertStorageLocation(ctx context.Context, loc *structs.StorageLocation) error

	// GetStorageLocation returns the location or
	// structs.ErrStorageLocationNotFound.
	GetStorageLocation(ctx context.Context, id string) (*structs.StorageLocation, error)

	// ListStorageLocations returns locations, optionally only enabled
	// ones.
	ListStorageLocations(ctx context.Context, enabledOnly bool) ([]*structs.StorageLocation, error)

	// AddToStorageLocationStats increments a location's file count and
	// total size after a successful download.
	AddToStorageLocationStats(ctx context.Context, id string, files, size int64) error

	// RecountStorageLocationStats replaces a location's stats with an
	// aggregate over its artifact rows.
	RecountStorageLocationStats(ctx context.Context, id string) error

	// InsertArtifact persists a new artifact row.
	InsertArtifact(ctx context.Context, artifact *structs.Artifact) error

	// GetArtifactByPath returns the artifact at path or
	// structs.ErrArtifactNotFound.
	GetArtifactByPath(ctx context.Context, path string) (*structs.Artifact, error)

	// ListArtifactsByLocation returns all artifact rows for a location.
	ListArtifactsByLocation(ctx context.Context, locationID string) ([]*structs.Artifact, error)

	// TouchArtifactVerified refreshes an artifact's LastVerified stamp.
	TouchArtifactVerified(ctx context.Context, id string, when time.Time) error

	// DeleteArtifact removes an artifact row.
	DeleteArtifact(ctx context.Context, id string) error

	// Close the database. Unsafe for further use after calling regardless
	// of return value.
	Close() error
}
