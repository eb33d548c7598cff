// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/pointer"
	"github.com/openzoned/zoned/helper/testlog"
	"github.com/openzoned/zoned/helper/uuid"
)

// testDB runs the given test against every StateDB implementation.
func testDB(t *testing.T, f func(*testing.T, StateDB)) {
	dbs := []func(*testing.T) StateDB{
		setupMemDB,
		setupSQLDB,
	}
	for _, setup := range dbs {
		db := setup(t)
		t.Run(db.Name(), func(t *testing.T) {
			f(t, db)
		})
	}
}

func setupMemDB(t *testing.T) StateDB {
	return NewMemDB(testlog.HCLogger(t))
}

func setupSQLDB(t *testing.T) StateDB {
	db, err := NewSQLStateDB(testlog.HCLogger(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTask(t *testing.T, db StateDB, spec *structs.TaskSpec) *structs.Task {
	t.Helper()
	if spec.CreatedBy == "" {
		spec.CreatedBy = "test"
	}
	task, err := db.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	return task
}

func TestStateDB_CreateAndGet(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		task := createTask(t, db, &structs.TaskSpec{
			Operation: "zone_start",
			Target:    "web01",
			Priority:  structs.TaskPriorityHigh,
			Metadata:  []byte(`{"zone_name":"web01"}`),
		})
		require.NotEmpty(t, task.ID)
		require.Equal(t, structs.TaskStatusPending, task.Status)
		require.Nil(t, task.StartedAt)

		got, err := db.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, task.ID, got.ID)
		require.Equal(t, "zone_start", got.Operation)
		require.Equal(t, "web01", got.Target)
		require.Equal(t, structs.TaskPriorityHigh, got.Priority)
		require.JSONEq(t, `{"zone_name":"web01"}`, string(got.Metadata))

		_, err = db.GetTask(ctx, uuid.Generate())
		require.ErrorIs(t, err, structs.ErrTaskNotFound)
	})
}

func TestStateDB_ListFilters(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		createTask(t, db, &structs.TaskSpec{Operation: "zone_start", Target: "web01"})
		createTask(t, db, &structs.TaskSpec{Operation: "zone_stop", Target: "web01"})
		createTask(t, db, &structs.TaskSpec{Operation: "discover", Target: "system"})

		all, err := db.ListTasks(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)

		byTarget, err := db.ListTasks(ctx, &structs.TaskListFilter{Target: "web01"})
		require.NoError(t, err)
		require.Len(t, byTarget, 2)

		byOp, err := db.ListTasks(ctx, &structs.TaskListFilter{Operation: "discover"})
		require.NoError(t, err)
		require.Len(t, byOp, 1)

		// operation_ne hides the discovery noise.
		notDiscover, err := db.ListTasks(ctx, &structs.TaskListFilter{OperationNE: "discover"})
		require.NoError(t, err)
		require.Len(t, notDiscover, 2)

		limited, err := db.ListTasks(ctx, &structs.TaskListFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)

		// The count ignores the limit.
		n, err := db.CountTasks(ctx, &structs.TaskListFilter{Limit: 1})
		require.NoError(t, err)
		require.Equal(t, 3, n)

		pending, err := db.ListTasks(ctx, &structs.TaskListFilter{Status: structs.TaskStatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 3)

		counts, err := db.CountTasksByStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, counts[structs.TaskStatusPending])
		require.Equal(t, 0, counts[structs.TaskStatusRunning])
	})
}

func TestStateDB_ClaimOrder(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		low := createTask(t, db, &structs.TaskSpec{Operation: "zone_stop", Priority: structs.TaskPriorityLow})
		high := createTask(t, db, &structs.TaskSpec{Operation: "zone_start", Priority: structs.TaskPriorityHigh})
		normalOld := createTask(t, db, &structs.TaskSpec{Operation: "zone_restart", Priority: structs.TaskPriorityMedium})
		time.Sleep(5 * time.Millisecond)
		normalNew := createTask(t, db, &structs.TaskSpec{Operation: "zone_restart", Priority: structs.TaskPriorityMedium})

		var order []string
		for {
			task, err := db.TryClaimNext(ctx, nil)
			require.NoError(t, err)
			if task == nil {
				break
			}
			require.Equal(t, structs.TaskStatusRunning, task.Status)
			require.NotNil(t, task.StartedAt)
			order = append(order, task.ID)
		}

		// Priority first, then age within a priority.
		require.Equal(t, []string{high.ID, normalOld.ID, normalNew.ID, low.ID}, order)
	})
}

func TestStateDB_ClaimDependency(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		first := createTask(t, db, &structs.TaskSpec{Operation: "zone_stop", Target: "web01"})
		second := createTask(t, db, &structs.TaskSpec{
			Operation: "zone_start",
			Target:    "web01",
			DependsOn: pointer.Of(first.ID),
		})

		// Only the predecessor is claimable.
		claimed, err := db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, first.ID, claimed.ID)

		// Predecessor running: dependent still gated.
		gated, err := db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Nil(t, gated)

		// A failed predecessor never releases the dependent.
		require.NoError(t, db.MarkTaskTerminal(ctx, first.ID, structs.TaskStatusFailed, "boom", 0, nil))
		gated, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Nil(t, gated)

		// Flip the predecessor to completed and the dependent frees up.
		third := createTask(t, db, &structs.TaskSpec{Operation: "zone_stop", Target: "web02"})
		claimed, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, third.ID, claimed.ID)
		require.NoError(t, db.MarkTaskTerminal(ctx, third.ID, structs.TaskStatusCompleted, "", 0, nil))

		fourth := createTask(t, db, &structs.TaskSpec{
			Operation: "zone_start",
			Target:    "web02",
			DependsOn: pointer.Of(third.ID),
		})
		claimed, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, fourth.ID, claimed.ID)
		_ = second
	})
}

func TestStateDB_ClaimExclusions(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		pkg := createTask(t, db, &structs.TaskSpec{Operation: "pkg_install", Priority: structs.TaskPriorityHigh})
		zone := createTask(t, db, &structs.TaskSpec{Operation: "zone_start", Priority: structs.TaskPriorityLow})

		// With pkg_install excluded the lower priority task wins.
		claimed, err := db.TryClaimNext(ctx, []string{"pkg_install", "pkg_update"})
		require.NoError(t, err)
		require.Equal(t, zone.ID, claimed.ID)

		claimed, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, pkg.ID, claimed.ID)
	})
}

func TestStateDB_ClaimConcurrent(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		const total = 20
		for i := 0; i < total; i++ {
			createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := db.TryClaimNext(ctx, nil)
					require.NoError(t, err)
					if task == nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		// Every task claimed exactly once.
		require.Len(t, seen, total)
		for id, n := range seen {
			require.Equal(t, 1, n, "task %s claimed %d times", id, n)
		}
	})
}

func TestStateDB_RevertClaim(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		task := createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		claimed, err := db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, task.ID, claimed.ID)

		require.NoError(t, db.RevertClaim(ctx, task.ID))

		got, err := db.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, structs.TaskStatusPending, got.Status)
		require.Nil(t, got.StartedAt)

		// Claimable again.
		claimed, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, task.ID, claimed.ID)
	})
}

func TestStateDB_MarkTaskTerminal(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		task := createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		_, err := db.TryClaimNext(ctx, nil)
		require.NoError(t, err)

		require.Error(t, db.MarkTaskTerminal(ctx, task.ID, structs.TaskStatusRunning, "", 0, nil))

		// Completion forces 100 percent even when the handler never
		// published.
		require.NoError(t, db.MarkTaskTerminal(ctx, task.ID, structs.TaskStatusCompleted, "", 0, []byte(`{"message":"ok"}`)))
		got, err := db.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, structs.TaskStatusCompleted, got.Status)
		require.Equal(t, 100, got.ProgressPercent)
		require.NotNil(t, got.CompletedAt)
		require.JSONEq(t, `{"message":"ok"}`, string(got.ProgressInfo))

		require.ErrorIs(t, db.MarkTaskTerminal(ctx, uuid.Generate(), structs.TaskStatusFailed, "x", 0, nil), structs.ErrTaskNotFound)
	})
}

func TestStateDB_UpdateTaskProgress(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		task := createTask(t, db, &structs.TaskSpec{Operation: "artifact_download_url"})

		// Progress on a pending task is a no-op.
		require.NoError(t, db.UpdateTaskProgress(ctx, task.ID, 10, nil))
		got, err := db.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, 0, got.ProgressPercent)

		_, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)

		require.NoError(t, db.UpdateTaskProgress(ctx, task.ID, 40, []byte(`{"bytes":4}`)))
		require.NoError(t, db.UpdateTaskProgress(ctx, task.ID, 25, nil))

		got, err = db.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, 40, got.ProgressPercent, "stale percent must not regress the row")
		require.JSONEq(t, `{"bytes":4}`, string(got.ProgressInfo))
	})
}

func TestStateDB_CancelTask(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		pending := createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		require.NoError(t, db.CancelTask(ctx, pending.ID))

		got, err := db.GetTask(ctx, pending.ID)
		require.NoError(t, err)
		require.Equal(t, structs.TaskStatusCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)

		running := createTask(t, db, &structs.TaskSpec{Operation: "zone_stop"})
		_, err = db.TryClaimNext(ctx, nil)
		require.NoError(t, err)

		err = db.CancelTask(ctx, running.ID)
		var notCancellable *structs.ErrTaskNotCancellable
		require.ErrorAs(t, err, &notCancellable)
		require.Equal(t, structs.TaskStatusRunning, notCancellable.CurrentStatus)

		require.ErrorIs(t, db.CancelTask(ctx, uuid.Generate()), structs.ErrTaskNotFound)
	})
}

func TestStateDB_CancelPendingTasksForTarget(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		createTask(t, db, &structs.TaskSpec{Operation: "zone_start", Target: "web01"})
		createTask(t, db, &structs.TaskSpec{Operation: "zone_restart", Target: "web01"})
		other := createTask(t, db, &structs.TaskSpec{Operation: "zone_start", Target: "web02"})

		n, err := db.CancelPendingTasksForTarget(ctx, "web01")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		got, err := db.GetTask(ctx, other.ID)
		require.NoError(t, err)
		require.Equal(t, structs.TaskStatusPending, got.Status)
	})
}

func TestStateDB_FailRunningTasks(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		createTask(t, db, &structs.TaskSpec{Operation: "zone_stop"})
		pending := createTask(t, db, &structs.TaskSpec{Operation: "discover"})

		_, err := db.TryClaimNext(ctx, []string{"discover"})
		require.NoError(t, err)
		_, err = db.TryClaimNext(ctx, []string{"discover"})
		require.NoError(t, err)

		n, err := db.FailRunningTasks(ctx, "orphaned by restart")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		failed, err := db.ListTasks(ctx, &structs.TaskListFilter{Status: structs.TaskStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 2)
		for _, task := range failed {
			require.Equal(t, "orphaned by restart", task.ErrorMessage)
			require.NotNil(t, task.CompletedAt)
		}

		got, err := db.GetTask(ctx, pending.ID)
		require.NoError(t, err)
		require.Equal(t, structs.TaskStatusPending, got.Status)
	})
}

func TestStateDB_DestroyTerminalTasks(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		done := createTask(t, db, &structs.TaskSpec{Operation: "zone_start"})
		_, err := db.TryClaimNext(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, db.MarkTaskTerminal(ctx, done.ID, structs.TaskStatusCompleted, "", 100, nil))

		pending := createTask(t, db, &structs.TaskSpec{Operation: "zone_stop"})

		// A cutoff in the future reaps every terminal row but never a
		// live one.
		n, err := db.DestroyTerminalTasksOlderThan(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = db.GetTask(ctx, done.ID)
		require.ErrorIs(t, err, structs.ErrTaskNotFound)
		_, err = db.GetTask(ctx, pending.ID)
		require.NoError(t, err)
	})
}

func TestStateDB_Zones(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, db.UpsertZone(ctx, &structs.Zone{
			Name: "web01", Brand: "bhyve", State: "running",
			AutoDiscovered: true, LastSeen: now,
		}))
		require.NoError(t, db.UpsertZone(ctx, &structs.Zone{
			Name: "db01", Brand: "lipkg", State: "installed", LastSeen: now,
		}))

		zone, err := db.GetZone(ctx, "web01")
		require.NoError(t, err)
		require.Equal(t, "bhyve", zone.Brand)
		require.True(t, zone.AutoDiscovered)
		require.False(t, zone.IsOrphaned)

		// Refresh keeps the row count stable.
		require.NoError(t, db.UpsertZone(ctx, &structs.Zone{
			Name: "web01", Brand: "bhyve", State: "installed", LastSeen: now,
		}))
		zones, err := db.ListZones(ctx)
		require.NoError(t, err)
		require.Len(t, zones, 2)

		require.NoError(t, db.MarkZoneOrphaned(ctx, "db01"))
		zone, err = db.GetZone(ctx, "db01")
		require.NoError(t, err)
		require.True(t, zone.IsOrphaned)

		require.NoError(t, db.DeleteZone(ctx, "web01"))
		_, err = db.GetZone(ctx, "web01")
		require.ErrorIs(t, err, structs.ErrZoneNotFound)
	})
}

func TestStateDB_NetworkRows(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, db.UpsertNetworkInterface(ctx, &structs.NetworkInterface{
			Link: "web01_net0", Class: "vnic", Over: "igb0", Zone: "web01",
		}))
		require.NoError(t, db.UpsertNetworkInterface(ctx, &structs.NetworkInterface{
			Link: "web01_net1", Class: "vnic", Over: "igb0", Zone: "web01",
		}))
		require.NoError(t, db.UpsertNetworkInterface(ctx, &structs.NetworkInterface{
			Link: "stub0", Class: "etherstub",
		}))

		require.NoError(t, db.InsertNetworkUsage(ctx, "web01_net0", 100, 200, now))
		require.NoError(t, db.InsertNetworkUsage(ctx, "web01_net1", 1, 2, now))
		require.NoError(t, db.InsertNetworkUsage(ctx, "stub0", 0, 0, now))

		require.NoError(t, db.UpsertIPAddress(ctx, &structs.IPAddress{
			AddrObj: "web01_net0/v4", Interface: "web01_net0", Type: "static",
			Address: "10.0.0.5/24", State: "ok",
		}))
		require.NoError(t, db.UpsertIPAddress(ctx, &structs.IPAddress{
			AddrObj: "stub0/v4", Interface: "stub0", Type: "static",
			Address: "10.9.9.9/24", State: "ok",
		}))

		// Zone-scoped purges take everything prefixed by the zone name
		// and nothing else.
		require.NoError(t, db.DeleteNetworkInterfacesByZone(ctx, "web01"))
		usageRemoved, err := db.DeleteNetworkUsageByLinkPrefix(ctx, "web01")
		require.NoError(t, err)
		require.Equal(t, 2, usageRemoved)
		addrsRemoved, err := db.DeleteIPAddressesByInterfacePrefix(ctx, "web01")
		require.NoError(t, err)
		require.Equal(t, 1, addrsRemoved)

		require.NoError(t, db.DeleteIPAddress(ctx, "stub0/v4"))
		require.NoError(t, db.DeleteNetworkInterface(ctx, "stub0"))
	})
}

func TestStateDB_Artifacts(t *testing.T) {
	testDB(t, func(t *testing.T, db StateDB) {
		ctx := context.Background()

		loc := &structs.StorageLocation{
			ID: uuid.Generate(), Name: "isos", Path: "/data/isos", Type: "iso", Enabled: true,
		}
		require.NoError(t, db.UpsertStorageLocation(ctx, loc))
		require.NoError(t, db.UpsertStorageLocation(ctx, &structs.StorageLocation{
			ID: uuid.Generate(), Name: "disabled", Path: "/data/old", Type: "iso",
		}))

		got, err := db.GetStorageLocation(ctx, loc.ID)
		require.NoError(t, err)
		require.Equal(t, "isos", got.Name)

		enabled, err := db.ListStorageLocations(ctx, true)
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		all, err := db.ListStorageLocations(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 2)

		artifact := &structs.Artifact{
			ID:         uuid.Generate(),
			LocationID: loc.ID,
			Path:       "/data/isos/omnios.iso",
			Filename:   "omnios.iso",
			Size:       1024,
			Checksum:   pointer.Of("abc"),
			Algorithm:  pointer.Of("sha256"),
		}
		require.NoError(t, db.InsertArtifact(ctx, artifact))

		byPath, err := db.GetArtifactByPath(ctx, "/data/isos/omnios.iso")
		require.NoError(t, err)
		require.Equal(t, artifact.ID, byPath.ID)
		_, err = db.GetArtifactByPath(ctx, "/data/isos/missing.iso")
		require.ErrorIs(t, err, structs.ErrArtifactNotFound)

		require.NoError(t, db.AddToStorageLocationStats(ctx, loc.ID, 1, 1024))
		got, err = db.GetStorageLocation(ctx, loc.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), got.FileCount)
		require.Equal(t, int64(1024), got.TotalSize)

		verified := time.Now().UTC()
		require.NoError(t, db.TouchArtifactVerified(ctx, artifact.ID, verified))
		list, err := db.ListArtifactsByLocation(ctx, loc.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].LastVerified)

		// Recount corrects drifted stats from the artifact rows.
		require.NoError(t, db.AddToStorageLocationStats(ctx, loc.ID, 5, 999999))
		require.NoError(t, db.RecountStorageLocationStats(ctx, loc.ID))
		got, err = db.GetStorageLocation(ctx, loc.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), got.FileCount)
		require.Equal(t, int64(1024), got.TotalSize)

		require.NoError(t, db.DeleteArtifact(ctx, artifact.ID))
		list, err = db.ListArtifactsByLocation(ctx, loc.ID)
		require.NoError(t, err)
		require.Empty(t, list)
	})
}
