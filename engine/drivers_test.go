// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/testlog"
)

// The startup grace and sweep intervals are fixed, so these tests drive
// enqueue and sweep directly instead of waiting out the loop.

func TestDiscoveryDriver_Enqueue(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	registry := NewRegistry()
	registry.Register(OpDiscover, noopHandler)
	s := NewScheduler(testlog.HCLogger(t), db, registry, SchedulerConfig{})

	d := &DiscoveryDriver{
		scheduler: s,
		interval:  time.Hour,
		logger:    testlog.HCLogger(t),
	}
	d.enqueue()
	d.enqueue()

	tasks, err := db.ListTasks(context.Background(), &structs.TaskListFilter{Operation: OpDiscover})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.Equal(t, "system", task.Target)
		require.Equal(t, structs.TaskPriorityBackground, task.Priority)
		require.Equal(t, "zoned-engine", task.CreatedBy)
		require.Equal(t, structs.TaskStatusPending, task.Status)
	}
}

func TestDiscoveryDriver_StopBeforeGrace(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	registry := NewRegistry()
	registry.Register(OpDiscover, noopHandler)
	s := NewScheduler(testlog.HCLogger(t), db, registry, SchedulerConfig{})

	d := NewDiscoveryDriver(testlog.HCLogger(t), s, time.Hour)
	d.Stop()

	// Stopped inside the grace period, so nothing was enqueued.
	tasks, err := db.ListTasks(context.Background(), &structs.TaskListFilter{Operation: OpDiscover})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRetentionDriver_Sweep(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	ctx := context.Background()

	old, err := db.CreateTask(ctx, &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)
	claimed, err := db.TryClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, old.ID, claimed.ID)
	require.NoError(t, db.MarkTaskTerminal(ctx, old.ID, structs.TaskStatusCompleted, "", 100, nil))

	pending, err := db.CreateTask(ctx, &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)

	// A negative retention pushes the cutoff into the future, so the
	// completed row above counts as expired.
	r := &RetentionDriver{
		store:     db,
		retention: -time.Hour,
		interval:  time.Hour,
		logger:    testlog.HCLogger(t),
	}
	r.sweep()

	_, err = db.GetTask(ctx, old.ID)
	require.ErrorIs(t, err, structs.ErrTaskNotFound)

	// Pending rows are never reaped regardless of age.
	got, err := db.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusPending, got.Status)
}

func TestRetentionDriver_StopTerminatesLoop(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	r := NewRetentionDriver(testlog.HCLogger(t), db, 30*24*time.Hour)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention driver did not stop")
	}
}
