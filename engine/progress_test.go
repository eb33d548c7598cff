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
	"github.com/openzoned/zoned/testutil"
)

// runningTaskRow creates a task and claims it so progress writes land.
func runningTaskRow(t *testing.T, db state.StateDB) *structs.Task {
	t.Helper()
	ctx := context.Background()
	task, err := db.CreateTask(ctx, &structs.TaskSpec{
		Operation: OpArtifactDownloadURL,
		CreatedBy: "test",
	})
	require.NoError(t, err)
	claimed, err := db.TryClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	return task
}

func TestPublisher_WritesThrough(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	task := runningTaskRow(t, db)

	p := newPublisher(testlog.HCLogger(t), db, task.ID, 10*time.Millisecond)

	p.Publish(25, map[string]int{"bytes": 250})

	testutil.WaitForResult(func() (bool, error) {
		got, err := db.GetTask(context.Background(), task.ID)
		if err != nil {
			return false, err
		}
		return got.ProgressPercent == 25, nil
	}, func(err error) {
		t.Fatalf("progress never persisted: %v", err)
	})

	p.Close()

	got, err := db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"bytes":250}`, string(got.ProgressInfo))
}

func TestPublisher_DropsStalePercent(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	task := runningTaskRow(t, db)

	p := newPublisher(testlog.HCLogger(t), db, task.ID, time.Millisecond)
	p.Publish(60, nil)
	p.Publish(30, nil)
	p.Close()

	percent, _ := p.Last()
	require.Equal(t, 60, percent)

	got, err := db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, 60, got.ProgressPercent)
}

func TestPublisher_CoalescesWrites(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	task := runningTaskRow(t, db)

	// A long interval holds everything after the first write back until
	// Close flushes.
	p := newPublisher(testlog.HCLogger(t), db, task.ID, time.Hour)
	for percent := 1; percent <= 50; percent++ {
		p.Publish(percent, nil)
	}
	p.Close()

	got, err := db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, 50, got.ProgressPercent, "close must flush the newest snapshot")

	percent, _ := p.Last()
	require.Equal(t, 50, percent)
}

func TestPublisher_PublishNeverBlocks(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	task := runningTaskRow(t, db)

	p := newPublisher(testlog.HCLogger(t), db, task.ID, time.Hour)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			p.Publish(i/100, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked the handler")
	}
}
