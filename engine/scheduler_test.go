// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/pointer"
	"github.com/openzoned/zoned/helper/testlog"
	"github.com/openzoned/zoned/testutil"
)

// testScheduler builds a scheduler over a MemDB with a fast tick. Callers
// register handlers before Start.
func testScheduler(t *testing.T, config SchedulerConfig) (*Scheduler, *Registry, state.StateDB) {
	t.Helper()
	if config.TickInterval == 0 {
		config.TickInterval = 10 * time.Millisecond
	}
	if config.ProgressInterval == 0 {
		config.ProgressInterval = 10 * time.Millisecond
	}
	db := state.NewMemDB(testlog.HCLogger(t))
	registry := NewRegistry()
	s := NewScheduler(testlog.HCLogger(t), db, registry, config)
	return s, registry, db
}

func waitForStatus(t *testing.T, db state.StateDB, id, status string) *structs.Task {
	t.Helper()
	var task *structs.Task
	testutil.WaitForResult(func() (bool, error) {
		var err error
		task, err = db.GetTask(context.Background(), id)
		if err != nil {
			return false, err
		}
		if task.Status != status {
			return false, fmt.Errorf("task %s is %s, want %s", id, task.Status, status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("%v", err)
	})
	return task
}

func TestScheduler_ExecutesTask(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStart, func(_ context.Context, metadata []byte, _ Progress) (*structs.HandlerResult, error) {
		return &structs.HandlerResult{Message: "zone web01 booted"}, nil
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	task, err := s.Enqueue(context.Background(), &structs.TaskSpec{
		Operation: OpZoneStart,
		Target:    "web01",
		CreatedBy: "test",
	})
	require.NoError(t, err)

	got := waitForStatus(t, db, task.ID, structs.TaskStatusCompleted)
	require.Equal(t, 100, got.ProgressPercent)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Contains(t, string(got.ProgressInfo), "zone web01 booted")
}

func TestScheduler_FailedHandler(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStop, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		return nil, fmt.Errorf("zoneadm exited 1")
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	task, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpZoneStop, CreatedBy: "test"})
	require.NoError(t, err)

	got := waitForStatus(t, db, task.ID, structs.TaskStatusFailed)
	require.Equal(t, "zoneadm exited 1", got.ErrorMessage)
}

func TestScheduler_EnqueueValidation(t *testing.T) {
	s, registry, _ := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStart, noopHandler)

	ctx := context.Background()

	_, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: "no_such_op", CreatedBy: "test"})
	require.ErrorContains(t, err, "unknown operation")

	_, err = s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneStart, Priority: 99, CreatedBy: "test"})
	require.Error(t, err)

	_, err = s.Enqueue(ctx, &structs.TaskSpec{
		Operation: OpZoneStart,
		DependsOn: pointer.Of("does-not-exist"),
		CreatedBy: "test",
	})
	require.ErrorContains(t, err, "invalid dependency")
}

func TestScheduler_CapacityLimit(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{MaxConcurrent: 2})

	gate := make(chan struct{})
	var peak int32
	var inflight int32
	registry.Register(OpZoneStart, func(ctx context.Context, _ []byte, _ Progress) (*structs.HandlerResult, error) {
		n := atomic.AddInt32(&inflight, 1)
		defer atomic.AddInt32(&inflight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-gate
		return &structs.HandlerResult{}, nil
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	var ids []string
	for i := 0; i < 4; i++ {
		task, err := s.Enqueue(context.Background(), &structs.TaskSpec{
			Operation: OpZoneStart,
			Target:    fmt.Sprintf("zone%d", i),
			CreatedBy: "test",
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	testutil.WaitForResult(func() (bool, error) {
		return s.RunningCount() == 2, fmt.Errorf("running %d, want 2", s.RunningCount())
	}, func(err error) {
		t.Fatalf("%v", err)
	})

	// Give the loop time to overshoot if it was going to.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, s.RunningCount())

	close(gate)
	for _, id := range ids {
		waitForStatus(t, db, id, structs.TaskStatusCompleted)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestScheduler_CategorySerialization(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{MaxConcurrent: 5})

	var inflight int32
	registry.Register(OpPkgInstall, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		if atomic.AddInt32(&inflight, 1) > 1 {
			return nil, fmt.Errorf("two package operations ran at once")
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return &structs.HandlerResult{}, nil
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	a, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpPkgInstall, CreatedBy: "test"})
	require.NoError(t, err)
	b, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpPkgInstall, CreatedBy: "test"})
	require.NoError(t, err)

	gotA := waitForStatus(t, db, a.ID, structs.TaskStatusCompleted)
	gotB := waitForStatus(t, db, b.ID, structs.TaskStatusCompleted)

	// One finished before the other started, in either order.
	aThenB := !gotB.StartedAt.Before(*gotA.CompletedAt)
	bThenA := !gotA.StartedAt.Before(*gotB.CompletedAt)
	require.True(t, aThenB || bThenA, "package operations overlapped")
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{MaxConcurrent: 1})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	registry.Register(OpZoneStart, func(_ context.Context, metadata []byte, _ Progress) (*structs.HandlerResult, error) {
		<-gate
		return &structs.HandlerResult{}, nil
	})
	registry.Register(OpZoneRestart, func(_ context.Context, metadata []byte, _ Progress) (*structs.HandlerResult, error) {
		mu.Lock()
		order = append(order, string(metadata))
		mu.Unlock()
		return &structs.HandlerResult{}, nil
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	ctx := context.Background()

	// The blocker occupies the only slot while the queue builds up.
	blocker, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)
	testutil.WaitForResult(func() (bool, error) {
		return s.RunningCount() == 1, fmt.Errorf("blocker not running")
	}, func(err error) {
		t.Fatalf("%v", err)
	})

	low, err := s.Enqueue(ctx, &structs.TaskSpec{
		Operation: OpZoneRestart, Priority: structs.TaskPriorityLow,
		Metadata: []byte(`low`), CreatedBy: "test",
	})
	require.NoError(t, err)
	critical, err := s.Enqueue(ctx, &structs.TaskSpec{
		Operation: OpZoneRestart, Priority: structs.TaskPriorityCritical,
		Metadata: []byte(`critical`), CreatedBy: "test",
	})
	require.NoError(t, err)

	close(gate)
	waitForStatus(t, db, blocker.ID, structs.TaskStatusCompleted)
	waitForStatus(t, db, low.ID, structs.TaskStatusCompleted)
	waitForStatus(t, db, critical.ID, structs.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"critical", "low"}, order)
}

func TestScheduler_DependencyGating(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{MaxConcurrent: 5})
	registry.Register(OpZoneStop, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &structs.HandlerResult{}, nil
	})
	registry.Register(OpZoneStart, noopHandler)

	require.NoError(t, s.Start())
	defer s.Shutdown()

	ctx := context.Background()
	stop, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneStop, Target: "web01", CreatedBy: "test"})
	require.NoError(t, err)
	start, err := s.Enqueue(ctx, &structs.TaskSpec{
		Operation: OpZoneStart, Target: "web01",
		DependsOn: pointer.Of(stop.ID), CreatedBy: "test",
	})
	require.NoError(t, err)

	gotStop := waitForStatus(t, db, stop.ID, structs.TaskStatusCompleted)
	gotStart := waitForStatus(t, db, start.ID, structs.TaskStatusCompleted)
	require.False(t, gotStart.StartedAt.Before(*gotStop.CompletedAt),
		"dependent started before its predecessor completed")
}

func TestScheduler_FailedPredecessorBlocksDependent(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStop, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		return nil, fmt.Errorf("halt failed")
	})
	registry.Register(OpZoneStart, noopHandler)

	require.NoError(t, s.Start())
	defer s.Shutdown()

	ctx := context.Background()
	stop, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneStop, CreatedBy: "test"})
	require.NoError(t, err)
	start, err := s.Enqueue(ctx, &structs.TaskSpec{
		Operation: OpZoneStart, DependsOn: pointer.Of(stop.ID), CreatedBy: "test",
	})
	require.NoError(t, err)

	waitForStatus(t, db, stop.ID, structs.TaskStatusFailed)

	// The dependent stays pending; operators cancel or retention reaps.
	time.Sleep(100 * time.Millisecond)
	got, err := db.GetTask(ctx, start.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusPending, got.Status)
}

func TestScheduler_CancelledTaskNeverRuns(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{MaxConcurrent: 1})

	gate := make(chan struct{})
	var victimRan atomic.Bool
	registry.Register(OpZoneStart, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		<-gate
		return &structs.HandlerResult{}, nil
	})
	registry.Register(OpZoneRestart, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		victimRan.Store(true)
		return &structs.HandlerResult{}, nil
	})

	require.NoError(t, s.Start())
	defer s.Shutdown()

	ctx := context.Background()
	blocker, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)
	testutil.WaitForResult(func() (bool, error) {
		return s.RunningCount() == 1, fmt.Errorf("blocker not running")
	}, func(err error) {
		t.Fatalf("%v", err)
	})

	victim, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpZoneRestart, CreatedBy: "test"})
	require.NoError(t, err)
	require.NoError(t, db.CancelTask(ctx, victim.ID))

	close(gate)
	waitForStatus(t, db, blocker.ID, structs.TaskStatusCompleted)

	time.Sleep(100 * time.Millisecond)
	got, err := db.GetTask(ctx, victim.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusCancelled, got.Status)
	require.False(t, victimRan.Load(), "cancelled task must never dispatch")
}

func TestScheduler_RecoverySweep(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	ctx := context.Background()

	// Simulate a crash: a task claimed by a previous process, never
	// finalized.
	orphan, err := db.CreateTask(ctx, &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)
	_, err = db.TryClaimNext(ctx, nil)
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Register(OpZoneStart, noopHandler)
	s := NewScheduler(testlog.HCLogger(t), db, registry, SchedulerConfig{TickInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start())
	defer s.Shutdown()

	got, err := db.GetTask(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusFailed, got.Status)
	require.Equal(t, "orphaned by restart", got.ErrorMessage)
}

func TestScheduler_PanicReleasesCategory(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpPkgInstall, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		panic("boom")
	})
	registry.Register(OpPkgRefresh, noopHandler)

	require.NoError(t, s.Start())
	defer s.Shutdown()

	ctx := context.Background()
	task, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpPkgInstall, CreatedBy: "test"})
	require.NoError(t, err)

	got := waitForStatus(t, db, task.ID, structs.TaskStatusFailed)
	require.Contains(t, got.ErrorMessage, "handler panic")
	require.Empty(t, s.HeldCategories())

	// The category is usable again.
	next, err := s.Enqueue(ctx, &structs.TaskSpec{Operation: OpPkgRefresh, CreatedBy: "test"})
	require.NoError(t, err)
	waitForStatus(t, db, next.ID, structs.TaskStatusCompleted)
}

func TestScheduler_UnknownOperationFails(t *testing.T) {
	db := state.NewMemDB(testlog.HCLogger(t))
	ctx := context.Background()

	// Rows written by an older binary may carry operations this one no
	// longer registers; they bypass Enqueue validation.
	stale, err := db.CreateTask(ctx, &structs.TaskSpec{Operation: "legacy_operation", CreatedBy: "test"})
	require.NoError(t, err)

	s := NewScheduler(testlog.HCLogger(t), db, NewRegistry(), SchedulerConfig{TickInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start())
	defer s.Shutdown()

	got := waitForStatus(t, db, stale.ID, structs.TaskStatusFailed)
	require.Contains(t, got.ErrorMessage, "no handler registered")
}

func TestScheduler_TimeoutFailsTask(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStart, func(ctx context.Context, _ []byte, _ Progress) (*structs.HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	// Shrink the wall clock budget so the test does not wait out the
	// real operation timeout.
	registry.ops[OpZoneStart].Timeout = 50 * time.Millisecond

	require.NoError(t, s.Start())
	defer s.Shutdown()

	task, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)

	got := waitForStatus(t, db, task.ID, structs.TaskStatusFailed)
	require.Contains(t, got.ErrorMessage, "timeout")
}

func TestScheduler_ShutdownFinalizesRunning(t *testing.T) {
	s, registry, db := testScheduler(t, SchedulerConfig{})
	registry.Register(OpZoneStart, func(ctx context.Context, _ []byte, _ Progress) (*structs.HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, s.Start())

	task, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)
	testutil.WaitForResult(func() (bool, error) {
		return s.RunningCount() == 1, fmt.Errorf("task not running")
	}, func(err error) {
		t.Fatalf("%v", err)
	})

	s.Shutdown()
	require.False(t, s.ProcessorRunning())

	// Shutdown waits for handlers, so the row is already terminal.
	got, err := db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusFailed, got.Status)
}

func TestScheduler_ShutdownRevertsLateDispatch(t *testing.T) {
	// A task claimed by a tick racing Shutdown misses the cancel
	// broadcast, which only reaches already-registered tasks. Dispatch
	// must notice the stopped scheduler and put the claim back instead
	// of starting a handler nothing will cancel.
	s, registry, db := testScheduler(t, SchedulerConfig{TickInterval: time.Hour})

	var ran atomic.Bool
	registry.Register(OpPkgInstall, func(context.Context, []byte, Progress) (*structs.HandlerResult, error) {
		ran.Store(true)
		return &structs.HandlerResult{}, nil
	})

	require.NoError(t, s.Start())
	s.Shutdown()

	// Reproduce the loop's claim-then-dispatch sequence as if it had
	// been preempted between the two by Shutdown.
	ctx := context.Background()
	task, err := db.CreateTask(ctx, &structs.TaskSpec{Operation: OpPkgInstall, CreatedBy: "test"})
	require.NoError(t, err)
	claimed, err := db.TryClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	reg, ok := registry.Lookup(OpPkgInstall)
	require.True(t, ok)
	require.True(t, s.locks.TryAcquire(reg.Category))

	s.dispatch(claimed, reg)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStatusPending, got.Status)
	require.Nil(t, got.StartedAt)
	require.Empty(t, s.HeldCategories())
	require.Equal(t, 0, s.RunningCount())
	require.False(t, ran.Load(), "handler must not run after shutdown")
}

func TestScheduler_Stats(t *testing.T) {
	s, registry, _ := testScheduler(t, SchedulerConfig{MaxConcurrent: 3})
	registry.Register(OpZoneStart, noopHandler)

	require.NoError(t, s.Start())
	defer s.Shutdown()

	task, err := s.Enqueue(context.Background(), &structs.TaskSpec{Operation: OpZoneStart, CreatedBy: "test"})
	require.NoError(t, err)

	testutil.WaitForResult(func() (bool, error) {
		stats, err := s.Stats(context.Background())
		if err != nil {
			return false, err
		}
		if stats.Completed != 1 {
			return false, fmt.Errorf("completed %d, want 1", stats.Completed)
		}
		return stats.MaxConcurrent == 3 && stats.ProcessorRunning, nil
	}, func(err error) {
		t.Fatalf("stats never settled: %v", err)
	})
	_ = task
}
