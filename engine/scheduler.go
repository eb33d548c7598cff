// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/uuid"
)

const (
	// defaultTickInterval is how often the scheduler looks for claimable
	// work when nothing wakes it sooner.
	defaultTickInterval = 2 * time.Second

	// defaultMaxConcurrent caps concurrent handler executions.
	defaultMaxConcurrent = 5

	// defaultProgressInterval coalesces handler progress writes.
	defaultProgressInterval = 10 * time.Second

	// slowTaskThreshold is the execution time above which a task is
	// reported on the perf logger.
	slowTaskThreshold = 5 * time.Second

	// orphanedMessage marks tasks found running at startup.
	orphanedMessage = "orphaned by restart"
)

// SchedulerConfig tunes a Scheduler. Zero values take defaults.
type SchedulerConfig struct {
	MaxConcurrent    int
	TickInterval     time.Duration
	ProgressInterval time.Duration
}

// runningTask is the in-memory handle for one dispatched task.
type runningTask struct {
	task     *structs.Task
	category string
	cancel   context.CancelFunc
	progress *publisher
}

// Scheduler drives the task queue: it claims eligible rows from the state
// store, enforces capacity and category exclusion, dispatches handlers, and
// finalizes task rows. All shared state lives behind its mutex; nothing is
// package level.
type Scheduler struct {
	store    state.StateDB
	registry *Registry
	locks    *categoryLocks

	logger     hclog.Logger
	perfLogger hclog.Logger

	maxConcurrent    int
	tickInterval     time.Duration
	progressInterval time.Duration

	// wakeCh is signaled on enqueue and on task completion so the loop
	// does not wait out the full tick interval.
	wakeCh     chan struct{}
	shutdownCh chan struct{}

	handlerWG sync.WaitGroup
	loopWG    sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningTask
	started bool
}

// NewScheduler builds a scheduler over the given store and registry. Call
// Start to begin executing work.
func NewScheduler(logger hclog.Logger, store state.StateDB, registry *Registry, config SchedulerConfig) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaultProgressInterval
	}

	return &Scheduler{
		store:            store,
		registry:         registry,
		locks:            newCategoryLocks(),
		logger:           logger.Named("scheduler"),
		perfLogger:       logger.Named("scheduler").Named("perf"),
		maxConcurrent:    config.MaxConcurrent,
		tickInterval:     config.TickInterval,
		progressInterval: config.ProgressInterval,
		wakeCh:           make(chan struct{}, 1),
		shutdownCh:       make(chan struct{}),
		running:          make(map[string]*runningTask),
	}
}

// Start performs the recovery sweep and begins the scheduling loop. The
// sweep runs before any work is claimed, so a task left running by a crash
// is visible as failed before anything else happens.
func (s *Scheduler) Start() error {
	n, err := s.store.FailRunningTasks(context.Background(), orphanedMessage)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}
	if n > 0 {
		s.logger.Warn("recovered orphaned tasks from previous run", "count", n)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.run()
	s.logger.Info("task scheduler started", "max_concurrent", s.maxConcurrent)
	return nil
}

// Shutdown stops claiming work, cancels running handlers, and waits for
// them to finalize their task rows.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, rt := range s.running {
		rt.cancel()
	}
	s.mu.Unlock()

	close(s.shutdownCh)
	s.loopWG.Wait()
	s.handlerWG.Wait()
	s.logger.Info("task scheduler stopped")
}

// Enqueue validates and persists a new pending task, then wakes the loop.
// The store is the queue; enqueue is never refused for capacity reasons.
func (s *Scheduler) Enqueue(ctx context.Context, spec *structs.TaskSpec) (*structs.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.registry.Lookup(spec.Operation); !ok {
		return nil, fmt.Errorf("unknown operation %q", spec.Operation)
	}
	if spec.DependsOn != nil {
		if _, err := s.store.GetTask(ctx, *spec.DependsOn); err != nil {
			return nil, fmt.Errorf("invalid dependency: %w", err)
		}
	}

	task, err := s.store.CreateTask(ctx, spec)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"zoned", "task", "enqueued"}, 1)
	s.wake()
	return task, nil
}

// RunningCount reports the live number of in-flight handlers. This is a
// memory-only metric; durable counts come from the store.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// MaxConcurrent returns the configured execution ceiling.
func (s *Scheduler) MaxConcurrent() int { return s.maxConcurrent }

// ProcessorRunning reports whether the scheduling loop is live.
func (s *Scheduler) ProcessorRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// HeldCategories returns the categories currently locked by running tasks.
func (s *Scheduler) HeldCategories() []string {
	return s.locks.Held()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.wakeCh:
			s.tick()
		case <-s.shutdownCh:
			return
		}
	}
}

// tick claims and dispatches eligible tasks until capacity is reached or
// nothing is claimable. When no task is claimable the tick changes nothing,
// so spurious wakeups are harmless.
func (s *Scheduler) tick() {
	ctx := context.Background()

	for {
		s.mu.Lock()
		capacityLeft := len(s.running) < s.maxConcurrent
		s.mu.Unlock()
		if !capacityLeft {
			return
		}

		excludedOps := s.registry.OperationsInCategories(s.locks.Held())
		task, err := s.store.TryClaimNext(ctx, excludedOps)
		if err != nil {
			s.logger.Error("failed to claim next task", "error", err)
			return
		}
		if task == nil {
			return
		}

		reg, ok := s.registry.Lookup(task.Operation)
		if !ok {
			// Enqueue validates against the registry, so this only
			// happens for rows written by an older binary.
			s.logger.Error("claimed task has no registered handler",
				"task_id", task.ID, "operation", task.Operation)
			s.finalizeUnknown(ctx, task)
			continue
		}

		if !s.locks.TryAcquire(reg.Category) {
			// Lost the category to a racing dispatch between the
			// claim and here; put the task back for the next tick.
			if err := s.store.RevertClaim(ctx, task.ID); err != nil {
				s.logger.Error("failed to revert claim", "task_id", task.ID, "error", err)
			}
			return
		}

		s.dispatch(task, reg)
	}
}

func (s *Scheduler) finalizeUnknown(ctx context.Context, task *structs.Task) {
	err := s.store.MarkTaskTerminal(ctx, task.ID, structs.TaskStatusFailed,
		fmt.Sprintf("no handler registered for operation %q", task.Operation),
		task.ProgressPercent, nil)
	if err != nil {
		s.logger.Error("failed to finalize unknown task", "task_id", task.ID, "error", err)
	}
}

// dispatch records the running handle and launches the handler goroutine.
// The caller has already claimed the task and acquired its category.
func (s *Scheduler) dispatch(task *structs.Task, reg *Registration) {
	ctx, cancel := context.WithTimeout(context.Background(), reg.Timeout)

	rt := &runningTask{
		task:     task,
		category: reg.Category,
		cancel:   cancel,
		progress: newPublisher(s.logger, s.store, task.ID, s.progressInterval),
	}

	s.mu.Lock()
	if !s.started {
		// Shutdown won the race between the claim and here. Its cancel
		// broadcast only reaches registered tasks, so starting this one
		// would let it run to natural completion; put it back instead.
		s.mu.Unlock()
		cancel()
		rt.progress.Close()
		s.locks.Release(reg.Category)
		if err := s.store.RevertClaim(context.Background(), task.ID); err != nil {
			s.logger.Error("failed to revert claim during shutdown", "task_id", task.ID, "error", err)
		}
		return
	}
	s.running[task.ID] = rt
	s.mu.Unlock()

	s.logger.Debug("dispatching task",
		"task_id", uuid.Short(task.ID), "operation", task.Operation,
		"target", task.Target, "priority", task.Priority.String())

	s.handlerWG.Add(1)
	go s.runTask(ctx, rt, reg)
}

func (s *Scheduler) runTask(ctx context.Context, rt *runningTask, reg *Registration) {
	defer s.handlerWG.Done()

	task := rt.task
	start := time.Now()
	result, err := s.safeDispatch(ctx, reg, task, rt.progress)
	elapsed := time.Since(start)

	metrics.MeasureSince([]string{"zoned", "task", "execute"}, start)
	if elapsed > slowTaskThreshold {
		s.perfLogger.Warn("slow task execution",
			"task_id", uuid.Short(task.ID), "operation", task.Operation,
			"duration", elapsed)
	}

	rt.cancel()
	rt.progress.Close()
	percent, info := rt.progress.Last()

	status := structs.TaskStatusCompleted
	errMsg := ""
	switch {
	case err != nil:
		status = structs.TaskStatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("handler exceeded %s timeout: %v", reg.Timeout, err)
		} else {
			errMsg = err.Error()
		}
	case result != nil:
		// The final result payload becomes the last progress snapshot
		// so callers see message/extra/cleanup_error on the row.
		if raw, merr := json.Marshal(result); merr == nil {
			info = raw
		}
	}

	// The row is the truth: write it before releasing the category or
	// freeing capacity.
	ferr := s.store.MarkTaskTerminal(context.Background(), task.ID, status, errMsg, percent, info)
	if ferr != nil {
		s.logger.Error("failed to finalize task",
			"task_id", task.ID, "status", status, "error", ferr)
	}

	if err != nil {
		s.logger.Error("task failed",
			"task_id", uuid.Short(task.ID), "operation", task.Operation,
			"target", task.Target, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("task completed",
			"task_id", uuid.Short(task.ID), "operation", task.Operation,
			"duration", elapsed)
	}
	metrics.IncrCounter([]string{"zoned", "task", status}, 1)

	s.locks.Release(rt.category)

	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()

	s.wake()
}

// safeDispatch invokes the handler, converting a panic into a failed
// result. Handlers must not throw across this boundary; if one does, the
// category lock and capacity slot are still released by runTask.
func (s *Scheduler) safeDispatch(ctx context.Context, reg *Registration, task *structs.Task, prog Progress) (result *structs.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				"task_id", task.ID, "operation", task.Operation,
				"panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.Handler(ctx, task.Metadata, prog)
}

// Stats is the live scheduler summary served by the HTTP control surface.
type Stats struct {
	Pending          int  `json:"pending"`
	Running          int  `json:"running"`
	Completed        int  `json:"completed"`
	Failed           int  `json:"failed"`
	Cancelled        int  `json:"cancelled"`
	MaxConcurrent    int  `json:"max_concurrent"`
	ProcessorRunning bool `json:"processor_running"`
}

// Stats combines durable status counts with the live configuration.
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:          counts[structs.TaskStatusPending],
		Running:          counts[structs.TaskStatusRunning],
		Completed:        counts[structs.TaskStatusCompleted],
		Failed:           counts[structs.TaskStatusFailed],
		Cancelled:        counts[structs.TaskStatusCancelled],
		MaxConcurrent:    s.maxConcurrent,
		ProcessorRunning: s.ProcessorRunning(),
	}, nil
}
