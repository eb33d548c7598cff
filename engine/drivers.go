// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/engine/structs"
)

const (
	// discoveryStartupGrace delays the first discover enqueue so the
	// agent finishes wiring before host tooling gets invoked.
	discoveryStartupGrace = 5 * time.Second

	// retentionInterval is how often terminal task rows are reaped.
	retentionInterval = 1 * time.Hour

	// driversCreatedBy is the provenance stamp on driver-enqueued tasks.
	driversCreatedBy = "zoned-engine"
)

// DiscoveryDriver periodically enqueues zone discovery tasks at background
// priority. The discover handler does the actual reconciliation.
type DiscoveryDriver struct {
	scheduler  *Scheduler
	interval   time.Duration
	logger     hclog.Logger
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// NewDiscoveryDriver starts the discovery enqueue loop. The first enqueue
// happens after a short startup grace period, then every interval.
func NewDiscoveryDriver(logger hclog.Logger, scheduler *Scheduler, interval time.Duration) *DiscoveryDriver {
	d := &DiscoveryDriver{
		scheduler:  scheduler,
		interval:   interval,
		logger:     logger.Named("discovery"),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *DiscoveryDriver) run() {
	defer close(d.doneCh)

	grace := time.NewTimer(discoveryStartupGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-d.shutdownCh:
		return
	}
	d.enqueue()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.enqueue()
		case <-d.shutdownCh:
			return
		}
	}
}

func (d *DiscoveryDriver) enqueue() {
	spec := &structs.TaskSpec{
		Operation: OpDiscover,
		Target:    "system",
		Priority:  structs.TaskPriorityBackground,
		CreatedBy: driversCreatedBy,
	}
	if _, err := d.scheduler.Enqueue(context.Background(), spec); err != nil {
		d.logger.Error("failed to enqueue discover task", "error", err)
	} else {
		d.logger.Debug("enqueued discover task")
	}
}

// Stop terminates the loop and waits for it to exit.
func (d *DiscoveryDriver) Stop() {
	close(d.shutdownCh)
	<-d.doneCh
}

// RetentionDriver destroys terminal tasks older than the retention window.
type RetentionDriver struct {
	store      state.StateDB
	retention  time.Duration
	interval   time.Duration
	logger     hclog.Logger
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// NewRetentionDriver starts the cleanup loop. Retention is the age beyond
// which terminal tasks are destroyed, measured from CreatedAt.
func NewRetentionDriver(logger hclog.Logger, store state.StateDB, retention time.Duration) *RetentionDriver {
	r := &RetentionDriver{
		store:      store,
		retention:  retention,
		interval:   retentionInterval,
		logger:     logger.Named("retention"),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *RetentionDriver) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.shutdownCh:
			return
		}
	}
}

func (r *RetentionDriver) sweep() {
	cutoff := time.Now().UTC().Add(-r.retention)
	n, err := r.store.DestroyTerminalTasksOlderThan(context.Background(), cutoff)
	if err != nil {
		r.logger.Error("task retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("destroyed old terminal tasks", "count", n, "cutoff", cutoff)
	}
}

// Stop terminates the loop and waits for it to exit.
func (r *RetentionDriver) Stop() {
	close(r.shutdownCh)
	<-r.doneCh
}
