// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/engine/state"
)

// progressUpdate is one snapshot published by a handler.
type progressUpdate struct {
	percent int
	info    []byte
}

// publisher implements Progress for one running task. Publishes are
// fire-and-forget: the handler never blocks on the database, at most one
// row write happens per interval, and write failures are logged at debug
// and otherwise ignored.
type publisher struct {
	taskID   string
	store    state.StateDB
	interval time.Duration
	logger   hclog.Logger

	// updates has capacity one; a newer snapshot replaces an undelivered
	// older one.
	updates chan progressUpdate

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	highest int
	last    progressUpdate
}

func newPublisher(logger hclog.Logger, store state.StateDB, taskID string, interval time.Duration) *publisher {
	p := &publisher{
		taskID:   taskID,
		store:    store,
		interval: interval,
		logger:   logger,
		updates:  make(chan progressUpdate, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish implements Progress. Percents lower than one already published
// for this task are dropped, keeping the persisted value monotonic.
func (p *publisher) Publish(percent int, info interface{}) {
	var raw []byte
	if info != nil {
		var err error
		raw, err = json.Marshal(info)
		if err != nil {
			p.logger.Debug("failed to encode progress info", "task_id", p.taskID, "error", err)
			raw = nil
		}
	}

	p.mu.Lock()
	if percent < p.highest {
		p.mu.Unlock()
		return
	}
	p.highest = percent
	u := progressUpdate{percent: percent, info: raw}
	p.last = u
	p.mu.Unlock()

	// Replace any undelivered snapshot rather than blocking.
	for {
		select {
		case p.updates <- u:
			return
		case <-p.stopCh:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

// Last returns the most recent snapshot published by the handler.
func (p *publisher) Last() (int, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.percent, p.last.info
}

// Close stops the drain goroutine, flushing any undelivered snapshot
// first. Safe to call once the handler has returned.
func (p *publisher) Close() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *publisher) run() {
	defer close(p.doneCh)

	var pending *progressUpdate
	var lastWrite time.Time

	// flush is armed only while a snapshot is being held back by the
	// coalescing interval.
	flush := time.NewTimer(p.interval)
	if !flush.Stop() {
		<-flush.C
	}

	write := func(u progressUpdate) {
		err := p.store.UpdateTaskProgress(context.Background(), p.taskID, u.percent, u.info)
		if err != nil {
			p.logger.Debug("failed to persist task progress", "task_id", p.taskID, "error", err)
		}
		lastWrite = time.Now()
	}

	for {
		select {
		case u := <-p.updates:
			if since := time.Since(lastWrite); since >= p.interval {
				write(u)
				if pending != nil {
					pending = nil
					if !flush.Stop() {
						select {
						case <-flush.C:
						default:
						}
					}
				}
			} else {
				if pending == nil {
					flush.Reset(p.interval - since)
				}
				u := u
				pending = &u
			}

		case <-flush.C:
			if pending != nil {
				write(*pending)
				pending = nil
			}

		case <-p.stopCh:
			// Drain a snapshot that raced with shutdown, then flush.
			select {
			case u := <-p.updates:
				pending = &u
			default:
			}
			if pending != nil {
				write(*pending)
			}
			return
		}
	}
}
