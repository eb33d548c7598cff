// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"sort"
	"sync"
)

// categoryLocks is the in-process mutual exclusion set for operation
// categories. It is not durable: the startup recovery sweep fails every
// task that could have held a lock, so the set always starts empty.
type categoryLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newCategoryLocks() *categoryLocks {
	return &categoryLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the category if no other holder exists. Acquisitions
// must be paired with exactly one Release on every scheduler exit path.
func (c *categoryLocks) TryAcquire(category string) bool {
	if category == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.held[category]; taken {
		return false
	}
	c.held[category] = struct{}{}
	return true
}

// Release frees the category. Releasing an unheld category is a no-op.
func (c *categoryLocks) Release(category string) {
	if category == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, category)
}

// Held returns the currently held categories, sorted.
func (c *categoryLocks) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.held))
	for category := range c.held {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}
