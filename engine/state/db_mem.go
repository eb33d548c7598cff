// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/uuid"
)

// MemDB implements a StateDB that stores all state in memory. It is only
// for testing; it mirrors the SQL implementation's semantics, including
// claim atomicity, so engine tests can run against either backend.
type MemDB struct {
	tasks     map[string]*structs.Task
	zones     map[string]*structs.Zone
	ifaces    map[string]*structs.NetworkInterface
	usage     []memUsageRow
	addrs     map[string]*structs.IPAddress
	locations map[string]*structs.StorageLocation
	artifacts map[string]*structs.Artifact

	logger hclog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time

	mu sync.RWMutex
}

type memUsageRow struct {
	link        string
	rxBytes     int64
	txBytes     int64
	collectedAt time.Time
}

func NewMemDB(logger hclog.Logger) *MemDB {
	return &MemDB{
		tasks:     make(map[string]*structs.Task),
		zones:     make(map[string]*structs.Zone),
		ifaces:    make(map[string]*structs.NetworkInterface),
		addrs:     make(map[string]*structs.IPAddress),
		locations: make(map[string]*structs.StorageLocation),
		artifacts: make(map[string]*structs.Artifact),
		logger:    logger.Named("memdb"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemDB) Name() string { return "memdb" }

func (m *MemDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear everything to catch use-after-Close bugs in tests.
	m.tasks = nil
	m.zones = nil
	m.ifaces = nil
	m.usage = nil
	m.addrs = nil
	m.locations = nil
	m.artifacts = nil
	return nil
}

func (m *MemDB) CreateTask(_ context.Context, spec *structs.TaskSpec) (*structs.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	task := &structs.Task{
		ID:        uuid.Generate(),
		Operation: spec.Operation,
		Target:    spec.Target,
		Priority:  spec.Priority,
		Status:    structs.TaskStatusPending,
		DependsOn: spec.DependsOn,
		Metadata:  spec.Metadata,
		CreatedBy: spec.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[task.ID] = task
	return task.Copy(), nil
}

func (m *MemDB) GetTask(_ context.Context, id string) (*structs.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, structs.ErrTaskNotFound
	}
	return task.Copy(), nil
}

func matchesFilter(t *structs.Task, filter *structs.TaskListFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != "" && t.Status != filter.Status {
		return false
	}
	if filter.Target != "" && t.Target != filter.Target {
		return false
	}
	if filter.Operation != "" && t.Operation != filter.Operation {
		return false
	}
	if filter.OperationNE != "" && t.Operation == filter.OperationNE {
		return false
	}
	if filter.Since != nil && t.UpdatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

func (m *MemDB) ListTasks(_ context.Context, filter *structs.TaskListFilter) ([]*structs.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*structs.Task{}
	for _, t := range m.tasks {
		if matchesFilter(t, filter) {
			out = append(out, t.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemDB) CountTasks(_ context.Context, filter *structs.TaskListFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.tasks {
		if matchesFilter(t, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemDB) CountTasksByStatus(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(structs.ValidTaskStatuses))
	for _, status := range structs.ValidTaskStatuses {
		counts[status] = 0
	}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MemDB) TryClaimNext(_ context.Context, excludedOps []string) (*structs.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[string]struct{}, len(excludedOps))
	for _, op := range excludedOps {
		excluded[op] = struct{}{}
	}

	var best *structs.Task
	for _, t := range m.tasks {
		if t.Status != structs.TaskStatusPending {
			continue
		}
		if _, ok := excluded[t.Operation]; ok {
			continue
		}
		if t.DependsOn != nil {
			dep, ok := m.tasks[*t.DependsOn]
			if !ok || dep.Status != structs.TaskStatusCompleted {
				continue
			}
		}
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	now := m.now()
	best.Status = structs.TaskStatusRunning
	best.StartedAt = &now
	best.UpdatedAt = now
	return best.Copy(), nil
}

func (m *MemDB) RevertClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != structs.TaskStatusRunning {
		return nil
	}
	task.Status = structs.TaskStatusPending
	task.StartedAt = nil
	task.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) MarkTaskTerminal(_ context.Context, id, status, errMsg string, percent int, info []byte) error {
	if !structs.TerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return structs.ErrTaskNotFound
	}

	if status == structs.TaskStatusCompleted && percent < 100 {
		percent = 100
	}
	if percent > task.ProgressPercent {
		task.ProgressPercent = percent
	}
	if info != nil {
		task.ProgressInfo = append([]byte(nil), info...)
	}
	now := m.now()
	task.Status = status
	task.ErrorMessage = errMsg
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (m *MemDB) UpdateTaskProgress(_ context.Context, id string, percent int, info []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok || task.Status != structs.TaskStatusRunning || task.ProgressPercent > percent {
		return nil
	}
	task.ProgressPercent = percent
	if info != nil {
		task.ProgressInfo = append([]byte(nil), info...)
	}
	task.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) CancelTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return structs.ErrTaskNotFound
	}
	if task.Status != structs.TaskStatusPending {
		return &structs.ErrTaskNotCancellable{ID: id, CurrentStatus: task.Status}
	}

	now := m.now()
	task.Status = structs.TaskStatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (m *MemDB) CancelPendingTasksForTarget(_ context.Context, target string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for _, task := range m.tasks {
		if task.Target == target && task.Status == structs.TaskStatusPending {
			ts := now
			task.Status = structs.TaskStatusCancelled
			task.CompletedAt = &ts
			task.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemDB) FailRunningTasks(_ context.Context, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for _, task := range m.tasks {
		if task.Status == structs.TaskStatusRunning {
			ts := now
			task.Status = structs.TaskStatusFailed
			task.ErrorMessage = errMsg
			task.CompletedAt = &ts
			task.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemDB) RunningTasks(_ context.Context, operation string) ([]*structs.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*structs.Task{}
	for _, task := range m.tasks {
		if task.Status != structs.TaskStatusRunning {
			continue
		}
		if operation != "" && task.Operation != operation {
			continue
		}
		out = append(out, task.Copy())
	}
	return out, nil
}

func (m *MemDB) DestroyTerminalTasksOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, task := range m.tasks {
		if task.Terminal() && task.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemDB) UpsertZone(_ context.Context, zone *structs.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	z := *zone
	if existing, ok := m.zones[zone.Name]; ok {
		z.CreatedAt = existing.CreatedAt
		z.AutoDiscovered = existing.AutoDiscovered
	} else {
		z.CreatedAt = now
	}
	z.UpdatedAt = now
	m.zones[zone.Name] = &z
	return nil
}

func (m *MemDB) GetZone(_ context.Context, name string) (*structs.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	zone, ok := m.zones[name]
	if !ok {
		return nil, structs.ErrZoneNotFound
	}
	z := *zone
	return &z, nil
}

func (m *MemDB) ListZones(_ context.Context) ([]*structs.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*structs.Zone{}
	for _, zone := range m.zones {
		z := *zone
		out = append(out, &z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemDB) MarkZoneOrphaned(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zone, ok := m.zones[name]
	if !ok {
		return structs.ErrZoneNotFound
	}
	zone.IsOrphaned = true
	zone.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) DeleteZone(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.zones, name)
	return nil
}

func (m *MemDB) UpsertNetworkInterface(_ context.Context, iface *structs.NetworkInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	nif := *iface
	if existing, ok := m.ifaces[iface.Link]; ok {
		nif.CreatedAt = existing.CreatedAt
	} else {
		nif.CreatedAt = now
	}
	nif.UpdatedAt = now
	m.ifaces[iface.Link] = &nif
	return nil
}

func (m *MemDB) DeleteNetworkInterface(_ context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.ifaces, link)
	return nil
}

func (m *MemDB) DeleteNetworkInterfacesByZone(_ context.Context, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for link, iface := range m.ifaces {
		if iface.Zone == zone {
			delete(m.ifaces, link)
		}
	}
	return nil
}

func (m *MemDB) InsertNetworkUsage(_ context.Context, link string, rxBytes, txBytes int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, memUsageRow{link, rxBytes, txBytes, at.UTC()})
	return nil
}

func (m *MemDB) DeleteNetworkUsageByLinkPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.usage[:0]
	n := 0
	for _, row := range m.usage {
		if strings.HasPrefix(row.link, prefix) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.usage = kept
	return n, nil
}

func (m *MemDB) UpsertIPAddress(_ context.Context, addr *structs.IPAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a := *addr
	if existing, ok := m.addrs[addr.AddrObj]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.addrs[addr.AddrObj] = &a
	return nil
}

func (m *MemDB) DeleteIPAddress(_ context.Context, addrobj string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.addrs, addrobj)
	return nil
}

func (m *MemDB) DeleteIPAddressesByInterfacePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for addrobj, addr := range m.addrs {
		if strings.HasPrefix(addr.Interface, prefix) {
			delete(m.addrs, addrobj)
			n++
		}
	}
	return n, nil
}

func (m *MemDB) UpsertStorageLocation(_ context.Context, loc *structs.StorageLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l := *loc
	if existing, ok := m.locations[loc.ID]; ok {
		l.CreatedAt = existing.CreatedAt
		l.FileCount = existing.FileCount
		l.TotalSize = existing.TotalSize
	} else {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	m.locations[loc.ID] = &l
	return nil
}

func (m *MemDB) GetStorageLocation(_ context.Context, id string) (*structs.StorageLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loc, ok := m.locations[id]
	if !ok {
		return nil, structs.ErrStorageLocationNotFound
	}
	l := *loc
	return &l, nil
}

func (m *MemDB) ListStorageLocations(_ context.Context, enabledOnly bool) ([]*structs.StorageLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*structs.StorageLocation{}
	for _, loc := range m.locations {
		if enabledOnly && !loc.Enabled {
			continue
		}
		l := *loc
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemDB) AddToStorageLocationStats(_ context.Context, id string, files, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.locations[id]
	if !ok {
		return structs.ErrStorageLocationNotFound
	}
	loc.FileCount += files
	loc.TotalSize += size
	loc.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) RecountStorageLocationStats(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.locations[id]
	if !ok {
		return structs.ErrStorageLocationNotFound
	}

	var files, size int64
	for _, artifact := range m.artifacts {
		if artifact.LocationID == id {
			files++
			size += artifact.Size
		}
	}
	loc.FileCount = files
	loc.TotalSize = size
	loc.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) InsertArtifact(_ context.Context, artifact *structs.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a := *artifact
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.artifacts[a.ID] = &a
	return nil
}

func (m *MemDB) GetArtifactByPath(_ context.Context, path string) (*structs.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, artifact := range m.artifacts {
		if artifact.Path == path {
			a := *artifact
			return &a, nil
		}
	}
	return nil, structs.ErrArtifactNotFound
}

func (m *MemDB) ListArtifactsByLocation(_ context.Context, locationID string) ([]*structs.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*structs.Artifact{}
	for _, artifact := range m.artifacts {
		if artifact.LocationID == locationID {
			a := *artifact
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemDB) TouchArtifactVerified(_ context.Context, id string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact, ok := m.artifacts[id]
	if !ok {
		return structs.ErrArtifactNotFound
	}
	ts := when.UTC()
	artifact.LastVerified = &ts
	artifact.UpdatedAt = m.now()
	return nil
}

func (m *MemDB) DeleteArtifact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.artifacts, id)
	return nil
}
