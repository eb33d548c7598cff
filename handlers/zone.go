// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// globalZone never appears in the zone table.
const globalZone = "global"

type zoneHandlers struct {
	*Deps
}

func newZoneHandlers(deps *Deps) *zoneHandlers {
	return &zoneHandlers{deps}
}

func (z *zoneHandlers) register(r *engine.Registry) {
	r.Register(engine.OpZoneStart, z.handleStart)
	r.Register(engine.OpZoneStop, z.handleStop)
	r.Register(engine.OpZoneRestart, z.handleRestart)
	r.Register(engine.OpZoneDelete, z.handleDelete)
	r.Register(engine.OpDiscover, z.handleDiscover)
}

type zoneParams struct {
	ZoneName string `json:"zone_name"`

	// Force skips the graceful shutdown attempt on stop.
	Force bool `json:"force,omitempty"`
}

func (p *zoneParams) validate() error {
	if p.ZoneName == "" {
		return fmt.Errorf("missing zone_name")
	}
	if p.ZoneName == globalZone {
		return fmt.Errorf("refusing to operate on the global zone")
	}
	return nil
}

func (z *zoneHandlers) handleStart(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params zoneParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	_, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "zoneadm", "-z", params.ZoneName, "boot"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to boot zone %s: %w", params.ZoneName, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("zone %s booted", params.ZoneName)}
	if err := z.refreshZoneRow(ctx, params.ZoneName); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// handleStop shuts the zone down gracefully and falls back to a forced
// halt when the guest does not cooperate.
func (z *zoneHandlers) handleStop(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params zoneParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	msg, err := z.stopZone(ctx, params.ZoneName, params.Force)
	if err != nil {
		return nil, err
	}

	result := &structs.HandlerResult{Message: msg}
	if err := z.refreshZoneRow(ctx, params.ZoneName); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (z *zoneHandlers) stopZone(ctx context.Context, name string, force bool) (string, error) {
	if !force {
		_, err := z.Runner.Run(ctx, executor.Command{
			Args:    []string{"pfexec", "zoneadm", "-z", name, "shutdown"},
			Timeout: 2 * time.Minute,
		})
		if err == nil {
			return fmt.Sprintf("zone %s shut down", name), nil
		}
		z.Logger.Warn("graceful zone shutdown failed, halting", "zone", name, "error", err)
	}

	_, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "zoneadm", "-z", name, "halt"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to halt zone %s: %w", name, err)
	}
	return fmt.Sprintf("zone %s halted", name), nil
}

func (z *zoneHandlers) handleRestart(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params zoneParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	_, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "zoneadm", "-z", params.ZoneName, "reboot"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reboot zone %s: %w", params.ZoneName, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("zone %s rebooted", params.ZoneName)}
	if err := z.refreshZoneRow(ctx, params.ZoneName); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// handleDelete removes the zone from the host, then purges everything the
// control plane tracked for it: VNC sessions, zone-scoped monitoring rows,
// and still-pending tasks targeting the zone.
func (z *zoneHandlers) handleDelete(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	var params zoneParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	name := params.ZoneName

	// A running zone cannot be uninstalled; halt errors are tolerable
	// because the zone may already be down.
	if _, err := z.stopZone(ctx, name, true); err != nil {
		z.Logger.Debug("halt before delete failed", "zone", name, "error", err)
	}
	prog.Publish(25, nil)

	if _, err := z.Runner.Run(ctx, executor.Command{
		Args:    []string{"pfexec", "zoneadm", "-z", name, "uninstall", "-F"},
		Timeout: 10 * time.Minute,
	}); err != nil {
		return nil, fmt.Errorf("failed to uninstall zone %s: %w", name, err)
	}
	prog.Publish(60, nil)

	if _, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "zonecfg", "-z", name, "delete", "-F"},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete configuration of zone %s: %w", name, err)
	}
	prog.Publish(80, nil)

	// Terminate any VNC console session still attached to the zone.
	// pkill exits 1 when nothing matched, which is the common case.
	if _, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "pkill", "-f", "zoned-vnc/" + name},
	}); err != nil {
		z.Logger.Debug("no vnc session to terminate", "zone", name)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("zone %s deleted", name)}
	if err := z.purgeZoneState(ctx, name); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// purgeZoneState removes every database row scoped to the zone. Links and
// address objects belonging to a zone carry its name as a prefix.
func (z *zoneHandlers) purgeZoneState(ctx context.Context, name string) error {
	var mErr *multierror.Error

	if err := z.State.DeleteZone(ctx, name); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := z.State.DeleteNetworkInterfacesByZone(ctx, name); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, err := z.State.DeleteNetworkUsageByLinkPrefix(ctx, name); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, err := z.State.DeleteIPAddressesByInterfacePrefix(ctx, name); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if n, err := z.State.CancelPendingTasksForTarget(ctx, name); err != nil {
		mErr = multierror.Append(mErr, err)
	} else if n > 0 {
		z.Logger.Info("cancelled pending tasks of deleted zone", "zone", name, "count", n)
	}

	return mErr.ErrorOrNil()
}

// handleDiscover reconciles the host's observed zones with the zone table:
// unknown zones are inserted as auto-discovered, missing zones are marked
// orphaned, and the rest get brand/state/last_seen refreshed.
func (z *zoneHandlers) handleDiscover(ctx context.Context, _ []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	observed, err := z.observeZones(ctx)
	if err != nil {
		return nil, err
	}

	known, err := z.State.ListZones(ctx)
	if err != nil {
		return nil, err
	}
	knownByName := make(map[string]*structs.Zone, len(known))
	for _, zone := range known {
		knownByName[zone.Name] = zone
	}

	now := time.Now().UTC()
	added, refreshed, orphaned := 0, 0, 0
	var mErr *multierror.Error

	for _, obs := range observed {
		existing, ok := knownByName[obs.Name]
		row := &structs.Zone{
			Name:     obs.Name,
			Brand:    obs.Brand,
			State:    obs.State,
			LastSeen: now,
		}
		if ok {
			row.AutoDiscovered = existing.AutoDiscovered
			row.IsOrphaned = false
		} else {
			row.AutoDiscovered = true
		}
		if err := z.State.UpsertZone(ctx, row); err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if ok {
			refreshed++
		} else {
			added++
		}
		delete(knownByName, obs.Name)
	}

	for name, zone := range knownByName {
		if zone.IsOrphaned {
			continue
		}
		if err := z.State.MarkZoneOrphaned(ctx, name); err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		orphaned++
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("discovered %d zones: %d new, %d refreshed, %d orphaned",
			len(observed), added, refreshed, orphaned),
		Extra: map[string]interface{}{
			"observed":  len(observed),
			"added":     added,
			"refreshed": refreshed,
			"orphaned":  orphaned,
		},
	}, nil
}

// observeZones lists the host's zones in parseable form:
// zoneid:zonename:state:zonepath:uuid:brand:ip-type
func (z *zoneHandlers) observeZones(ctx context.Context) ([]*structs.ObservedZone, error) {
	res, err := z.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "zoneadm", "list", "-cp"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	var observed []*structs.ObservedZone
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 {
			z.Logger.Warn("unparseable zoneadm list line", "line", line)
			continue
		}
		name := fields[1]
		if name == globalZone {
			continue
		}
		observed = append(observed, &structs.ObservedZone{
			Name:  name,
			State: fields[2],
			Brand: fields[5],
		})
	}
	return observed, nil
}

// refreshZoneRow updates the zone table after a lifecycle change.
func (z *zoneHandlers) refreshZoneRow(ctx context.Context, name string) error {
	observed, err := z.observeZones(ctx)
	if err != nil {
		return err
	}
	for _, obs := range observed {
		if obs.Name != name {
			continue
		}
		existing, gerr := z.State.GetZone(ctx, name)
		row := &structs.Zone{
			Name:     name,
			Brand:    obs.Brand,
			State:    obs.State,
			LastSeen: time.Now().UTC(),
		}
		if gerr == nil {
			row.AutoDiscovered = existing.AutoDiscovered
		}
		return z.State.UpsertZone(ctx, row)
	}
	return nil
}
