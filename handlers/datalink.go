// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// datalinkHandlers cover dladm-managed links: vnics, aggregates, etherstubs,
// vlans, and bridges. Every operation in this area runs under the
// network_datalink category, so handlers never race each other.
type datalinkHandlers struct {
	*Deps
}

func newDatalinkHandlers(deps *Deps) *datalinkHandlers {
	return &datalinkHandlers{deps}
}

func (d *datalinkHandlers) register(r *engine.Registry) {
	r.Register(engine.OpCreateVNIC, d.handleCreateVNIC)
	r.Register(engine.OpDeleteVNIC, d.handleDeleteVNIC)
	r.Register(engine.OpModifyVNIC, d.handleModifyVNIC)
	r.Register(engine.OpSetVNICProperties, d.handleSetVNICProperties)
	r.Register(engine.OpCreateAggregate, d.handleCreateAggregate)
	r.Register(engine.OpDeleteAggregate, d.handleDeleteAggregate)
	r.Register(engine.OpModifyAggregate, d.handleModifyAggregate)
	r.Register(engine.OpModifyAggregateLinks, d.handleModifyAggregateLinks)
	r.Register(engine.OpCreateEtherstub, d.handleCreateEtherstub)
	r.Register(engine.OpDeleteEtherstub, d.handleDeleteEtherstub)
	r.Register(engine.OpModifyEtherstub, d.handleModifyEtherstub)
	r.Register(engine.OpCreateVLAN, d.handleCreateVLAN)
	r.Register(engine.OpDeleteVLAN, d.handleDeleteVLAN)
	r.Register(engine.OpModifyVLAN, d.handleModifyVLAN)
	r.Register(engine.OpCreateBridge, d.handleCreateBridge)
	r.Register(engine.OpDeleteBridge, d.handleDeleteBridge)
	r.Register(engine.OpModifyBridge, d.handleModifyBridge)
	r.Register(engine.OpModifyBridgeLinks, d.handleModifyBridgeLinks)
}

// datalinkParams is the shared metadata shape of the dladm operations. Each
// handler validates the subset it needs.
type datalinkParams struct {
	Name      string `json:"name"`
	LowerLink string `json:"lower_link,omitempty"`

	// Links carries member links for aggregates and bridges.
	Links       []string `json:"links,omitempty"`
	AddLinks    []string `json:"add_links,omitempty"`
	RemoveLinks []string `json:"remove_links,omitempty"`

	MACAddress string `json:"mac_address,omitempty"`
	VLANID     int    `json:"vlan_id,omitempty"`
	Zone       string `json:"zone,omitempty"`

	// Properties are set with dladm set-linkprop after creation.
	Properties map[string]string `json:"properties,omitempty"`

	// Temporary maps to dladm -t: the change does not persist across
	// reboot.
	Temporary bool `json:"temporary,omitempty"`

	// Force on delete removes dependents (vnics on an etherstub, links
	// attached to a bridge) before deleting the object itself.
	Force bool `json:"force,omitempty"`
}

func decodeDatalink(metadata []byte) (*datalinkParams, error) {
	var params datalinkParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("missing link name")
	}
	return &params, nil
}

// VNICs

func (d *datalinkHandlers) handleCreateVNIC(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if params.LowerLink == "" {
		return nil, fmt.Errorf("vnic %s requires a lower_link", params.Name)
	}

	args := []string{"pfexec", "dladm", "create-vnic", "-l", params.LowerLink}
	if params.Temporary {
		args = append(args, "-t")
	}
	if params.MACAddress != "" {
		args = append(args, "-m", params.MACAddress)
	}
	if params.VLANID > 0 {
		args = append(args, "-v", strconv.Itoa(params.VLANID))
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create vnic %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("vnic %s created over %s", params.Name, params.LowerLink)}
	if err := d.applyLinkProps(ctx, params.Name, params.Properties, params.Temporary); err != nil {
		result.CleanupError = err.Error()
		return result, nil
	}
	if err := d.upsertLink(ctx, params.Name, "vnic", params.LowerLink, params.Zone, params.MACAddress); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleDeleteVNIC(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "dladm", "delete-vnic"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to delete vnic %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("vnic %s deleted", params.Name)}
	if err := d.purgeLink(ctx, params.Name); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleModifyVNIC(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if params.MACAddress == "" && params.VLANID <= 0 {
		return nil, fmt.Errorf("vnic %s: nothing to modify", params.Name)
	}

	args := []string{"pfexec", "dladm", "modify-vnic"}
	if params.Temporary {
		args = append(args, "-t")
	}
	if params.MACAddress != "" {
		args = append(args, "-m", params.MACAddress)
	}
	if params.VLANID > 0 {
		args = append(args, "-v", strconv.Itoa(params.VLANID))
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify vnic %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("vnic %s modified", params.Name)}
	if params.MACAddress != "" {
		if err := d.upsertLink(ctx, params.Name, "vnic", params.LowerLink, params.Zone, params.MACAddress); err != nil {
			result.CleanupError = err.Error()
		}
	}
	return result, nil
}

func (d *datalinkHandlers) handleSetVNICProperties(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.Properties) == 0 {
		return nil, fmt.Errorf("vnic %s: no properties given", params.Name)
	}

	if err := d.applyLinkProps(ctx, params.Name, params.Properties, params.Temporary); err != nil {
		return nil, err
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("set %d properties on vnic %s", len(params.Properties), params.Name),
	}, nil
}

// Aggregates

func (d *datalinkHandlers) handleCreateAggregate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.Links) == 0 {
		return nil, fmt.Errorf("aggregate %s requires at least one member link", params.Name)
	}

	args := []string{"pfexec", "dladm", "create-aggr"}
	if params.Temporary {
		args = append(args, "-t")
	}
	for _, link := range params.Links {
		args = append(args, "-l", link)
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create aggregate %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("aggregate %s created over %s", params.Name, strings.Join(params.Links, ","))}
	if err := d.upsertLink(ctx, params.Name, "aggr", strings.Join(params.Links, ","), "", ""); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleDeleteAggregate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "dladm", "delete-aggr"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to delete aggregate %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("aggregate %s deleted", params.Name)}
	if err := d.purgeLink(ctx, params.Name); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleModifyAggregate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.Properties) == 0 {
		return nil, fmt.Errorf("aggregate %s: no properties given", params.Name)
	}

	// modify-aggr takes policy knobs as flags, e.g. -P L3,L4 or -L active.
	args := []string{"pfexec", "dladm", "modify-aggr"}
	if params.Temporary {
		args = append(args, "-t")
	}
	for _, key := range sortedKeys(params.Properties) {
		switch key {
		case "policy":
			args = append(args, "-P", params.Properties[key])
		case "lacp_mode":
			args = append(args, "-L", params.Properties[key])
		case "lacp_timer":
			args = append(args, "-T", params.Properties[key])
		default:
			return nil, fmt.Errorf("aggregate %s: unknown property %q", params.Name, key)
		}
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify aggregate %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("aggregate %s modified", params.Name)}, nil
}

func (d *datalinkHandlers) handleModifyAggregateLinks(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.AddLinks) == 0 && len(params.RemoveLinks) == 0 {
		return nil, fmt.Errorf("aggregate %s: no link changes given", params.Name)
	}

	for _, link := range params.AddLinks {
		args := []string{"pfexec", "dladm", "add-aggr"}
		if params.Temporary {
			args = append(args, "-t")
		}
		args = append(args, "-l", link, params.Name)
		if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
			return nil, fmt.Errorf("failed to add %s to aggregate %s: %w", link, params.Name, err)
		}
	}
	for _, link := range params.RemoveLinks {
		args := []string{"pfexec", "dladm", "remove-aggr"}
		if params.Temporary {
			args = append(args, "-t")
		}
		args = append(args, "-l", link, params.Name)
		if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
			return nil, fmt.Errorf("failed to remove %s from aggregate %s: %w", link, params.Name, err)
		}
	}

	return &structs.HandlerResult{
		Message: fmt.Sprintf("aggregate %s links changed: +%d -%d", params.Name, len(params.AddLinks), len(params.RemoveLinks)),
	}, nil
}

// Etherstubs

func (d *datalinkHandlers) handleCreateEtherstub(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "dladm", "create-etherstub"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create etherstub %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("etherstub %s created", params.Name)}
	if err := d.upsertLink(ctx, params.Name, "etherstub", "", "", ""); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// handleDeleteEtherstub force-deletes dependent vnics first when asked;
// without force, deletion fails if any vnic still rides the stub.
func (d *datalinkHandlers) handleDeleteEtherstub(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	var removedVNICs []string
	if params.Force {
		vnics, err := d.vnicsOver(ctx, params.Name)
		if err != nil {
			return nil, err
		}
		for _, vnic := range vnics {
			if _, err := d.Runner.Run(ctx, executor.Command{
				Args: []string{"pfexec", "dladm", "delete-vnic", vnic},
			}); err != nil {
				return nil, fmt.Errorf("failed to delete dependent vnic %s: %w", vnic, err)
			}
			removedVNICs = append(removedVNICs, vnic)
		}
	}

	args := []string{"pfexec", "dladm", "delete-etherstub"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to delete etherstub %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("etherstub %s deleted", params.Name)}
	if len(removedVNICs) > 0 {
		result.Extra = map[string]interface{}{"removed_vnics": removedVNICs}
	}

	var mErr *multierror.Error
	for _, vnic := range removedVNICs {
		if err := d.purgeLink(ctx, vnic); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := d.purgeLink(ctx, params.Name); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleModifyEtherstub(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.Properties) == 0 {
		return nil, fmt.Errorf("etherstub %s: no properties given", params.Name)
	}
	if err := d.applyLinkProps(ctx, params.Name, params.Properties, params.Temporary); err != nil {
		return nil, err
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("etherstub %s modified", params.Name)}, nil
}

// VLANs

func (d *datalinkHandlers) handleCreateVLAN(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if params.LowerLink == "" {
		return nil, fmt.Errorf("vlan %s requires a lower_link", params.Name)
	}
	if params.VLANID < 1 || params.VLANID > 4094 {
		return nil, fmt.Errorf("vlan %s: vlan_id %d out of range", params.Name, params.VLANID)
	}

	args := []string{"pfexec", "dladm", "create-vlan"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, "-l", params.LowerLink, "-v", strconv.Itoa(params.VLANID), params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create vlan %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("vlan %s (vid %d) created over %s", params.Name, params.VLANID, params.LowerLink)}
	if err := d.upsertLink(ctx, params.Name, "vlan", params.LowerLink, "", ""); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleDeleteVLAN(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "dladm", "delete-vlan"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to delete vlan %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("vlan %s deleted", params.Name)}
	if err := d.purgeLink(ctx, params.Name); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleModifyVLAN(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if params.VLANID < 1 || params.VLANID > 4094 {
		return nil, fmt.Errorf("vlan %s: vlan_id %d out of range", params.Name, params.VLANID)
	}

	args := []string{"pfexec", "dladm", "modify-vlan"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, "-v", strconv.Itoa(params.VLANID), params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify vlan %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("vlan %s moved to vid %d", params.Name, params.VLANID)}, nil
}

// Bridges

func (d *datalinkHandlers) handleCreateBridge(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "dladm", "create-bridge"}
	for _, link := range params.Links {
		args = append(args, "-l", link)
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create bridge %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("bridge %s created", params.Name)}
	if err := d.upsertLink(ctx, params.Name, "bridge", strings.Join(params.Links, ","), "", ""); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// handleDeleteBridge detaches attached links first when forced; dladm
// refuses to delete a bridge with members.
func (d *datalinkHandlers) handleDeleteBridge(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}

	var detached []string
	if params.Force {
		links, err := d.bridgeLinks(ctx, params.Name)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if _, err := d.Runner.Run(ctx, executor.Command{
				Args: []string{"pfexec", "dladm", "remove-bridge", "-l", link, params.Name},
			}); err != nil {
				return nil, fmt.Errorf("failed to detach %s from bridge %s: %w", link, params.Name, err)
			}
			detached = append(detached, link)
		}
	}

	if _, err := d.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "dladm", "delete-bridge", params.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete bridge %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("bridge %s deleted", params.Name)}
	if len(detached) > 0 {
		result.Extra = map[string]interface{}{"detached_links": detached}
	}
	if err := d.purgeLink(ctx, params.Name); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (d *datalinkHandlers) handleModifyBridge(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.Properties) == 0 {
		return nil, fmt.Errorf("bridge %s: no properties given", params.Name)
	}

	// modify-bridge takes protection knobs as flags.
	args := []string{"pfexec", "dladm", "modify-bridge"}
	for _, key := range sortedKeys(params.Properties) {
		switch key {
		case "priority":
			args = append(args, "-p", params.Properties[key])
		case "max_age":
			args = append(args, "-m", params.Properties[key])
		case "hello_time":
			args = append(args, "-h", params.Properties[key])
		case "forward_delay":
			args = append(args, "-d", params.Properties[key])
		case "force_protocol":
			args = append(args, "-f", params.Properties[key])
		default:
			return nil, fmt.Errorf("bridge %s: unknown property %q", params.Name, key)
		}
	}
	args = append(args, params.Name)

	if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify bridge %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("bridge %s modified", params.Name)}, nil
}

func (d *datalinkHandlers) handleModifyBridgeLinks(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	params, err := decodeDatalink(metadata)
	if err != nil {
		return nil, err
	}
	if len(params.AddLinks) == 0 && len(params.RemoveLinks) == 0 {
		return nil, fmt.Errorf("bridge %s: no link changes given", params.Name)
	}

	for _, link := range params.AddLinks {
		if _, err := d.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "dladm", "add-bridge", "-l", link, params.Name},
		}); err != nil {
			return nil, fmt.Errorf("failed to add %s to bridge %s: %w", link, params.Name, err)
		}
	}
	for _, link := range params.RemoveLinks {
		if _, err := d.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "dladm", "remove-bridge", "-l", link, params.Name},
		}); err != nil {
			return nil, fmt.Errorf("failed to remove %s from bridge %s: %w", link, params.Name, err)
		}
	}

	return &structs.HandlerResult{
		Message: fmt.Sprintf("bridge %s links changed: +%d -%d", params.Name, len(params.AddLinks), len(params.RemoveLinks)),
	}, nil
}

// Shared plumbing

// applyLinkProps sets link properties one at a time so a single bad key is
// attributable in the error.
func (d *datalinkHandlers) applyLinkProps(ctx context.Context, link string, props map[string]string, temporary bool) error {
	for _, key := range sortedKeys(props) {
		args := []string{"pfexec", "dladm", "set-linkprop"}
		if temporary {
			args = append(args, "-t")
		}
		args = append(args, "-p", key+"="+props[key], link)
		if _, err := d.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
			return fmt.Errorf("failed to set %s=%s on %s: %w", key, props[key], link, err)
		}
	}
	return nil
}

// vnicsOver lists vnic names whose underlying link is the given one.
func (d *datalinkHandlers) vnicsOver(ctx context.Context, over string) ([]string, error) {
	res, err := d.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "dladm", "show-vnic", "-p", "-o", "link,over"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vnics: %w", err)
	}

	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) != 2 {
			continue
		}
		if fields[1] == over {
			out = append(out, fields[0])
		}
	}
	return out, nil
}

// bridgeLinks lists the links attached to a bridge.
func (d *datalinkHandlers) bridgeLinks(ctx context.Context, bridge string) ([]string, error) {
	res, err := d.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "dladm", "show-bridge", "-l", "-p", "-o", "link", bridge},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list links of bridge %s: %w", bridge, err)
	}

	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (d *datalinkHandlers) upsertLink(ctx context.Context, link, class, over, zone, mac string) error {
	return d.State.UpsertNetworkInterface(ctx, &structs.NetworkInterface{
		Link:  link,
		Class: class,
		Over:  over,
		Zone:  zone,
		MAC:   mac,
	})
}

// purgeLink removes the interface row plus every monitoring row keyed by
// the link: usage samples and address objects named <link>/v4 style.
func (d *datalinkHandlers) purgeLink(ctx context.Context, link string) error {
	var mErr *multierror.Error
	if err := d.State.DeleteNetworkInterface(ctx, link); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, err := d.State.DeleteNetworkUsageByLinkPrefix(ctx, link); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if _, err := d.State.DeleteIPAddressesByInterfacePrefix(ctx, link); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
