// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// ipHandlers manage ipadm address objects. All four operations run under the
// network_ip category.
type ipHandlers struct {
	*Deps
}

func newIPHandlers(deps *Deps) *ipHandlers {
	return &ipHandlers{deps}
}

func (h *ipHandlers) register(r *engine.Registry) {
	r.Register(engine.OpCreateIPAddress, h.handleCreate)
	r.Register(engine.OpDeleteIPAddress, h.handleDelete)
	r.Register(engine.OpEnableIPAddress, h.handleEnable)
	r.Register(engine.OpDisableIPAddress, h.handleDisable)
}

type ipParams struct {
	// AddrObj names the address object, e.g. "vnic0/v4".
	AddrObj string `json:"addrobj"`

	// Type is static, dhcp, or addrconf.
	Type string `json:"type,omitempty"`

	// Address is the CIDR literal for static addresses.
	Address string `json:"address,omitempty"`

	Temporary bool `json:"temporary,omitempty"`
}

func (p *ipParams) validate() error {
	if p.AddrObj == "" {
		return fmt.Errorf("missing addrobj")
	}
	if !strings.Contains(p.AddrObj, "/") {
		return fmt.Errorf("addrobj %q must be of the form interface/name", p.AddrObj)
	}
	return nil
}

// iface is the interface part of the address object name.
func (p *ipParams) iface() string {
	return p.AddrObj[:strings.Index(p.AddrObj, "/")]
}

func (h *ipHandlers) handleCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params ipParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	addrType := params.Type
	if addrType == "" {
		addrType = "static"
	}
	switch addrType {
	case "static":
		if params.Address == "" {
			return nil, fmt.Errorf("static address %s requires an address literal", params.AddrObj)
		}
	case "dhcp", "addrconf":
	default:
		return nil, fmt.Errorf("unsupported address type %q", addrType)
	}

	// The IP interface must exist before an address can land on it.
	// create-if fails when it already does, which is the common case.
	if _, err := h.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "ipadm", "create-if", params.iface()},
	}); err != nil {
		h.Logger.Debug("ip interface already exists", "interface", params.iface())
	}

	args := []string{"pfexec", "ipadm", "create-addr"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, "-T", addrType)
	if addrType == "static" {
		args = append(args, "-a", params.Address)
	}
	args = append(args, params.AddrObj)

	if _, err := h.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create address %s: %w", params.AddrObj, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("address %s created (%s)", params.AddrObj, addrType)}
	if err := h.refreshAddressRow(ctx, params.AddrObj); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// handleDelete removes the address object, and the IP interface too when it
// was the interface's last address.
func (h *ipHandlers) handleDelete(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params ipParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := h.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "ipadm", "delete-addr", params.AddrObj},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete address %s: %w", params.AddrObj, err)
	}

	msg := fmt.Sprintf("address %s deleted", params.AddrObj)
	remaining, err := h.addressesOn(ctx, params.iface())
	if err != nil {
		h.Logger.Warn("could not list remaining addresses", "interface", params.iface(), "error", err)
	} else if len(remaining) == 0 {
		if _, err := h.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "ipadm", "delete-if", params.iface()},
		}); err != nil {
			return nil, fmt.Errorf("failed to delete empty ip interface %s: %w", params.iface(), err)
		}
		msg = fmt.Sprintf("address %s deleted, interface %s removed", params.AddrObj, params.iface())
	}

	result := &structs.HandlerResult{Message: msg}
	if err := h.State.DeleteIPAddress(ctx, params.AddrObj); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (h *ipHandlers) handleEnable(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return h.toggle(ctx, metadata, "enable-addr")
}

func (h *ipHandlers) handleDisable(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return h.toggle(ctx, metadata, "disable-addr")
}

func (h *ipHandlers) toggle(ctx context.Context, metadata []byte, verb string) (*structs.HandlerResult, error) {
	var params ipParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	// enable-addr and disable-addr only operate on the active config.
	if _, err := h.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "ipadm", verb, "-t", params.AddrObj},
	}); err != nil {
		return nil, fmt.Errorf("ipadm %s %s failed: %w", verb, params.AddrObj, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("ipadm %s %s succeeded", verb, params.AddrObj)}
	if err := h.refreshAddressRow(ctx, params.AddrObj); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

// addressesOn lists the address objects of one IP interface in parseable
// form: addrobj:type:state:addr
func (h *ipHandlers) addressesOn(ctx context.Context, iface string) ([]*structs.IPAddress, error) {
	res, err := h.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "ipadm", "show-addr", "-p", "-o", "addrobj,type,state,addr"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}

	var out []*structs.IPAddress
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) < 4 {
			continue
		}
		addrObj := fields[0]
		if !strings.HasPrefix(addrObj, iface+"/") {
			continue
		}
		out = append(out, &structs.IPAddress{
			AddrObj: addrObj,
			// ipadm separates fields with ':', so v6 literals arrive
			// escaped; re-join the tail and unescape.
			Interface: iface,
			Type:      fields[1],
			State:     fields[2],
			Address:   strings.ReplaceAll(strings.Join(fields[3:], ":"), `\:`, ":"),
		})
	}
	return out, nil
}

func (h *ipHandlers) refreshAddressRow(ctx context.Context, addrObj string) error {
	iface := addrObj[:strings.Index(addrObj, "/")]
	rows, err := h.addressesOn(ctx, iface)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.AddrObj == addrObj {
			return h.State.UpsertIPAddress(ctx, row)
		}
	}
	return nil
}
