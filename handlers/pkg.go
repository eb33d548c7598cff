// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// pkgExitNoChanges is pkg(1)'s exit code for "nothing to do": the requested
// packages were already installed, removed, or current.
const pkgExitNoChanges = 4

// pkgHandlers manage IPS packages, boot environments, and publishers. All
// operations share the package_management category since they contend on
// the image lock.
type pkgHandlers struct {
	*Deps
}

func newPkgHandlers(deps *Deps) *pkgHandlers {
	return &pkgHandlers{deps}
}

func (p *pkgHandlers) register(r *engine.Registry) {
	r.Register(engine.OpPkgInstall, p.handleInstall)
	r.Register(engine.OpPkgUninstall, p.handleUninstall)
	r.Register(engine.OpPkgUpdate, p.handleUpdate)
	r.Register(engine.OpPkgRefresh, p.handleRefresh)
	r.Register(engine.OpBeadmCreate, p.handleBeadmCreate)
	r.Register(engine.OpBeadmDelete, p.handleBeadmDelete)
	r.Register(engine.OpBeadmActivate, p.handleBeadmActivate)
	r.Register(engine.OpBeadmMount, p.handleBeadmMount)
	r.Register(engine.OpBeadmUnmount, p.handleBeadmUnmount)
	r.Register(engine.OpRepositoryAdd, p.handleRepositoryAdd)
	r.Register(engine.OpRepositoryRemove, p.handleRepositoryRemove)
	r.Register(engine.OpRepositoryModify, p.handleRepositoryModify)
	r.Register(engine.OpRepositoryEnable, p.handleRepositoryEnable)
	r.Register(engine.OpRepositoryDisable, p.handleRepositoryDisable)
}

type pkgParams struct {
	Packages []string `json:"packages"`
}

func (pp *pkgParams) validate() error {
	if len(pp.Packages) == 0 {
		return fmt.Errorf("no packages given")
	}
	return nil
}

func (p *pkgHandlers) handleInstall(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	var params pkgParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := append([]string{"pfexec", "pkg", "install", "--no-refresh"}, params.Packages...)
	_, err := p.Runner.Run(ctx, executor.Command{
		Args:    args,
		Timeout: engine.TimeoutForOperation(engine.OpPkgInstall),
	})
	if err != nil {
		if exitCode(err) == pkgExitNoChanges {
			return &structs.HandlerResult{
				Message: fmt.Sprintf("packages already installed: %s", strings.Join(params.Packages, ", ")),
			}, nil
		}
		return nil, fmt.Errorf("pkg install failed: %w", err)
	}

	prog.Publish(100, nil)
	return &structs.HandlerResult{
		Message: fmt.Sprintf("installed: %s", strings.Join(params.Packages, ", ")),
	}, nil
}

func (p *pkgHandlers) handleUninstall(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params pkgParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := append([]string{"pfexec", "pkg", "uninstall"}, params.Packages...)
	_, err := p.Runner.Run(ctx, executor.Command{
		Args:    args,
		Timeout: engine.TimeoutForOperation(engine.OpPkgUninstall),
	})
	if err != nil {
		if exitCode(err) == pkgExitNoChanges {
			return &structs.HandlerResult{
				Message: fmt.Sprintf("packages not installed: %s", strings.Join(params.Packages, ", ")),
			}, nil
		}
		return nil, fmt.Errorf("pkg uninstall failed: %w", err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("uninstalled: %s", strings.Join(params.Packages, ", ")),
	}, nil
}

type pkgUpdateParams struct {
	// Packages limits the update; empty means the whole image.
	Packages []string `json:"packages,omitempty"`

	// BEName names the boot environment pkg creates for the update.
	BEName string `json:"be_name,omitempty"`
}

// handleUpdate updates the image. Full updates land in a new boot
// environment so the current one stays bootable.
func (p *pkgHandlers) handleUpdate(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	var params pkgUpdateParams
	if len(metadata) > 0 {
		if err := decode(metadata, &params); err != nil {
			return nil, err
		}
	}

	args := []string{"pfexec", "pkg", "update"}
	if params.BEName != "" {
		args = append(args, "--be-name", params.BEName)
	}
	args = append(args, params.Packages...)

	prog.Publish(10, nil)
	_, err := p.Runner.Run(ctx, executor.Command{
		Args:    args,
		Timeout: engine.TimeoutForOperation(engine.OpPkgUpdate),
	})
	if err != nil {
		if exitCode(err) == pkgExitNoChanges {
			return &structs.HandlerResult{Message: "image already up to date"}, nil
		}
		return nil, fmt.Errorf("pkg update failed: %w", err)
	}

	msg := "image updated"
	if params.BEName != "" {
		msg = fmt.Sprintf("image updated into boot environment %s", params.BEName)
	}
	return &structs.HandlerResult{Message: msg}, nil
}

func (p *pkgHandlers) handleRefresh(ctx context.Context, _ []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "pkg", "refresh", "--full"},
	}); err != nil {
		return nil, fmt.Errorf("pkg refresh failed: %w", err)
	}
	return &structs.HandlerResult{Message: "publisher metadata refreshed"}, nil
}

type beadmParams struct {
	Name string `json:"name"`

	// Source is the BE to clone on create; empty clones the active BE.
	Source string `json:"source,omitempty"`

	// Mountpoint for beadm_mount.
	Mountpoint string `json:"mountpoint,omitempty"`

	// Temporary activation boots the BE once (-t).
	Temporary bool `json:"temporary,omitempty"`
}

func (bp *beadmParams) validate() error {
	if bp.Name == "" {
		return fmt.Errorf("missing boot environment name")
	}
	return nil
}

func (p *pkgHandlers) handleBeadmCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params beadmParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "beadm", "create"}
	if params.Source != "" {
		args = append(args, "-e", params.Source)
	}
	args = append(args, params.Name)

	if _, err := p.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create boot environment %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("boot environment %s created", params.Name)}, nil
}

func (p *pkgHandlers) handleBeadmDelete(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params beadmParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "beadm", "destroy", "-F", params.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to destroy boot environment %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("boot environment %s destroyed", params.Name)}, nil
}

func (p *pkgHandlers) handleBeadmActivate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params beadmParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "beadm", "activate"}
	if params.Temporary {
		args = append(args, "-t")
	}
	args = append(args, params.Name)

	if _, err := p.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to activate boot environment %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("boot environment %s activated, effective next boot", params.Name),
	}, nil
}

func (p *pkgHandlers) handleBeadmMount(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params beadmParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Mountpoint == "" {
		return nil, fmt.Errorf("missing mountpoint")
	}

	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "beadm", "mount", params.Name, params.Mountpoint},
	}); err != nil {
		return nil, fmt.Errorf("failed to mount boot environment %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("boot environment %s mounted at %s", params.Name, params.Mountpoint),
	}, nil
}

func (p *pkgHandlers) handleBeadmUnmount(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params beadmParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "beadm", "unmount", "-f", params.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmount boot environment %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("boot environment %s unmounted", params.Name)}, nil
}

type repositoryParams struct {
	Publisher string `json:"publisher"`
	Origin    string `json:"origin,omitempty"`

	// Mirrors are added alongside the origin.
	Mirrors []string `json:"mirrors,omitempty"`

	// Enabled only matters on add: false adds the publisher disabled.
	Enabled *bool `json:"enabled,omitempty"`

	// SearchFirst puts the publisher at the top of the search order.
	SearchFirst bool `json:"search_first,omitempty"`
}

func (rp *repositoryParams) validate() error {
	if rp.Publisher == "" {
		return fmt.Errorf("missing publisher name")
	}
	return nil
}

func (p *pkgHandlers) handleRepositoryAdd(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params repositoryParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Origin == "" {
		return nil, fmt.Errorf("publisher %s requires an origin", params.Publisher)
	}

	args := []string{"pfexec", "pkg", "set-publisher", "-g", params.Origin}
	for _, mirror := range params.Mirrors {
		args = append(args, "-m", mirror)
	}
	if params.SearchFirst {
		args = append(args, "--search-first")
	}
	args = append(args, params.Publisher)

	if _, err := p.Runner.Run(ctx, executor.Command{Args: args, Timeout: 2 * time.Minute}); err != nil {
		return nil, fmt.Errorf("failed to add publisher %s: %w", params.Publisher, err)
	}

	// set-publisher -g cannot create a publisher disabled, so the
	// disable is a follow-up.
	if params.Enabled != nil && !*params.Enabled {
		if _, err := p.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "pkg", "set-publisher", "--disable", params.Publisher},
		}); err != nil {
			return nil, fmt.Errorf("publisher %s added but could not be disabled: %w", params.Publisher, err)
		}
		return &structs.HandlerResult{
			Message: fmt.Sprintf("publisher %s added (disabled)", params.Publisher),
		}, nil
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("publisher %s added", params.Publisher)}, nil
}

func (p *pkgHandlers) handleRepositoryRemove(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params repositoryParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "pkg", "unset-publisher", params.Publisher},
	}); err != nil {
		return nil, fmt.Errorf("failed to remove publisher %s: %w", params.Publisher, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("publisher %s removed", params.Publisher)}, nil
}

func (p *pkgHandlers) handleRepositoryModify(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params repositoryParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Origin == "" && len(params.Mirrors) == 0 && !params.SearchFirst {
		return nil, fmt.Errorf("publisher %s: nothing to modify", params.Publisher)
	}

	args := []string{"pfexec", "pkg", "set-publisher"}
	if params.Origin != "" {
		// -G '*' drops old origins before -g adds the new one.
		args = append(args, "-G", "*", "-g", params.Origin)
	}
	for _, mirror := range params.Mirrors {
		args = append(args, "-m", mirror)
	}
	if params.SearchFirst {
		args = append(args, "--search-first")
	}
	args = append(args, params.Publisher)

	if _, err := p.Runner.Run(ctx, executor.Command{Args: args, Timeout: 2 * time.Minute}); err != nil {
		return nil, fmt.Errorf("failed to modify publisher %s: %w", params.Publisher, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("publisher %s modified", params.Publisher)}, nil
}

func (p *pkgHandlers) handleRepositoryEnable(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return p.togglePublisher(ctx, metadata, "--enable", "enabled")
}

func (p *pkgHandlers) handleRepositoryDisable(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return p.togglePublisher(ctx, metadata, "--disable", "disabled")
}

func (p *pkgHandlers) togglePublisher(ctx context.Context, metadata []byte, flag, verb string) (*structs.HandlerResult, error) {
	var params repositoryParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := p.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "pkg", "set-publisher", flag, params.Publisher},
	}); err != nil {
		return nil, fmt.Errorf("failed to %s publisher %s: %w", verb[:len(verb)-1], params.Publisher, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("publisher %s %s", params.Publisher, verb)}, nil
}
