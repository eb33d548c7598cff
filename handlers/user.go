// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// userHandlers manage users, groups, and RBAC roles through the standard
// admin commands. All operations run under the user_management category
// because the passwd database tools do not tolerate concurrent edits.
type userHandlers struct {
	*Deps
}

func newUserHandlers(deps *Deps) *userHandlers {
	return &userHandlers{deps}
}

func (u *userHandlers) register(r *engine.Registry) {
	r.Register(engine.OpUserCreate, u.handleUserCreate)
	r.Register(engine.OpUserModify, u.handleUserModify)
	r.Register(engine.OpUserDelete, u.handleUserDelete)
	r.Register(engine.OpUserSetPassword, u.handleSetPassword)
	r.Register(engine.OpUserLock, u.handleLock)
	r.Register(engine.OpUserUnlock, u.handleUnlock)
	r.Register(engine.OpGroupCreate, u.handleGroupCreate)
	r.Register(engine.OpGroupModify, u.handleGroupModify)
	r.Register(engine.OpGroupDelete, u.handleGroupDelete)
	r.Register(engine.OpRoleCreate, u.handleRoleCreate)
	r.Register(engine.OpRoleModify, u.handleRoleModify)
	r.Register(engine.OpRoleDelete, u.handleRoleDelete)
}

type userParams struct {
	Username string `json:"username"`

	UID     int      `json:"uid,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Home    string   `json:"home,omitempty"`
	Shell   string   `json:"shell,omitempty"`
	Groups  []string `json:"groups,omitempty"`

	// CreatePersonalGroup makes a group named after the user first and
	// uses it as the primary group.
	CreatePersonalGroup bool `json:"create_personal_group,omitempty"`

	// Profiles and Authorizations apply RBAC grants on create/modify.
	Profiles       []string `json:"profiles,omitempty"`
	Authorizations []string `json:"authorizations,omitempty"`

	// RemoveHome passes -r to userdel.
	RemoveHome bool `json:"remove_home,omitempty"`

	Password string `json:"password,omitempty"`
}

func (p *userParams) validate() error {
	if p.Username == "" {
		return fmt.Errorf("missing username")
	}
	if p.Username == "root" {
		return fmt.Errorf("refusing to operate on root")
	}
	return nil
}

// nameTooLong matches the warning useradd prints for names over the
// traditional 8 character limit. The user is still created.
func nameTooLong(stderr string) bool {
	return strings.Contains(stderr, "name too long")
}

func (u *userHandlers) handleUserCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params userParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	// The personal group has to exist before useradd references it, and
	// has to go away again if useradd fails.
	personalGroup := ""
	if params.CreatePersonalGroup {
		if _, err := u.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "groupadd", params.Username},
		}); err != nil {
			return nil, fmt.Errorf("failed to create personal group %s: %w", params.Username, err)
		}
		personalGroup = params.Username
	}

	args := []string{"pfexec", "useradd", "-m"}
	if params.UID > 0 {
		args = append(args, "-u", strconv.Itoa(params.UID))
	}
	if personalGroup != "" {
		args = append(args, "-g", personalGroup)
	}
	if len(params.Groups) > 0 {
		args = append(args, "-G", strings.Join(params.Groups, ","))
	}
	if params.Comment != "" {
		args = append(args, "-c", params.Comment)
	}
	if params.Home != "" {
		args = append(args, "-d", params.Home)
	}
	if params.Shell != "" {
		args = append(args, "-s", params.Shell)
	}
	if len(params.Profiles) > 0 {
		args = append(args, "-P", strings.Join(params.Profiles, ","))
	}
	if len(params.Authorizations) > 0 {
		args = append(args, "-A", strings.Join(params.Authorizations, ","))
	}
	args = append(args, params.Username)

	result := &structs.HandlerResult{Message: fmt.Sprintf("user %s created", params.Username)}
	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		if nameTooLong(commandStderr(err)) {
			result.Extra = map[string]interface{}{"warning": "username exceeds traditional length limit"}
		} else {
			if personalGroup != "" {
				if _, derr := u.Runner.Run(ctx, executor.Command{
					Args: []string{"pfexec", "groupdel", personalGroup},
				}); derr != nil {
					u.Logger.Error("failed to roll back personal group", "group", personalGroup, "error", derr)
				}
			}
			return nil, fmt.Errorf("failed to create user %s: %w", params.Username, err)
		}
	}

	if params.Password != "" {
		if err := u.setPassword(ctx, params.Username, params.Password); err != nil {
			result.CleanupError = err.Error()
		}
	}
	return result, nil
}

func (u *userHandlers) handleUserModify(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params userParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "usermod"}
	changed := false
	if len(params.Groups) > 0 {
		args = append(args, "-G", strings.Join(params.Groups, ","))
		changed = true
	}
	if params.Comment != "" {
		args = append(args, "-c", params.Comment)
		changed = true
	}
	if params.Shell != "" {
		args = append(args, "-s", params.Shell)
		changed = true
	}
	if len(params.Profiles) > 0 {
		args = append(args, "-P", strings.Join(params.Profiles, ","))
		changed = true
	}
	if len(params.Authorizations) > 0 {
		args = append(args, "-A", strings.Join(params.Authorizations, ","))
		changed = true
	}
	if !changed {
		return nil, fmt.Errorf("user %s: nothing to modify", params.Username)
	}
	args = append(args, params.Username)

	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify user %s: %w", params.Username, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("user %s modified", params.Username)}, nil
}

func (u *userHandlers) handleUserDelete(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params userParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "userdel"}
	if params.RemoveHome {
		args = append(args, "-r")
	}
	args = append(args, params.Username)

	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to delete user %s: %w", params.Username, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("user %s deleted", params.Username)}, nil
}

func (u *userHandlers) handleSetPassword(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params userParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Password == "" {
		return nil, fmt.Errorf("missing password")
	}

	if err := u.setPassword(ctx, params.Username, params.Password); err != nil {
		return nil, err
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("password set for %s", params.Username)}, nil
}

// setPassword feeds the password to passwd over stdin twice (new password
// and confirmation). The password never appears on a command line.
func (u *userHandlers) setPassword(ctx context.Context, username, password string) error {
	_, err := u.Runner.Run(ctx, executor.Command{
		Args:  []string{"pfexec", "passwd", username},
		Stdin: password + "\n" + password + "\n",
	})
	if err != nil {
		return fmt.Errorf("failed to set password for %s: %w", username, err)
	}
	return nil
}

func (u *userHandlers) handleLock(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return u.passwdFlag(ctx, metadata, "-l", "locked")
}

func (u *userHandlers) handleUnlock(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	return u.passwdFlag(ctx, metadata, "-u", "unlocked")
}

func (u *userHandlers) passwdFlag(ctx context.Context, metadata []byte, flag, verb string) (*structs.HandlerResult, error) {
	var params userParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := u.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "passwd", flag, params.Username},
	}); err != nil {
		return nil, fmt.Errorf("user %s could not be %s: %w", params.Username, verb, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("user %s %s", params.Username, verb)}, nil
}

type groupParams struct {
	Name string `json:"name"`
	GID  int    `json:"gid,omitempty"`

	// NewName renames the group on modify.
	NewName string `json:"new_name,omitempty"`
}

func (p *groupParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing group name")
	}
	return nil
}

func (u *userHandlers) handleGroupCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params groupParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "groupadd"}
	if params.GID > 0 {
		args = append(args, "-g", strconv.Itoa(params.GID))
	}
	args = append(args, params.Name)

	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create group %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("group %s created", params.Name)}, nil
}

func (u *userHandlers) handleGroupModify(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params groupParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "groupmod"}
	changed := false
	if params.GID > 0 {
		args = append(args, "-g", strconv.Itoa(params.GID))
		changed = true
	}
	if params.NewName != "" {
		args = append(args, "-n", params.NewName)
		changed = true
	}
	if !changed {
		return nil, fmt.Errorf("group %s: nothing to modify", params.Name)
	}
	args = append(args, params.Name)

	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to modify group %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("group %s modified", params.Name)}, nil
}

func (u *userHandlers) handleGroupDelete(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params groupParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := u.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "groupdel", params.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete group %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("group %s deleted", params.Name)}, nil
}

type roleParams struct {
	Name string `json:"name"`

	Profiles       []string `json:"profiles,omitempty"`
	Authorizations []string `json:"authorizations,omitempty"`

	// Users are granted the role via usermod -R on create/modify.
	Users []string `json:"users,omitempty"`
}

func (p *roleParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing role name")
	}
	return nil
}

func (u *userHandlers) handleRoleCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params roleParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "roleadd", "-m"}
	if len(params.Profiles) > 0 {
		args = append(args, "-P", strings.Join(params.Profiles, ","))
	}
	if len(params.Authorizations) > 0 {
		args = append(args, "-A", strings.Join(params.Authorizations, ","))
	}
	args = append(args, params.Name)

	if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", params.Name, err)
	}

	result := &structs.HandlerResult{Message: fmt.Sprintf("role %s created", params.Name)}
	if err := u.assignRole(ctx, params.Name, params.Users); err != nil {
		result.CleanupError = err.Error()
	}
	return result, nil
}

func (u *userHandlers) handleRoleModify(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params roleParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "rolemod"}
	changed := false
	if len(params.Profiles) > 0 {
		args = append(args, "-P", strings.Join(params.Profiles, ","))
		changed = true
	}
	if len(params.Authorizations) > 0 {
		args = append(args, "-A", strings.Join(params.Authorizations, ","))
		changed = true
	}
	if changed {
		args = append(args, params.Name)
		if _, err := u.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
			return nil, fmt.Errorf("failed to modify role %s: %w", params.Name, err)
		}
	}

	if err := u.assignRole(ctx, params.Name, params.Users); err != nil {
		return nil, err
	}
	if !changed && len(params.Users) == 0 {
		return nil, fmt.Errorf("role %s: nothing to modify", params.Name)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("role %s modified", params.Name)}, nil
}

func (u *userHandlers) handleRoleDelete(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params roleParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := u.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "roledel", "-r", params.Name},
	}); err != nil {
		return nil, fmt.Errorf("failed to delete role %s: %w", params.Name, err)
	}
	return &structs.HandlerResult{Message: fmt.Sprintf("role %s deleted", params.Name)}, nil
}

func (u *userHandlers) assignRole(ctx context.Context, role string, users []string) error {
	for _, user := range users {
		if _, err := u.Runner.Run(ctx, executor.Command{
			Args: []string{"pfexec", "usermod", "-R", role, user},
		}); err != nil {
			return fmt.Errorf("failed to grant role %s to %s: %w", role, user, err)
		}
	}
	return nil
}
