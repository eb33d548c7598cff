// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package engine owns execution of every side-effecting host operation: a
// durable, priority-ordered task queue with bounded parallelism, category
// mutual exclusion, and single-predecessor dependency gating.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openzoned/zoned/engine/structs"
)

// Operation categories. At most one running task per category; operations
// without a category run in parallel with anything.
const (
	CategoryPackageManagement = "package_management"
	CategoryNetworkDatalink   = "network_datalink"
	CategoryNetworkIP         = "network_ip"
	CategorySystemConfig      = "system_config"
	CategoryUserManagement    = "user_management"
)

// Operation names. The registry is the authoritative set; enqueueing an
// unknown operation is rejected up front.
const (
	OpZoneStart   = "zone_start"
	OpZoneStop    = "zone_stop"
	OpZoneRestart = "zone_restart"
	OpZoneDelete  = "zone_delete"
	OpDiscover    = "discover"

	OpServiceEnable  = "service_enable"
	OpServiceDisable = "service_disable"
	OpServiceRestart = "service_restart"
	OpServiceRefresh = "service_refresh"

	OpSetHostname          = "set_hostname"
	OpSetTimezone          = "set_timezone"
	OpUpdateTimeSyncConfig = "update_time_sync_config"
	OpForceTimeSync        = "force_time_sync"
	OpSwitchTimeSyncSystem = "switch_time_sync_system"

	OpCreateVNIC           = "create_vnic"
	OpDeleteVNIC           = "delete_vnic"
	OpModifyVNIC           = "modify_vnic"
	OpSetVNICProperties    = "set_vnic_properties"
	OpCreateAggregate      = "create_aggregate"
	OpDeleteAggregate      = "delete_aggregate"
	OpModifyAggregate      = "modify_aggregate"
	OpModifyAggregateLinks = "modify_aggregate_links"
	OpCreateEtherstub      = "create_etherstub"
	OpDeleteEtherstub      = "delete_etherstub"
	OpModifyEtherstub      = "modify_etherstub"
	OpCreateVLAN           = "create_vlan"
	OpDeleteVLAN           = "delete_vlan"
	OpModifyVLAN           = "modify_vlan"
	OpCreateBridge         = "create_bridge"
	OpDeleteBridge         = "delete_bridge"
	OpModifyBridge         = "modify_bridge"
	OpModifyBridgeLinks    = "modify_bridge_links"

	OpCreateIPAddress  = "create_ip_address"
	OpDeleteIPAddress  = "delete_ip_address"
	OpEnableIPAddress  = "enable_ip_address"
	OpDisableIPAddress = "disable_ip_address"

	OpPkgInstall   = "pkg_install"
	OpPkgUninstall = "pkg_uninstall"
	OpPkgUpdate    = "pkg_update"
	OpPkgRefresh   = "pkg_refresh"

	OpBeadmCreate   = "beadm_create"
	OpBeadmDelete   = "beadm_delete"
	OpBeadmActivate = "beadm_activate"
	OpBeadmMount    = "beadm_mount"
	OpBeadmUnmount  = "beadm_unmount"

	OpRepositoryAdd     = "repository_add"
	OpRepositoryRemove  = "repository_remove"
	OpRepositoryModify  = "repository_modify"
	OpRepositoryEnable  = "repository_enable"
	OpRepositoryDisable = "repository_disable"

	OpUserCreate      = "user_create"
	OpUserModify      = "user_modify"
	OpUserDelete      = "user_delete"
	OpUserSetPassword = "user_set_password"
	OpUserLock        = "user_lock"
	OpUserUnlock      = "user_unlock"
	OpGroupCreate     = "group_create"
	OpGroupModify     = "group_modify"
	OpGroupDelete     = "group_delete"
	OpRoleCreate      = "role_create"
	OpRoleModify      = "role_modify"
	OpRoleDelete      = "role_delete"

	OpFileMove           = "file_move"
	OpFileCopy           = "file_copy"
	OpFileArchiveCreate  = "file_archive_create"
	OpFileArchiveExtract = "file_archive_extract"

	OpProcessTrace = "process_trace"

	OpArtifactDownloadURL  = "artifact_download_url"
	OpArtifactScanAll      = "artifact_scan_all"
	OpArtifactScanLocation = "artifact_scan_location"
)

// operationCategories is the fixed category table. Operations absent from
// it have no category and never touch the lock set.
//
// switch_time_sync_system mutates the same host state as the other time
// operations, so it carries system_config even though it swaps packages.
var operationCategories = map[string]string{
	OpPkgInstall:        CategoryPackageManagement,
	OpPkgUninstall:      CategoryPackageManagement,
	OpPkgUpdate:         CategoryPackageManagement,
	OpPkgRefresh:        CategoryPackageManagement,
	OpBeadmCreate:       CategoryPackageManagement,
	OpBeadmDelete:       CategoryPackageManagement,
	OpBeadmActivate:     CategoryPackageManagement,
	OpBeadmMount:        CategoryPackageManagement,
	OpBeadmUnmount:      CategoryPackageManagement,
	OpRepositoryAdd:     CategoryPackageManagement,
	OpRepositoryRemove:  CategoryPackageManagement,
	OpRepositoryModify:  CategoryPackageManagement,
	OpRepositoryEnable:  CategoryPackageManagement,
	OpRepositoryDisable: CategoryPackageManagement,

	OpCreateVNIC:           CategoryNetworkDatalink,
	OpDeleteVNIC:           CategoryNetworkDatalink,
	OpModifyVNIC:           CategoryNetworkDatalink,
	OpSetVNICProperties:    CategoryNetworkDatalink,
	OpCreateAggregate:      CategoryNetworkDatalink,
	OpDeleteAggregate:      CategoryNetworkDatalink,
	OpModifyAggregate:      CategoryNetworkDatalink,
	OpModifyAggregateLinks: CategoryNetworkDatalink,
	OpCreateEtherstub:      CategoryNetworkDatalink,
	OpDeleteEtherstub:      CategoryNetworkDatalink,
	OpModifyEtherstub:      CategoryNetworkDatalink,
	OpCreateVLAN:           CategoryNetworkDatalink,
	OpDeleteVLAN:           CategoryNetworkDatalink,
	OpModifyVLAN:           CategoryNetworkDatalink,
	OpCreateBridge:         CategoryNetworkDatalink,
	OpDeleteBridge:         CategoryNetworkDatalink,
	OpModifyBridge:         CategoryNetworkDatalink,
	OpModifyBridgeLinks:    CategoryNetworkDatalink,

	OpCreateIPAddress:  CategoryNetworkIP,
	OpDeleteIPAddress:  CategoryNetworkIP,
	OpEnableIPAddress:  CategoryNetworkIP,
	OpDisableIPAddress: CategoryNetworkIP,

	OpSetHostname:          CategorySystemConfig,
	OpSetTimezone:          CategorySystemConfig,
	OpUpdateTimeSyncConfig: CategorySystemConfig,
	OpForceTimeSync:        CategorySystemConfig,
	OpSwitchTimeSyncSystem: CategorySystemConfig,

	OpUserCreate:      CategoryUserManagement,
	OpUserModify:      CategoryUserManagement,
	OpUserDelete:      CategoryUserManagement,
	OpUserSetPassword: CategoryUserManagement,
	OpUserLock:        CategoryUserManagement,
	OpUserUnlock:      CategoryUserManagement,
	OpGroupCreate:     CategoryUserManagement,
	OpGroupModify:     CategoryUserManagement,
	OpGroupDelete:     CategoryUserManagement,
	OpRoleCreate:      CategoryUserManagement,
	OpRoleModify:      CategoryUserManagement,
	OpRoleDelete:      CategoryUserManagement,
}

const (
	// defaultHandlerTimeout is the wall clock budget for operations
	// without a documented longer one.
	defaultHandlerTimeout = 5 * time.Minute

	// pkgInstallTimeout covers pkg_install and pkg_uninstall.
	pkgInstallTimeout = 10 * time.Minute

	// pkgUpdateTimeout covers full image updates.
	pkgUpdateTimeout = 30 * time.Minute
)

// operationTimeouts holds the documented exceptions to the default handler
// timeout.
var operationTimeouts = map[string]time.Duration{
	OpPkgInstall:   pkgInstallTimeout,
	OpPkgUninstall: pkgInstallTimeout,
	OpPkgUpdate:    pkgUpdateTimeout,
}

// CategoryForOperation returns the mutual exclusion category of an
// operation, or "" when it may run in parallel with anything.
func CategoryForOperation(op string) string {
	return operationCategories[op]
}

// TimeoutForOperation returns the handler wall clock budget for an
// operation.
func TimeoutForOperation(op string) time.Duration {
	if d, ok := operationTimeouts[op]; ok {
		return d
	}
	return defaultHandlerTimeout
}

// Progress lets a running handler publish completion percent and an opaque
// info snapshot back to its task row without blocking.
type Progress interface {
	// Publish is non-blocking; writes are coalesced and stale percents
	// are dropped.
	Publish(percent int, info interface{})
}

// Handler implements one operation. Metadata is the task's opaque JSON
// payload; handlers deserialize it up front and fail fast on bad input. A
// returned error marks the task failed with the error text; a nil error
// with a result marks it completed.
type Handler func(ctx context.Context, metadata []byte, prog Progress) (*structs.HandlerResult, error)

// Registration binds a handler to its category and timeout.
type Registration struct {
	Handler  Handler
	Category string
	Timeout  time.Duration
}

// Registry maps operation names to registrations. It is populated at agent
// wiring time and read-only afterwards, so lookups are unsynchronized.
type Registry struct {
	ops map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Registration)}
}

// Register binds a handler to an operation, attaching the category and
// timeout from the fixed tables. Registering the same operation twice is a
// wiring bug and panics.
func (r *Registry) Register(op string, handler Handler) {
	if _, exists := r.ops[op]; exists {
		panic(fmt.Sprintf("operation %q registered twice", op))
	}
	r.ops[op] = &Registration{
		Handler:  handler,
		Category: CategoryForOperation(op),
		Timeout:  TimeoutForOperation(op),
	}
}

// Lookup returns the registration for an operation.
func (r *Registry) Lookup(op string) (*Registration, bool) {
	reg, ok := r.ops[op]
	return reg, ok
}

// Operations returns all registered operation names, sorted.
func (r *Registry) Operations() []string {
	out := make([]string, 0, len(r.ops))
	for op := range r.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// OperationsInCategories returns the registered operations whose category
// is in the given set. The scheduler excludes these from claims while the
// categories are held.
func (r *Registry) OperationsInCategories(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	var out []string
	for op, reg := range r.ops {
		if reg.Category == "" {
			continue
		}
		if _, ok := set[reg.Category]; ok {
			out = append(out, op)
		}
	}
	sort.Strings(out)
	return out
}
