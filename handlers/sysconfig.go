// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

const (
	zoneinfoDir     = "/usr/share/lib/zoneinfo"
	initDefaultPath = "/etc/default/init"

	ntpFMRI    = "svc:/network/ntp:default"
	chronyFMRI = "svc:/network/chrony:default"

	ntpConfPath    = "/etc/inet/ntp.conf"
	chronyConfPath = "/etc/inet/chrony.conf"
)

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// sysConfigHandlers cover host identity and time settings. Hostname and
// timezone changes only take full effect after a reboot, so both raise the
// reboot-required flag through the injected hook.
type sysConfigHandlers struct {
	*Deps
}

func newSysConfigHandlers(deps *Deps) *sysConfigHandlers {
	return &sysConfigHandlers{deps}
}

func (s *sysConfigHandlers) register(r *engine.Registry) {
	r.Register(engine.OpSetHostname, s.handleSetHostname)
	r.Register(engine.OpSetTimezone, s.handleSetTimezone)
	r.Register(engine.OpUpdateTimeSyncConfig, s.handleUpdateTimeSyncConfig)
	r.Register(engine.OpForceTimeSync, s.handleForceTimeSync)
	r.Register(engine.OpSwitchTimeSyncSystem, s.handleSwitchTimeSyncSystem)
}

type hostnameParams struct {
	Hostname string `json:"hostname"`
}

func (s *sysConfigHandlers) handleSetHostname(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params hostnameParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if !hostnameRe.MatchString(params.Hostname) {
		return nil, fmt.Errorf("invalid hostname %q", params.Hostname)
	}

	// Persist in the identity service, then apply to the running system.
	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "svccfg", "-s", "svc:/system/identity:node",
			"setprop", "config/nodename", "=", "astring:", params.Hostname},
	}); err != nil {
		return nil, fmt.Errorf("failed to persist hostname: %w", err)
	}
	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "svcadm", "refresh", "svc:/system/identity:node"},
	}); err != nil {
		return nil, fmt.Errorf("failed to refresh identity service: %w", err)
	}
	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "hostname", params.Hostname},
	}); err != nil {
		return nil, fmt.Errorf("failed to set running hostname: %w", err)
	}

	s.rebootRequired("hostname changed to " + params.Hostname)
	return &structs.HandlerResult{
		Message: fmt.Sprintf("hostname set to %s, reboot required for full effect", params.Hostname),
		Extra:   map[string]interface{}{"reboot_required": true},
	}, nil
}

type timezoneParams struct {
	Timezone string `json:"timezone"`
}

func (s *sysConfigHandlers) handleSetTimezone(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params timezoneParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if params.Timezone == "" || strings.Contains(params.Timezone, "..") {
		return nil, fmt.Errorf("invalid timezone %q", params.Timezone)
	}

	// The timezone must exist as a zoneinfo file before it goes into the
	// init defaults.
	info, err := os.Stat(filepath.Join(zoneinfoDir, params.Timezone))
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("unknown timezone %q", params.Timezone)
	}

	current, err := os.ReadFile(initDefaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", initDefaultPath, err)
	}

	replaced := false
	lines := strings.Split(string(current), "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "TZ=") {
			lines[i] = "TZ=" + params.Timezone
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, "TZ="+params.Timezone)
	}

	if err := s.installSystemFile(ctx, []byte(strings.Join(lines, "\n")), initDefaultPath); err != nil {
		return nil, err
	}

	s.rebootRequired("timezone changed to " + params.Timezone)
	return &structs.HandlerResult{
		Message: fmt.Sprintf("timezone set to %s, reboot required for full effect", params.Timezone),
		Extra:   map[string]interface{}{"reboot_required": true},
	}, nil
}

type timeSyncParams struct {
	// Service is "ntp" or "chrony". Defaults to whichever is online.
	Service string   `json:"service,omitempty"`
	Servers []string `json:"servers,omitempty"`
}

func (s *sysConfigHandlers) handleUpdateTimeSyncConfig(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params timeSyncParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if len(params.Servers) == 0 {
		return nil, fmt.Errorf("at least one time server is required")
	}

	service, err := s.resolveTimeService(ctx, params.Service)
	if err != nil {
		return nil, err
	}

	var buf strings.Builder
	var confPath, fmri string
	switch service {
	case "chrony":
		confPath, fmri = chronyConfPath, chronyFMRI
		for _, server := range params.Servers {
			fmt.Fprintf(&buf, "server %s iburst\n", server)
		}
		buf.WriteString("driftfile /var/lib/chrony/drift\nmakestep 1.0 3\n")
	case "ntp":
		confPath, fmri = ntpConfPath, ntpFMRI
		for _, server := range params.Servers {
			fmt.Fprintf(&buf, "server %s iburst\n", server)
		}
		buf.WriteString("driftfile /var/ntp/ntp.drift\n")
	default:
		return nil, fmt.Errorf("unsupported time sync service %q", service)
	}

	if err := s.installSystemFile(ctx, []byte(buf.String()), confPath); err != nil {
		return nil, err
	}
	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "svcadm", "restart", fmri},
	}); err != nil {
		return nil, fmt.Errorf("failed to restart %s: %w", fmri, err)
	}

	return &structs.HandlerResult{
		Message: fmt.Sprintf("%s configured with %d servers", service, len(params.Servers)),
	}, nil
}

func (s *sysConfigHandlers) handleForceTimeSync(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params timeSyncParams
	if len(metadata) > 0 {
		if err := decode(metadata, &params); err != nil {
			return nil, err
		}
	}

	service, err := s.resolveTimeService(ctx, params.Service)
	if err != nil {
		return nil, err
	}

	var args []string
	switch service {
	case "chrony":
		args = []string{"pfexec", "chronyc", "makestep"}
	case "ntp":
		if len(params.Servers) == 0 {
			return nil, fmt.Errorf("ntp force sync requires a server")
		}
		args = []string{"pfexec", "ntpdig", "-S", params.Servers[0]}
	default:
		return nil, fmt.Errorf("unsupported time sync service %q", service)
	}

	res, err := s.Runner.Run(ctx, executor.Command{Args: args})
	if err != nil {
		return nil, fmt.Errorf("time sync failed: %w", err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("clock stepped via %s", service),
		Extra:   map[string]interface{}{"output": strings.TrimSpace(res.Stdout)},
	}, nil
}

type switchTimeSyncParams struct {
	// To is the target service, "ntp" or "chrony".
	To      string   `json:"to"`
	Servers []string `json:"servers,omitempty"`
}

// handleSwitchTimeSyncSystem swaps the host between ntp and chrony:
// install the target package, disable the old daemon, write a config for
// the new one, enable it. The old package stays installed so the switch is
// reversible without a network fetch.
func (s *sysConfigHandlers) handleSwitchTimeSyncSystem(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	var params switchTimeSyncParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}

	var pkgName, newFMRI, oldFMRI, confPath string
	switch params.To {
	case "chrony":
		pkgName, newFMRI, oldFMRI, confPath = "service/network/chrony", chronyFMRI, ntpFMRI, chronyConfPath
	case "ntp":
		pkgName, newFMRI, oldFMRI, confPath = "service/network/ntp", ntpFMRI, chronyFMRI, ntpConfPath
	default:
		return nil, fmt.Errorf("unsupported target %q, want ntp or chrony", params.To)
	}

	// pkg install exits 4 when the package is already current.
	if _, err := s.Runner.Run(ctx, executor.Command{Args: []string{"pfexec", "pkg", "install", pkgName}}); err != nil {
		if exitCode(err) != 4 {
			return nil, fmt.Errorf("failed to install %s: %w", pkgName, err)
		}
	}
	prog.Publish(40, nil)

	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "svcadm", "disable", oldFMRI},
	}); err != nil {
		s.Logger.Debug("old time service not running", "fmri", oldFMRI, "error", err)
	}
	prog.Publish(60, nil)

	if len(params.Servers) > 0 {
		var buf strings.Builder
		for _, server := range params.Servers {
			fmt.Fprintf(&buf, "server %s iburst\n", server)
		}
		if err := s.installSystemFile(ctx, []byte(buf.String()), confPath); err != nil {
			return nil, err
		}
	}
	prog.Publish(80, nil)

	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "svcadm", "enable", newFMRI},
	}); err != nil {
		return nil, fmt.Errorf("failed to enable %s: %w", newFMRI, err)
	}

	return &structs.HandlerResult{
		Message: fmt.Sprintf("time sync switched to %s", params.To),
	}, nil
}

// resolveTimeService returns the requested service, or when none was named,
// whichever daemon is online. ntp wins ties because it is the OmniOS
// default.
func (s *sysConfigHandlers) resolveTimeService(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.serviceOnline(ctx, chronyFMRI) {
		return "chrony", nil
	}
	if s.serviceOnline(ctx, ntpFMRI) {
		return "ntp", nil
	}
	return "", fmt.Errorf("no time sync service online and none requested")
}

func (s *sysConfigHandlers) serviceOnline(ctx context.Context, fmri string) bool {
	res, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"svcs", "-H", "-o", "state", fmri},
	})
	return err == nil && strings.TrimSpace(res.Stdout) == "online"
}

// installSystemFile stages content in a temp file and moves it into place
// with privilege. The agent itself runs unprivileged.
func (s *sysConfigHandlers) installSystemFile(ctx context.Context, content []byte, dest string) error {
	tmp, err := os.CreateTemp("", "zoned-sysconfig-*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", dest, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage %s: %w", dest, err)
	}

	if _, err := s.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "cp", tmp.Name(), dest},
	}); err != nil {
		return fmt.Errorf("failed to install %s: %w", dest, err)
	}
	return nil
}
