// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"time"
)

// Config is the agent configuration, loadable from an HCL file. Zero values
// mean "unset" so files can be merged over the defaults.
type Config struct {
	// NodeName identifies this host in logs. Defaults to the hostname.
	NodeName string `hcl:"node_name"`

	// DataDir holds the sqlite database.
	DataDir string `hcl:"data_dir"`

	// BindAddr is the address the HTTP server listens on.
	BindAddr string `hcl:"bind_addr"`

	Ports *Ports `hcl:"ports"`

	LogLevel string `hcl:"log_level"`
	LogJSON  bool   `hcl:"log_json"`

	// EnableDebug exposes the pprof endpoints.
	EnableDebug bool `hcl:"enable_debug"`

	// MaxConcurrentTasks bounds parallel task execution.
	MaxConcurrentTasks int `hcl:"max_concurrent_tasks"`

	// AutoDiscovery runs periodic zone discovery. Defaults to on; a
	// pointer so an explicit false survives merging.
	AutoDiscovery *bool `hcl:"auto_discovery"`

	// DiscoveryIntervalSeconds paces the discovery driver.
	DiscoveryIntervalSeconds int `hcl:"discovery_interval_seconds"`

	// DefaultPaginationLimit caps task list responses when the request
	// names no limit.
	DefaultPaginationLimit int `hcl:"default_pagination_limit"`

	Retention *RetentionConfig `hcl:"retention"`
	Download  *DownloadConfig  `hcl:"download"`
	Scanning  *ScanningConfig  `hcl:"scanning"`
}

// Ports holds the listener port assignments.
type Ports struct {
	HTTP int `hcl:"http"`
}

// RetentionConfig controls how long terminal task rows are kept.
type RetentionConfig struct {
	TaskDays int `hcl:"task_days"`
}

// DownloadConfig tunes the artifact download coordinator.
type DownloadConfig struct {
	// TimeoutSeconds bounds connection establishment and response
	// headers, not the whole transfer.
	TimeoutSeconds int `hcl:"timeout_seconds"`

	// ProgressUpdateSeconds paces download progress writes.
	ProgressUpdateSeconds int `hcl:"progress_update_seconds"`
}

// ScanningConfig tunes artifact scans.
type ScanningConfig struct {
	// SupportedExtensions maps a storage location type to the file
	// extensions scans pick up there.
	SupportedExtensions map[string][]string `hcl:"supported_extensions"`
}

// DefaultConfig returns the baseline configuration files merge over.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                  "/var/lib/zoned",
		BindAddr:                 "127.0.0.1",
		Ports:                    &Ports{HTTP: 8765},
		LogLevel:                 "INFO",
		MaxConcurrentTasks:       5,
		AutoDiscovery:            boolPtr(true),
		DiscoveryIntervalSeconds: 300,
		DefaultPaginationLimit:   50,
		Retention:                &RetentionConfig{TaskDays: 30},
		Download: &DownloadConfig{
			TimeoutSeconds:        60,
			ProgressUpdateSeconds: 10,
		},
		Scanning: &ScanningConfig{
			SupportedExtensions: map[string][]string{
				"iso":   {".iso"},
				"image": {".raw", ".zfs", ".gz", ".xz"},
			},
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// Merge folds b over c, returning a new config. Set fields in b win.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.NodeName != "" {
		result.NodeName = b.NodeName
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.Ports != nil && b.Ports.HTTP != 0 {
		result.Ports = &Ports{HTTP: b.Ports.HTTP}
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.MaxConcurrentTasks != 0 {
		result.MaxConcurrentTasks = b.MaxConcurrentTasks
	}
	if b.AutoDiscovery != nil {
		result.AutoDiscovery = b.AutoDiscovery
	}
	if b.DiscoveryIntervalSeconds != 0 {
		result.DiscoveryIntervalSeconds = b.DiscoveryIntervalSeconds
	}
	if b.DefaultPaginationLimit != 0 {
		result.DefaultPaginationLimit = b.DefaultPaginationLimit
	}
	if b.Retention != nil && b.Retention.TaskDays != 0 {
		result.Retention = &RetentionConfig{TaskDays: b.Retention.TaskDays}
	}
	if b.Download != nil {
		download := *result.Download
		if b.Download.TimeoutSeconds != 0 {
			download.TimeoutSeconds = b.Download.TimeoutSeconds
		}
		if b.Download.ProgressUpdateSeconds != 0 {
			download.ProgressUpdateSeconds = b.Download.ProgressUpdateSeconds
		}
		result.Download = &download
	}
	if b.Scanning != nil && len(b.Scanning.SupportedExtensions) > 0 {
		result.Scanning = &ScanningConfig{SupportedExtensions: b.Scanning.SupportedExtensions}
	}

	return &result
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1")
	}
	if c.Ports == nil || c.Ports.HTTP < 1 || c.Ports.HTTP > 65535 {
		return fmt.Errorf("ports.http must be a valid port")
	}
	if c.DefaultPaginationLimit < 1 {
		return fmt.Errorf("default_pagination_limit must be at least 1")
	}
	return nil
}

// HTTPAddr is the listen address of the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Ports.HTTP)
}

// DiscoveryInterval returns the discovery pace as a duration.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// TaskRetention returns how long terminal tasks are kept.
func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.Retention.TaskDays) * 24 * time.Hour
}
