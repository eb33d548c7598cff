// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package artifacts implements the download and scan handlers for managed
// storage locations. The two coordinate through the task store: a scan
// snapshots the destination paths of in-flight downloads and leaves those
// files completely alone, so a partial download is never mistaken for an
// orphan or a new artifact.
package artifacts

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/executor"
)

const (
	// defaultDownloadTimeout bounds waiting on the remote server, not
	// the transfer itself; large images legitimately stream for hours.
	defaultDownloadTimeout = 60 * time.Second

	// defaultProgressInterval paces download progress snapshots.
	defaultProgressInterval = 10 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// DownloadTimeout is how long to wait for connection establishment
	// and response headers.
	DownloadTimeout time.Duration

	// ProgressInterval paces progress publishes during a download.
	ProgressInterval time.Duration

	// SupportedExtensions maps a storage location type to the file
	// extensions a scan will pick up, e.g. "iso" -> [".iso"]. A type
	// with no entry accepts any extension.
	SupportedExtensions map[string][]string
}

// Coordinator owns the artifact operations and their shared helpers.
type Coordinator struct {
	store  state.StateDB
	runner *executor.Runner
	client *http.Client
	config Config
	logger hclog.Logger
}

// NewCoordinator builds the coordinator. Register wires its handlers into
// the engine registry.
func NewCoordinator(logger hclog.Logger, store state.StateDB, runner *executor.Runner, config Config) *Coordinator {
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = defaultDownloadTimeout
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaultProgressInterval
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.ResponseHeaderTimeout = config.DownloadTimeout

	return &Coordinator{
		store:  store,
		runner: runner,
		client: &http.Client{Transport: transport},
		config: config,
		logger: logger.Named("artifacts"),
	}
}

// Register binds the artifact operations to the registry.
func (c *Coordinator) Register(r *engine.Registry) {
	r.Register(engine.OpArtifactDownloadURL, c.handleDownload)
	r.Register(engine.OpArtifactScanAll, c.handleScanAll)
	r.Register(engine.OpArtifactScanLocation, c.handleScanLocation)
}

// destPath computes the final on-disk path for a download. The scan
// handler recomputes in-flight destinations with the same function, which
// is what makes the race-avoidance snapshot sound.
func destPath(root, rawURL, filename string) (string, error) {
	if filename == "" {
		u, err := parseDownloadURL(rawURL)
		if err != nil {
			return "", err
		}
		filename = path.Base(u.Path)
	}
	if filename == "" || filename == "." || filename == "/" {
		return "", fmt.Errorf("cannot derive a filename from %q", rawURL)
	}

	dest := filepath.Join(root, filename)

	// The filename must stay inside the storage root.
	cleanRoot := filepath.Clean(root) + string(filepath.Separator)
	if !strings.HasPrefix(dest, cleanRoot) {
		return "", fmt.Errorf("filename %q escapes storage location", filename)
	}
	return dest, nil
}

// allowedExtension reports whether a scan of a location with the given
// type should pick up the filename.
func (c *Coordinator) allowedExtension(locType, filename string) bool {
	exts, ok := c.config.SupportedExtensions[locType]
	if !ok || len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range exts {
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// inflightDownloadPaths snapshots the destination paths of every running
// download task by recomputing each destination from the task metadata.
func (c *Coordinator) inflightDownloadPaths(ctx context.Context) (map[string]struct{}, error) {
	running, err := c.store.RunningTasks(ctx, engine.OpArtifactDownloadURL)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot running downloads: %w", err)
	}

	paths := make(map[string]struct{}, len(running))
	for _, task := range running {
		params, err := parseDownloadParams(task.Metadata)
		if err != nil {
			// A running download with unparseable metadata should be
			// impossible; log and keep scanning.
			c.logger.Warn("running download has invalid metadata", "task_id", task.ID, "error", err)
			continue
		}
		loc, err := c.store.GetStorageLocation(ctx, params.StorageLocationID)
		if err != nil {
			c.logger.Warn("running download references unknown location",
				"task_id", task.ID, "location_id", params.StorageLocationID)
			continue
		}
		dest, err := destPath(loc.Path, params.URL, params.Filename)
		if err != nil {
			c.logger.Warn("running download has uncomputable destination", "task_id", task.ID, "error", err)
			continue
		}
		paths[dest] = struct{}{}
	}
	return paths, nil
}
