// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// archiveTimeout bounds tar runs; large archives are slow but not
// unbounded.
const archiveTimeout = 10 * time.Minute

// fileHandlers move, copy, and archive files with the host tools under
// pfexec so the agent itself needs no broad filesystem privileges.
type fileHandlers struct {
	*Deps
}

func newFileHandlers(deps *Deps) *fileHandlers {
	return &fileHandlers{deps}
}

func (f *fileHandlers) register(r *engine.Registry) {
	r.Register(engine.OpFileMove, f.handleMove)
	r.Register(engine.OpFileCopy, f.handleCopy)
	r.Register(engine.OpFileArchiveCreate, f.handleArchiveCreate)
	r.Register(engine.OpFileArchiveExtract, f.handleArchiveExtract)
}

type fileParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`

	// Recursive passes -r to cp.
	Recursive bool `json:"recursive,omitempty"`
}

func (p *fileParams) validate() error {
	if p.Source == "" || p.Destination == "" {
		return fmt.Errorf("source and destination are required")
	}
	if !filepath.IsAbs(p.Source) || !filepath.IsAbs(p.Destination) {
		return fmt.Errorf("source and destination must be absolute paths")
	}
	return nil
}

func (f *fileHandlers) handleMove(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params fileParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	if _, err := f.Runner.Run(ctx, executor.Command{
		Args: []string{"pfexec", "mv", params.Source, params.Destination},
	}); err != nil {
		return nil, fmt.Errorf("failed to move %s: %w", params.Source, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("moved %s to %s", params.Source, params.Destination),
	}, nil
}

func (f *fileHandlers) handleCopy(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params fileParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	args := []string{"pfexec", "cp", "-p"}
	if params.Recursive {
		args = append(args, "-r")
	}
	args = append(args, params.Source, params.Destination)

	if _, err := f.Runner.Run(ctx, executor.Command{Args: args, Timeout: archiveTimeout}); err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", params.Source, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("copied %s to %s", params.Source, params.Destination),
	}, nil
}

type archiveParams struct {
	// Archive is the tarball path. Compression follows its extension:
	// .tar.gz/.tgz gzip, .tar plain.
	Archive string `json:"archive"`

	// Sources are the paths to pack on create.
	Sources []string `json:"sources,omitempty"`

	// Destination is the directory to unpack into on extract.
	Destination string `json:"destination,omitempty"`
}

func (p *archiveParams) compressFlag() (string, error) {
	switch {
	case strings.HasSuffix(p.Archive, ".tar.gz"), strings.HasSuffix(p.Archive, ".tgz"):
		return "z", nil
	case strings.HasSuffix(p.Archive, ".tar"):
		return "", nil
	default:
		return "", fmt.Errorf("unsupported archive extension on %s", p.Archive)
	}
}

func (f *fileHandlers) handleArchiveCreate(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params archiveParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if params.Archive == "" || !filepath.IsAbs(params.Archive) {
		return nil, fmt.Errorf("archive must be an absolute path")
	}
	if len(params.Sources) == 0 {
		return nil, fmt.Errorf("no sources given")
	}
	for _, src := range params.Sources {
		if !filepath.IsAbs(src) {
			return nil, fmt.Errorf("source %s must be an absolute path", src)
		}
	}
	z, err := params.compressFlag()
	if err != nil {
		return nil, err
	}

	// Pack relative to each source's parent so the archive does not
	// carry absolute paths.
	args := []string{"pfexec", "tar", "c" + z + "f", params.Archive}
	for _, src := range params.Sources {
		args = append(args, "-C", filepath.Dir(src), filepath.Base(src))
	}

	if _, err := f.Runner.Run(ctx, executor.Command{Args: args, Timeout: archiveTimeout}); err != nil {
		return nil, fmt.Errorf("failed to create archive %s: %w", params.Archive, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("archived %d path(s) into %s", len(params.Sources), params.Archive),
	}, nil
}

func (f *fileHandlers) handleArchiveExtract(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params archiveParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if params.Archive == "" || !filepath.IsAbs(params.Archive) {
		return nil, fmt.Errorf("archive must be an absolute path")
	}
	if params.Destination == "" || !filepath.IsAbs(params.Destination) {
		return nil, fmt.Errorf("destination must be an absolute path")
	}
	z, err := params.compressFlag()
	if err != nil {
		return nil, err
	}

	args := []string{"pfexec", "tar", "x" + z + "f", params.Archive, "-C", params.Destination}
	if _, err := f.Runner.Run(ctx, executor.Command{Args: args, Timeout: archiveTimeout}); err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", params.Archive, err)
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("extracted %s into %s", params.Archive, params.Destination),
	}, nil
}
