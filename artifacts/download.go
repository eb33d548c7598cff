// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
	"github.com/openzoned/zoned/helper/uuid"
)

// DownloadParams is the metadata payload of an artifact_download_url task.
type DownloadParams struct {
	URL               string `json:"url"`
	StorageLocationID string `json:"storage_location_id"`
	Filename          string `json:"filename,omitempty"`
	ExpectedChecksum  string `json:"expected_checksum,omitempty"`
	Algorithm         string `json:"algorithm,omitempty"`
	Overwrite         bool   `json:"overwrite,omitempty"`
}

// downloadProgress is the info snapshot published while streaming.
type downloadProgress struct {
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      int64  `json:"total_bytes,omitempty"`
	Speed           string `json:"speed,omitempty"`
	ETASeconds      int64  `json:"eta_seconds,omitempty"`
}

func parseDownloadParams(metadata []byte) (*DownloadParams, error) {
	var params DownloadParams
	if err := json.Unmarshal(metadata, &params); err != nil {
		return nil, fmt.Errorf("invalid download metadata: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("download requires a url")
	}
	if params.StorageLocationID == "" {
		return nil, fmt.Errorf("download requires a storage_location_id")
	}
	if params.Algorithm == "" {
		params.Algorithm = "sha256"
	}
	if _, err := hasherFor(params.Algorithm); err != nil {
		return nil, err
	}
	return &params, nil
}

func parseDownloadURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported download scheme %q", u.Scheme)
	}
	return u, nil
}

func (c *Coordinator) handleDownload(ctx context.Context, metadata []byte, prog engine.Progress) (*structs.HandlerResult, error) {
	params, err := parseDownloadParams(metadata)
	if err != nil {
		return nil, err
	}
	if _, err := parseDownloadURL(params.URL); err != nil {
		return nil, err
	}

	loc, err := c.store.GetStorageLocation(ctx, params.StorageLocationID)
	if err != nil {
		return nil, err
	}
	if !loc.Enabled {
		return nil, fmt.Errorf("storage location %s is disabled", loc.Name)
	}

	dest, err := destPath(loc.Path, params.URL, params.Filename)
	if err != nil {
		return nil, err
	}
	if _, serr := os.Stat(dest); serr == nil && !params.Overwrite {
		return nil, fmt.Errorf("file %s already exists and overwrite is not set", dest)
	}

	// Pre-create the destination with privileged tooling and open it up
	// so the service user can stream into it without a later chown.
	if err := c.preCreate(ctx, dest); err != nil {
		return nil, err
	}

	size, err := c.stream(ctx, params.URL, dest, prog)
	if err != nil {
		c.removeFile(ctx, dest)
		return nil, err
	}

	// The digest pass is decoupled from the download so the network
	// phase gets the full write throughput.
	digest, err := digestFile(dest, params.Algorithm)
	if err != nil {
		c.removeFile(ctx, dest)
		return nil, fmt.Errorf("failed to digest %s: %w", dest, err)
	}
	if params.ExpectedChecksum != "" && digest != params.ExpectedChecksum {
		c.removeFile(ctx, dest)
		return nil, fmt.Errorf("checksum verification failed for %s: got %s, want %s",
			dest, digest, params.ExpectedChecksum)
	}

	artifact := &structs.Artifact{
		ID:         uuid.Generate(),
		LocationID: loc.ID,
		Path:       dest,
		Filename:   filepath.Base(dest),
		Size:       size,
		Checksum:   &digest,
		Algorithm:  &params.Algorithm,
		SourceURL:  &params.URL,
	}
	if err := c.store.InsertArtifact(ctx, artifact); err != nil {
		c.removeFile(ctx, dest)
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}
	if err := c.store.AddToStorageLocationStats(ctx, loc.ID, 1, size); err != nil {
		// The artifact row exists and the file is good; stats drift is
		// a cleanup problem, not a failure.
		return &structs.HandlerResult{
			Message:      fmt.Sprintf("downloaded %s (%s)", dest, humanize.Bytes(uint64(size))),
			CleanupError: fmt.Sprintf("failed to update location stats: %v", err),
			Extra:        downloadExtra(artifact),
		}, nil
	}

	c.logger.Info("artifact downloaded",
		"url", params.URL, "path", dest, "size", size, "checksum", digest)
	return &structs.HandlerResult{
		Message: fmt.Sprintf("downloaded %s (%s)", dest, humanize.Bytes(uint64(size))),
		Extra:   downloadExtra(artifact),
	}, nil
}

func downloadExtra(a *structs.Artifact) map[string]interface{} {
	return map[string]interface{}{
		"artifact_id": a.ID,
		"path":        a.Path,
		"size":        a.Size,
		"checksum":    *a.Checksum,
	}
}

// preCreate ensures the destination exists and is writable by the agent.
// Root-owned locations need the privileged path: touch as root, then widen
// the mode so the unprivileged service user can write it.
func (c *Coordinator) preCreate(ctx context.Context, dest string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0666)
	if err == nil {
		f.Close()
		return nil
	}
	if !os.IsPermission(err) {
		return fmt.Errorf("failed to pre-create %s: %w", dest, err)
	}

	if _, err := c.runner.Run(ctx, executor.Command{Args: []string{"pfexec", "touch", dest}}); err != nil {
		return fmt.Errorf("failed to pre-create %s: %w", dest, err)
	}
	if _, err := c.runner.Run(ctx, executor.Command{Args: []string{"pfexec", "chmod", "0666", dest}}); err != nil {
		return fmt.Errorf("failed to open up mode of %s: %w", dest, err)
	}
	return nil
}

// removeFile deletes a partial or rejected download, falling back to
// privileged removal when the direct unlink is denied.
func (c *Coordinator) removeFile(ctx context.Context, dest string) {
	if err := os.Remove(dest); err == nil || os.IsNotExist(err) {
		return
	}
	if _, err := c.runner.Run(ctx, executor.Command{Args: []string{"pfexec", "rm", "-f", dest}}); err != nil {
		c.logger.Warn("failed to remove download", "path", dest, "error", err)
	}
}

// stream writes the HTTP body straight to dest. No temp file and no
// intermediate copy; the scan handler's in-flight snapshot is what keeps
// partial files safe from concurrent scans.
func (c *Coordinator) stream(ctx context.Context, rawURL, dest string, prog engine.Progress) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download of %s failed with status %s", rawURL, resp.Status)
	}
	total := resp.ContentLength

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s for writing: %w", dest, err)
	}
	defer f.Close()

	var written int64
	start := time.Now()
	buf := make([]byte, 256*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write %s: %w", dest, werr)
			}
			written += int64(n)
			c.publishDownloadProgress(prog, written, total, start)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("download of %s interrupted: %w", rawURL, rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync %s: %w", dest, err)
	}
	return written, nil
}

// publishDownloadProgress computes percent/speed/ETA and hands them to the
// coalescing publisher, which enforces the write interval.
func (c *Coordinator) publishDownloadProgress(prog engine.Progress, written, total int64, start time.Time) {
	elapsed := time.Since(start).Seconds()

	info := downloadProgress{
		BytesDownloaded: written,
		TotalBytes:      total,
	}
	percent := 0
	if total > 0 {
		percent = int(written * 100 / total)
		if percent > 99 {
			// Hold 100 back for the verification and insert phases.
			percent = 99
		}
	}
	if elapsed > 0 {
		rate := float64(written) / elapsed
		info.Speed = humanize.Bytes(uint64(rate)) + "/s"
		if total > 0 && rate > 0 {
			info.ETASeconds = int64(float64(total-written) / rate)
		}
	}

	prog.Publish(percent, info)
}
