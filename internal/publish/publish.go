// SPDX-License-Identifier: MIT

// Package publish hands finished artifacts to the delivery boundary. The
// chat gateway consumes from the outbox; this package only guarantees that
// every file appearing there is complete.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
)

// Publisher is the delivery boundary for completed artifacts. Publish takes
// ownership of the artifact file and returns its published location.
type Publisher interface {
	Publish(ctx context.Context, artifact media.Artifact) (string, error)
}

// DirPublisher moves artifacts into an outbox directory. The artifact file
// is renamed into place, so a consumer never observes partial bytes, and a
// sidecar JSON document carries the artifact metadata.
type DirPublisher struct {
	dir string
}

// NewDirPublisher ensures the outbox exists and returns a publisher over it.
func NewDirPublisher(dir string) (*DirPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox: %w", err)
	}
	return &DirPublisher{dir: dir}, nil
}

// sidecar is the metadata document written next to each published file.
type sidecar struct {
	JobID       string    `json:"job_id"`
	MediaType   string    `json:"media_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Origin      string    `json:"origin"`
	PublishedAt time.Time `json:"published_at"`
}

// Publish moves the artifact into the outbox. The sidecar lands last: its
// appearance signals to consumers that the media file is complete.
func (p *DirPublisher) Publish(ctx context.Context, artifact media.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrPublish, err)
	}

	base := artifact.JobID + filepath.Ext(artifact.Path)
	if filepath.Ext(artifact.Path) == "" {
		base = artifact.JobID + ".bin"
	}
	dest := filepath.Join(p.dir, base)

	if err := os.Rename(artifact.Path, dest); err != nil {
		// Scratch and outbox may live on different filesystems; fall back
		// to a copy through a pending file.
		if err := copyAtomic(artifact.Path, dest); err != nil {
			return "", fmt.Errorf("%w: %v", media.ErrPublish, err)
		}
		_ = os.Remove(artifact.Path)
	}

	meta, err := json.Marshal(sidecar{
		JobID:       artifact.JobID,
		MediaType:   artifact.MediaType,
		Size:        artifact.Size,
		SHA256:      artifact.SHA256,
		Origin:      string(artifact.Origin),
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrPublish, err)
	}
	if err := renameio.WriteFile(dest+".json", meta, 0o644); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("%w: %v", media.ErrPublish, err)
	}

	logger := log.WithComponentFromContext(ctx, "publisher")
	logger.Info().
		Str("job_id", artifact.JobID).
		Str("path", dest).
		Int64("size", artifact.Size).
		Msg("artifact published")
	return dest, nil
}

// Path returns where the artifact for jobID with the given extension would
// be published.
func (p *DirPublisher) Path(jobID, ext string) string {
	return filepath.Join(p.dir, jobID+ext)
}

// SweepOlderThan removes published artifacts past the retention horizon.
// Sidecars go first so a consumer never sees metadata without media.
func (p *DirPublisher) SweepOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			continue // removed together with its media file
		}
		path := filepath.Join(p.dir, e.Name())
		_ = os.Remove(path + ".json")
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// copyAtomic copies src to dest via a pending file in dest's directory.
func copyAtomic(src, dest string) error {
	data, err := os.ReadFile(src) // #nosec G304 -- scratch path owned by the job
	if err != nil {
		return err
	}
	return renameio.WriteFile(dest, data, 0o644)
}
