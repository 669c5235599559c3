// SPDX-License-Identifier: MIT

package publish

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedbot/ingest/internal/media"
)

func testArtifact(t *testing.T, dir string) media.Artifact {
	t.Helper()
	path := filepath.Join(dir, "output.mp4")
	require.NoError(t, os.WriteFile(path, []byte("encoded media"), 0o600))
	return media.Artifact{
		JobID:     "job-1",
		Path:      path,
		Size:      13,
		MediaType: "video/mp4",
		SHA256:    "cafe",
		Origin:    media.Transcoded,
	}
}

func TestPublishMovesArtifact(t *testing.T) {
	outbox := t.TempDir()
	p, err := NewDirPublisher(outbox)
	require.NoError(t, err)

	art := testArtifact(t, t.TempDir())
	published, err := p.Publish(context.Background(), art)
	require.NoError(t, err)

	// Ownership transferred: the scratch file is gone.
	assert.NoFileExists(t, art.Path)

	assert.Equal(t, filepath.Join(outbox, "job-1.mp4"), published)
	got, err := os.ReadFile(published)
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded media"), got)

	meta, err := os.ReadFile(published + ".json")
	require.NoError(t, err)
	var sc sidecar
	require.NoError(t, json.Unmarshal(meta, &sc))
	assert.Equal(t, "job-1", sc.JobID)
	assert.Equal(t, "video/mp4", sc.MediaType)
	assert.Equal(t, string(media.Transcoded), sc.Origin)
}

func TestPublishCancelledContext(t *testing.T) {
	p, err := NewDirPublisher(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	art := testArtifact(t, t.TempDir())
	_, err = p.Publish(ctx, art)
	assert.ErrorIs(t, err, media.ErrPublish)
	// The artifact stays with the job when publish never ran.
	assert.FileExists(t, art.Path)
}

func TestSweepOlderThan(t *testing.T) {
	outbox := t.TempDir()
	p, err := NewDirPublisher(outbox)
	require.NoError(t, err)

	old := filepath.Join(outbox, "old.mp4")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(old+".json", []byte("{}"), 0o644))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	fresh := filepath.Join(outbox, "fresh.mp4")
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0o644))

	removed, err := p.SweepOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.NoFileExists(t, old+".json")
	assert.FileExists(t, fresh)
}
