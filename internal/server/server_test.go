// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedbot/ingest/internal/cache"
	"github.com/embedbot/ingest/internal/config"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/pipeline"
	"github.com/embedbot/ingest/internal/scratch"
)

type stubResolver struct{ err error }

func (s stubResolver) Resolve(_ context.Context, jobID, url string) (media.ResolvedSource, error) {
	if s.err != nil {
		return media.ResolvedSource{}, s.err
	}
	return media.ResolvedSource{JobID: jobID, Kind: media.DirectFile, Candidates: []string{url}}, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, src media.ResolvedSource, _ int64, dir string) (media.FetchedBlob, error) {
	path := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(path, []byte("bytes"), 0o600); err != nil {
		return media.FetchedBlob{}, err
	}
	return media.FetchedBlob{JobID: src.JobID, Path: path, Size: 5, SHA256: "beef"}, nil
}

type stubInspector struct{}

func (stubInspector) Probe(_ context.Context, _ media.FetchedBlob) (media.MediaProfile, error) {
	return media.MediaProfile{Container: "mov", VideoCodec: "h264", AudioCodec: "aac"}, nil
}

type stubTranscoder struct{}

func (stubTranscoder) Transcode(_ context.Context, blob media.FetchedBlob, _ media.MediaProfile, _ media.TranscodeSpec, _ bool) (media.Artifact, error) {
	return media.Artifact{JobID: blob.JobID, Path: blob.Path, Size: blob.Size, MediaType: "video/mp4", SHA256: blob.SHA256, Origin: media.PassThrough}, nil
}

func (stubTranscoder) Slideshow(_ context.Context, jobID string, _ []string, _, out string, _ media.TranscodeSpec) (media.Artifact, error) {
	return media.Artifact{JobID: jobID, Path: out, Origin: media.Synthesized}, nil
}

type stubPublisher struct{ dir string }

func (p stubPublisher) Publish(_ context.Context, artifact media.Artifact) (string, error) {
	dest := filepath.Join(p.dir, artifact.JobID+".mp4")
	return dest, os.Rename(artifact.Path, dest)
}

func testServer(t *testing.T, resolveErr error) *Server {
	t.Helper()

	cfg := config.FromEnv()
	cfg.ScratchDir = t.TempDir()
	cfg.OutboxDir = t.TempDir()

	mgr, err := scratch.NewManager(cfg.ScratchDir)
	require.NoError(t, err)

	store := cache.NewMemoryCache(0, nil)
	t.Cleanup(func() { _ = store.Close() })

	coor := pipeline.New(cfg, pipeline.Deps{
		Resolver:   stubResolver{err: resolveErr},
		Fetcher:    stubFetcher{},
		Inspector:  stubInspector{},
		Transcoder: stubTranscoder{},
		Publisher:  stubPublisher{dir: cfg.OutboxDir},
		Cache:      store,
		Scratch:    mgr,
	})
	return New(":0", coor)
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsExposition(t *testing.T) {
	srv := testServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStats(t *testing.T) {
	srv := testServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "active_jobs")
	assert.Contains(t, rec.Body.String(), "cache")
}

func TestSubmitSuccess(t *testing.T) {
	srv := testServer(t, nil)

	body := strings.NewReader(`{"url": "https://cdn.example.com/a.mp4", "channel_id": "c1", "message_id": "m1"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/submit", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"origin":"passthrough"`)
}

func TestSubmitFailureReportsStage(t *testing.T) {
	srv := testServer(t, media.ErrRejected)

	body := strings.NewReader(`{"url": "ftp://nope/a.mp4"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/submit", body))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"resolve"`)
}

func TestSubmitValidation(t *testing.T) {
	srv := testServer(t, nil)

	for _, body := range []string{"", "{}", "not json"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/submit", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestRateLimit(t *testing.T) {
	srv := testServer(t, nil)

	limited := false
	for i := 0; i < 40; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.9.8.7:1234"
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst past the limit must get 429")
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	srv := testServer(t, nil)
	srv.http.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
