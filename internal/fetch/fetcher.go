// SPDX-License-Identifier: MIT

// Package fetch streams resolved media candidates to scratch files under a
// strict byte budget.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/metrics"
)

// Fetcher downloads resolved candidates. A single Fetcher is safe for
// concurrent use; per-fetch state lives on the stack.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient substitutes the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent sent to media hosts.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// New builds a Fetcher. The default client has no overall timeout; fetch
// deadlines come from the caller's context.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		userAgent: "ingestd/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch tries each candidate in order and returns the first success. Network
// and HTTP-status failures fall through to the next candidate; budget
// violations and context expiry abort immediately since retrying cannot
// help. Partial files never survive a non-nil error.
func (f *Fetcher) Fetch(ctx context.Context, src media.ResolvedSource, byteBudget int64, dir string) (media.FetchedBlob, error) {
	logger := log.WithComponentFromContext(ctx, "fetcher")

	if len(src.Candidates) == 0 {
		return media.FetchedBlob{}, fmt.Errorf("%w: no candidates", media.ErrAllCandidatesFailed)
	}
	if src.SizeHint > 0 && src.SizeHint > byteBudget {
		return media.FetchedBlob{}, fmt.Errorf("%w: size hint %d exceeds budget %d", media.ErrTooLarge, src.SizeHint, byteBudget)
	}

	var lastErr error
	for i, candidate := range src.Candidates {
		blob, err := f.fetchOne(ctx, src.JobID, candidate, byteBudget, dir)
		if err == nil {
			metrics.RecordFetchBytes(blob.Size)
			return blob, nil
		}
		if errors.Is(err, media.ErrTooLarge) || errors.Is(err, media.ErrFetchTimeout) || ctx.Err() != nil {
			return media.FetchedBlob{}, err
		}
		logger.Warn().Err(err).Int("candidate", i).Msg("candidate fetch failed")
		lastErr = err
	}
	return media.FetchedBlob{}, fmt.Errorf("%w: %v", media.ErrAllCandidatesFailed, lastErr)
}

// fetchOne downloads a single URL into dir. The partial file is removed on
// every error path.
func (f *Fetcher) fetchOne(ctx context.Context, jobID, url string, byteBudget int64, dir string) (media.FetchedBlob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return media.FetchedBlob{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return media.FetchedBlob{}, f.mapNetErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return media.FetchedBlob{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > byteBudget {
		return media.FetchedBlob{}, fmt.Errorf("%w: content-length %d exceeds budget %d", media.ErrTooLarge, resp.ContentLength, byteBudget)
	}

	tmp, err := os.CreateTemp(dir, "fetch-*.part")
	if err != nil {
		return media.FetchedBlob{}, fmt.Errorf("create scratch file: %w", err)
	}
	// Removed on every path; the rename below claims the final name first.
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	// Read one byte past the budget so an exactly-at-budget body passes and
	// a single extra byte fails.
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(resp.Body, byteBudget+1))
	if err != nil {
		return media.FetchedBlob{}, f.mapNetErr(ctx, err)
	}
	if written > byteBudget {
		return media.FetchedBlob{}, fmt.Errorf("%w: body exceeds budget %d", media.ErrTooLarge, byteBudget)
	}
	if err := tmp.Sync(); err != nil {
		return media.FetchedBlob{}, err
	}
	if err := tmp.Close(); err != nil {
		return media.FetchedBlob{}, err
	}

	final := filepath.Join(dir, "source.bin")
	if err := os.Rename(tmp.Name(), final); err != nil {
		return media.FetchedBlob{}, err
	}

	return media.FetchedBlob{
		JobID:     jobID,
		Path:      final,
		Size:      written,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		SourceURL: url,
	}, nil
}

// mapNetErr folds context expiry into the fetch timeout sentinel.
func (f *Fetcher) mapNetErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", media.ErrFetchTimeout, err)
	}
	return err
}
