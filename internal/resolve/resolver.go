// SPDX-License-Identifier: MIT

// Package resolve turns a posted URL into a fetch plan. Direct media links
// are classified locally; everything else goes through the external helper
// subprocess behind a narrow line-oriented contract.
package resolve

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/embedbot/ingest/internal/config"
	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/metrics"
	"github.com/embedbot/ingest/internal/netutil"
)

// directExtensions are file suffixes served as-is by media hosts; they skip
// the helper entirely.
var directExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
	".gif":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".wav":  true,
	".flac": true,
}

// manifestExtensions identify streaming manifests that a downloader must
// expand before any bytes exist.
var manifestExtensions = map[string]bool{
	".m3u8": true,
	".mpd":  true,
}

// Resolver classifies URLs and produces ResolvedSources.
type Resolver struct {
	rules    *config.Rules
	helper   *Helper
	limiter  *rate.Limiter
	resolver netutil.Resolver
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDNSResolver enables resolve-time DNS checks against private ranges.
func WithDNSResolver(r netutil.Resolver) Option {
	return func(res *Resolver) { res.resolver = r }
}

// New builds a Resolver. rules may be an empty set; helper may be nil when
// only direct links should be accepted. spawnRate throttles helper spawns.
func New(rules *config.Rules, helper *Helper, spawnRate float64, opts ...Option) *Resolver {
	if spawnRate <= 0 {
		spawnRate = 1
	}
	r := &Resolver{
		rules:   rules,
		helper:  helper,
		limiter: rate.NewLimiter(rate.Limit(spawnRate), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the fetch plan for rawURL. It never transfers media
// bytes itself.
func (r *Resolver) Resolve(ctx context.Context, jobID, rawURL string) (media.ResolvedSource, error) {
	logger := log.WithComponentFromContext(ctx, "resolver")

	fixed := rawURL
	if r.rules != nil {
		fixed = r.rules.Apply(rawURL)
		if fixed != rawURL {
			logger.Debug().Str("from", rawURL).Str("to", fixed).Msg("link rule applied")
		}
	}

	u, err := netutil.ValidateURL(ctx, fixed, r.resolver)
	if err != nil {
		return media.ResolvedSource{}, fmt.Errorf("%w: %v", media.ErrRejected, err)
	}

	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case directExtensions[ext]:
		return media.ResolvedSource{
			JobID:      jobID,
			Kind:       media.DirectFile,
			Candidates: []string{u.String()},
		}, nil
	case manifestExtensions[ext]:
		return media.ResolvedSource{
			JobID:      jobID,
			Kind:       media.StreamManifest,
			Candidates: []string{u.String()},
		}, nil
	}

	if r.helper == nil {
		return media.ResolvedSource{}, fmt.Errorf("%w: no helper configured for page urls", media.ErrRejected)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return media.ResolvedSource{}, fmt.Errorf("%w: %v", media.ErrHelperFailed, err)
	}

	start := time.Now()
	src, err := r.helper.Resolve(ctx, jobID, u.String())
	metrics.ObserveStage("helper", time.Since(start), err)
	if err != nil {
		return media.ResolvedSource{}, err
	}

	if err := r.validateCandidates(ctx, &src); err != nil {
		return media.ResolvedSource{}, err
	}
	return src, nil
}

// validateCandidates re-checks every URL the helper produced; the helper
// runs remote site scripts and its output is not trusted.
func (r *Resolver) validateCandidates(ctx context.Context, src *media.ResolvedSource) error {
	check := func(raw string) error {
		if _, err := netutil.ValidateURL(ctx, raw, r.resolver); err != nil {
			return fmt.Errorf("%w: candidate %q: %v", media.ErrHelperProtocol, raw, err)
		}
		return nil
	}
	for _, c := range src.Candidates {
		if err := check(c); err != nil {
			return err
		}
	}
	for _, img := range src.Images {
		if err := check(img); err != nil {
			return err
		}
	}
	if src.AudioURL != "" {
		if err := check(src.AudioURL); err != nil {
			return err
		}
	}
	return nil
}

// GuessMediaType maps a fetch URL onto a MIME-like type for the artifact.
// Unknown extensions fall back to application/octet-stream.
func GuessMediaType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "application/octet-stream"
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".gif":
		return "image/gif"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
