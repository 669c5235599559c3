// SPDX-License-Identifier: MIT

// Package pipeline coordinates the ingestion stages. The Coordinator owns
// the job state machine, deduplicates identical submissions, enforces the
// concurrency ceilings and is the single writer of the artifact cache.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/embedbot/ingest/internal/cache"
	"github.com/embedbot/ingest/internal/config"
	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/metrics"
	"github.com/embedbot/ingest/internal/netutil"
	"github.com/embedbot/ingest/internal/publish"
	"github.com/embedbot/ingest/internal/resolve"
	"github.com/embedbot/ingest/internal/scratch"
	"github.com/embedbot/ingest/internal/telemetry"
)

// State is a job's position in the pipeline.
type State string

const (
	StateSubmitted   State = "submitted"
	StateResolving   State = "resolving"
	StateFetching    State = "fetching"
	StateInspecting  State = "inspecting"
	StateTranscoding State = "transcoding"
	StatePublishing  State = "publishing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Resolver turns a URL into a fetch plan.
type Resolver interface {
	Resolve(ctx context.Context, jobID, url string) (media.ResolvedSource, error)
}

// Fetcher downloads a resolved source into a scratch directory.
type Fetcher interface {
	Fetch(ctx context.Context, src media.ResolvedSource, byteBudget int64, dir string) (media.FetchedBlob, error)
}

// Inspector extracts structural facts from a fetched blob.
type Inspector interface {
	Probe(ctx context.Context, blob media.FetchedBlob) (media.MediaProfile, error)
}

// Transcoder produces constraint-satisfying artifacts.
type Transcoder interface {
	Transcode(ctx context.Context, blob media.FetchedBlob, profile media.MediaProfile, spec media.TranscodeSpec, allowTruncation bool) (media.Artifact, error)
	Slideshow(ctx context.Context, jobID string, images []string, audioPath, out string, spec media.TranscodeSpec) (media.Artifact, error)
}

// Deps are the stage implementations the Coordinator drives.
type Deps struct {
	Resolver   Resolver
	Fetcher    Fetcher
	Inspector  Inspector
	Transcoder Transcoder
	Publisher  publish.Publisher
	Cache      cache.Cache
	Scratch    *scratch.Manager
}

// Coordinator runs jobs through the pipeline.
type Coordinator struct {
	cfg  config.Config
	deps Deps
	spec media.TranscodeSpec

	sf        singleflight.Group
	fetchSem  *semaphore.Weighted
	encodeSem *semaphore.Weighted

	mu     sync.Mutex
	states map[string]State
}

// New builds a Coordinator. cfg must have passed Validate.
func New(cfg config.Config, deps Deps) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		spec:      cfg.TargetSpec(),
		fetchSem:  semaphore.NewWeighted(cfg.FetchConcurrency),
		encodeSem: semaphore.NewWeighted(cfg.TranscodeConcurrency),
		states:    make(map[string]State),
	}
}

// result is the shared terminal outcome of one execution.
type result struct {
	artifact media.Artifact
	report   *media.FailureReport
}

// JobHandle is a submission's ticket to its terminal result.
type JobHandle struct {
	JobID string

	done chan struct{}
	res  result
}

// Await blocks until the job reaches a terminal state or ctx expires.
func (h *JobHandle) Await(ctx context.Context) (media.Artifact, *media.FailureReport) {
	select {
	case <-ctx.Done():
		return media.Artifact{}, &media.FailureReport{JobID: h.JobID, Stage: "await", Err: ctx.Err()}
	case <-h.done:
		return h.res.artifact, h.res.report
	}
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*media.Job)

// WithTruncation permits cutting the media at the duration cap instead of
// failing the job.
func WithTruncation() SubmitOption {
	return func(j *media.Job) { j.AllowTruncation = true }
}

// Submit enqueues a URL. Identical in-flight submissions (same normalized
// URL and constraint fingerprint) attach to the running execution and share
// its result. A zero deadline gets the configured default.
func (c *Coordinator) Submit(ctx context.Context, url string, reqCtx media.RequestContext, deadline time.Time, opts ...SubmitOption) *JobHandle {
	if deadline.IsZero() {
		deadline = time.Now().Add(c.cfg.JobDeadline)
	}
	job := media.Job{
		ID:          uuid.NewString(),
		URL:         url,
		Context:     reqCtx,
		SubmittedAt: time.Now(),
		Deadline:    deadline,
	}
	for _, opt := range opts {
		opt(&job)
	}

	handle := &JobHandle{JobID: job.ID, done: make(chan struct{})}
	key := c.jobKey(url, job.AllowTruncation)
	c.setState(job.ID, StateSubmitted)

	go func() {
		// singleflight reports shared == true for the executing caller as
		// well, so track execution ourselves.
		var executed bool
		v, _, _ := c.sf.Do(key, func() (interface{}, error) {
			executed = true
			return c.execute(job, key), nil
		})
		if !executed {
			metrics.RecordSingleflightShared()
			// Attached submissions never ran; mark them terminal too.
			res := v.(result)
			if res.report != nil {
				c.setState(job.ID, StateFailed)
			} else {
				c.setState(job.ID, StateCompleted)
			}
		}
		handle.res = v.(result)
		close(handle.done)
	}()
	return handle
}

// jobKey combines the normalized URL, the constraint fingerprint and the
// truncation permission. Constraint changes never serve artifacts built for
// the old limits, and a submission that permitted truncation never shares
// its possibly cut artifact with one that did not.
func (c *Coordinator) jobKey(url string, allowTruncation bool) string {
	key := netutil.NormalizeURL(url) + "|" + c.spec.Fingerprint()
	if allowTruncation {
		key += "|trunc"
	}
	return key
}

// execute runs one job end to end and returns its terminal result.
func (c *Coordinator) execute(job media.Job, key string) result {
	ctx := log.ContextWithJobID(context.Background(), job.ID)
	ctx = log.ContextWithSourceURL(ctx, job.URL)
	ctx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.job")
	defer span.End()

	logger := log.WithComponentFromContext(ctx, "coordinator")

	fail := func(stage media.Stage, err error) result {
		c.setState(job.ID, StateFailed)
		metrics.RecordJobResult("failed")
		report := &media.FailureReport{JobID: job.ID, Stage: stage, Err: err}
		logger.Warn().Err(err).Str("stage", string(stage)).Msg("job failed")
		return result{report: report}
	}

	// Cache lookup before anything runs. A hit whose backing file vanished
	// (retention sweep, manual cleanup) is treated as a miss.
	if entry, ok, err := c.deps.Cache.Get(ctx, key); err == nil && ok {
		if _, statErr := os.Stat(entry.Path); statErr == nil {
			metrics.RecordCacheLookup("hit")
			metrics.RecordJobResult("completed")
			c.setState(job.ID, StateCompleted)
			logger.Info().Str("path", entry.Path).Msg("served from artifact cache")
			return result{artifact: media.Artifact{
				JobID:     job.ID,
				Path:      entry.Path,
				Size:      entry.Size,
				MediaType: entry.MediaType,
				SHA256:    entry.SHA256,
				Origin:    media.Origin(entry.Origin),
			}}
		}
		metrics.RecordCacheLookup("stale")
		_ = c.deps.Cache.Delete(ctx, key)
	} else {
		metrics.RecordCacheLookup("miss")
	}

	guard, err := c.deps.Scratch.Dir(job.ID)
	if err != nil {
		return fail(media.StageResolve, err)
	}
	defer guard.Release()

	// Resolve.
	c.setState(job.ID, StateResolving)
	var src media.ResolvedSource
	if err := c.stage(ctx, media.StageResolve, func(ctx context.Context) error {
		var err error
		src, err = c.deps.Resolver.Resolve(ctx, job.ID, job.URL)
		return err
	}); err != nil {
		return fail(media.StageResolve, err)
	}

	var blob media.FetchedBlob
	var synthesized bool

	if src.Kind == media.PageEmbed && len(src.Images) > 0 {
		// Image posts: fetch every frame plus the optional audio track,
		// synthesize a slideshow, then continue down the normal path.
		b, err := c.synthesize(ctx, job, src, guard.Path())
		if err != nil {
			return fail(media.StageTranscode, err)
		}
		blob = b
		synthesized = true
	} else {
		c.setState(job.ID, StateFetching)
		if err := c.stage(ctx, media.StageFetch, func(ctx context.Context) error {
			if err := c.fetchSem.Acquire(ctx, 1); err != nil {
				return mapDeadline(ctx, err)
			}
			defer c.fetchSem.Release(1)
			// The fetch time budget starts after the ceiling admits the job.
			fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()
			var err error
			blob, err = c.deps.Fetcher.Fetch(fetchCtx, src, c.cfg.FetchByteBudget, guard.Path())
			return err
		}); err != nil {
			return fail(media.StageFetch, err)
		}
	}

	// Inspect.
	c.setState(job.ID, StateInspecting)
	var profile media.MediaProfile
	if err := c.stage(ctx, media.StageInspect, func(ctx context.Context) error {
		var err error
		profile, err = c.deps.Inspector.Probe(ctx, blob)
		return err
	}); err != nil {
		return fail(media.StageInspect, err)
	}

	// Transcode (or pass through).
	c.setState(job.ID, StateTranscoding)
	var artifact media.Artifact
	if err := c.stage(ctx, media.StageTranscode, func(ctx context.Context) error {
		if err := c.encodeSem.Acquire(ctx, 1); err != nil {
			return mapDeadline(ctx, err)
		}
		defer c.encodeSem.Release(1)
		var err error
		artifact, err = c.deps.Transcoder.Transcode(ctx, blob, profile, c.spec, job.AllowTruncation)
		return err
	}); err != nil {
		return fail(media.StageTranscode, err)
	}
	if synthesized {
		artifact.Origin = media.Synthesized
	}
	// Pass-through artifacts keep the bytes the host served, so the source
	// URL names the type more precisely than the target container does.
	if artifact.Origin == media.PassThrough && blob.SourceURL != "" {
		if mt := resolve.GuessMediaType(blob.SourceURL); mt != "application/octet-stream" {
			artifact.MediaType = mt
		}
	}

	// Publish; the publisher takes ownership of the file.
	c.setState(job.ID, StatePublishing)
	var published string
	if err := c.stage(ctx, media.StagePublish, func(ctx context.Context) error {
		pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishAckTimeout)
		defer cancel()
		var err error
		published, err = c.deps.Publisher.Publish(pubCtx, artifact)
		return err
	}); err != nil {
		return fail(media.StagePublish, err)
	}
	artifact.Path = published

	if err := c.deps.Cache.Set(ctx, key, cache.Entry{
		Path:      published,
		SHA256:    artifact.SHA256,
		Size:      artifact.Size,
		MediaType: artifact.MediaType,
		Origin:    string(artifact.Origin),
		StoredAt:  time.Now().UTC(),
	}, c.cfg.CacheRetention); err != nil {
		logger.Warn().Err(err).Msg("cache insert failed")
	}

	c.setState(job.ID, StateCompleted)
	metrics.RecordJobResult("completed")
	logger.Info().
		Str("origin", string(artifact.Origin)).
		Int64("size", artifact.Size).
		Dur("elapsed", time.Since(job.SubmittedAt)).
		Msg("job completed")
	return result{artifact: artifact}
}

// synthesize downloads the frames of an image post and builds a slideshow
// video in the job's scratch directory.
func (c *Coordinator) synthesize(ctx context.Context, job media.Job, src media.ResolvedSource, dir string) (media.FetchedBlob, error) {
	c.setState(job.ID, StateFetching)
	var imagePaths []string
	var audioPath string

	if err := c.stage(ctx, media.StageFetch, func(ctx context.Context) error {
		if err := c.fetchSem.Acquire(ctx, 1); err != nil {
			return mapDeadline(ctx, err)
		}
		defer c.fetchSem.Release(1)

		fetchTo := func(url, sub string) (string, error) {
			d := filepath.Join(dir, sub)
			if err := os.MkdirAll(d, 0o750); err != nil {
				return "", err
			}
			// Each frame gets its own fetch time budget.
			fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
			defer cancel()
			b, err := c.deps.Fetcher.Fetch(fetchCtx, media.ResolvedSource{
				JobID:      job.ID,
				Kind:       media.DirectFile,
				Candidates: []string{url},
			}, c.cfg.FetchByteBudget, d)
			if err != nil {
				return "", err
			}
			return b.Path, nil
		}

		for i, img := range src.Images {
			p, err := fetchTo(img, fmt.Sprintf("img-%03d", i))
			if err != nil {
				return err
			}
			imagePaths = append(imagePaths, p)
		}
		if src.AudioURL != "" {
			p, err := fetchTo(src.AudioURL, "audio")
			if err != nil {
				return err
			}
			audioPath = p
		}
		return nil
	}); err != nil {
		return media.FetchedBlob{}, err
	}

	c.setState(job.ID, StateTranscoding)
	out := filepath.Join(dir, "slideshow."+c.spec.Container)
	var synth media.Artifact
	if err := c.stage(ctx, media.StageTranscode, func(ctx context.Context) error {
		if err := c.encodeSem.Acquire(ctx, 1); err != nil {
			return mapDeadline(ctx, err)
		}
		defer c.encodeSem.Release(1)
		var err error
		synth, err = c.deps.Transcoder.Slideshow(ctx, job.ID, imagePaths, audioPath, out, c.spec)
		return err
	}); err != nil {
		return media.FetchedBlob{}, err
	}

	return media.FetchedBlob{
		JobID:  job.ID,
		Path:   synth.Path,
		Size:   synth.Size,
		SHA256: synth.SHA256,
	}, nil
}

// stage wraps one stage execution with tracing and metrics.
func (c *Coordinator) stage(ctx context.Context, name media.Stage, fn func(context.Context) error) error {
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "stage."+string(name))
	defer span.End()

	exit := metrics.StageStarted(string(name))
	defer exit()

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(string(name), time.Since(start), err)
	return err
}

// mapDeadline folds semaphore-acquire failures caused by the job deadline
// into context.DeadlineExceeded.
func mapDeadline(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Coordinator) setState(jobID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == StateCompleted || s == StateFailed {
		delete(c.states, jobID)
		return
	}
	c.states[jobID] = s
}

// ActiveJobs returns a snapshot of non-terminal jobs and their states.
func (c *Coordinator) ActiveJobs() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.states))
	for id, s := range c.states {
		out[id] = s
	}
	return out
}

// CacheStats exposes the artifact cache counters for the admin surface.
func (c *Coordinator) CacheStats() cache.Stats {
	return c.deps.Cache.Stats()
}
