// SPDX-License-Identifier: MIT

// ingestd turns posted media URLs into platform-compliant artifacts in the
// outbox directory. It is the long-running half of the embed bot; the chat
// gateway consumes what lands here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embedbot/ingest/internal/cache"
	"github.com/embedbot/ingest/internal/config"
	"github.com/embedbot/ingest/internal/fetch"
	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/pipeline"
	"github.com/embedbot/ingest/internal/probe"
	"github.com/embedbot/ingest/internal/publish"
	"github.com/embedbot/ingest/internal/resolve"
	"github.com/embedbot/ingest/internal/scratch"
	"github.com/embedbot/ingest/internal/server"
	"github.com/embedbot/ingest/internal/telemetry"
	"github.com/embedbot/ingest/internal/transcode"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ingestd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "ingestd",
	})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("daemon")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "ingestd",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	store, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("cache close")
		}
	}()

	scratchMgr, err := scratch.NewManager(cfg.ScratchDir)
	if err != nil {
		return err
	}

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("load link rules: %w", err)
	}
	watchStop := make(chan struct{})
	defer close(watchStop)
	if cfg.RulesFile != "" {
		if err := rules.Watch(watchStop); err != nil {
			logger.Warn().Err(err).Str("path", cfg.RulesFile).Msg("link rule watch unavailable, edits need a restart")
		}
	}

	helper := resolve.NewHelper(cfg.HelperBin, cfg.HelperTimeout)
	resolver := resolve.New(rules, helper, cfg.HelperSpawnRate,
		resolve.WithDNSResolver(net.DefaultResolver))

	publisher, err := publish.NewDirPublisher(cfg.OutboxDir)
	if err != nil {
		return err
	}

	coordinator := pipeline.New(cfg, pipeline.Deps{
		Resolver:   resolver,
		Fetcher:    fetch.New(),
		Inspector:  probe.New(cfg.FFprobeBin, cfg.ProbeTimeout),
		Transcoder: transcode.New(cfg.FFmpegBin, cfg.TranscodeTimeout),
		Publisher:  publisher,
		Cache:      store,
		Scratch:    scratchMgr,
	})

	admin := server.New(cfg.ListenAddr, coordinator)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return admin.Run(ctx)
	})
	if cfg.HelperUpdateRepo != "" {
		updater := resolve.NewUpdater(helper, cfg.HelperUpdateRepo, cfg.CacheDir, cfg.HelperUpdateInterval)
		g.Go(func() error {
			updater.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return sweepLoop(ctx, publisher, cfg.CacheRetention)
	})

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("cache_backend", cfg.CacheBackend).
		Str("outbox", cfg.OutboxDir).
		Msg("ingestd started")

	return g.Wait()
}

// buildCache wires the configured cache backend. The memory backend evicts
// backing files together with their entries; the persistent backends leave
// that to the outbox sweep.
func buildCache(cfg config.Config) (cache.Cache, error) {
	logger := log.WithComponent("cache")
	switch cfg.CacheBackend {
	case "badger":
		return cache.NewBadgerCache(cfg.CacheDir, logger)
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	default:
		return cache.NewMemoryCache(time.Minute, func(e cache.Entry) {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", e.Path).Msg("evicted artifact removal failed")
			}
			_ = os.Remove(e.Path + ".json")
		}), nil
	}
}

// sweepLoop prunes published artifacts past the retention horizon so the
// outbox tracks the cache instead of growing forever.
func sweepLoop(ctx context.Context, p *publish.DirPublisher, retention time.Duration) error {
	logger := log.WithComponent("sweep")
	ticker := time.NewTicker(retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := p.SweepOlderThan(retention)
			if err != nil {
				logger.Warn().Err(err).Msg("outbox sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("outbox sweep")
			}
		}
	}
}
