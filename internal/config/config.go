// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from the
// environment, plus a hot-reloadable link-rule file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/embedbot/ingest/internal/media"
)

// Config is the full daemon configuration. Values are environment-driven;
// the loading mechanism is deliberately dumb so deployments stay scriptable.
type Config struct {
	// Directories
	ScratchDir string // in-progress media, namespaced per job
	OutboxDir  string // published artifacts, consumed by the gateway
	CacheDir   string // badger store (backend "badger" only)

	// Fetch stage
	FetchByteBudget  int64
	FetchTimeout     time.Duration
	FetchConcurrency int64

	// Inspect stage
	ProbeTimeout time.Duration
	FFprobeBin   string

	// Transcode stage
	TranscodeTimeout     time.Duration
	TranscodeConcurrency int64
	FFmpegBin            string

	// Platform constraints the artifact must satisfy
	MaxArtifactBytes int64
	VideoCodecs      []string
	AudioCodecs      []string
	MaxHeight        int
	MaxDuration      time.Duration

	// Resolver helper subprocess
	HelperBin            string
	HelperTimeout        time.Duration
	HelperSpawnRate      float64 // spawns per second
	HelperUpdateRepo     string  // "owner/repo" on GitHub, empty disables updates
	HelperUpdateInterval time.Duration

	// Link rules file (optional, hot-reloaded)
	RulesFile string

	// Cache
	CacheBackend   string // "memory", "badger" or "redis"
	CacheRetention time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Coordinator
	JobDeadline       time.Duration // default per-job deadline
	PublishAckTimeout time.Duration

	// Admin HTTP surface
	ListenAddr string

	// Telemetry
	LogLevel          string
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// FromEnv builds a Config from INGEST_* environment variables with
// defaults sized for a single-host deployment.
func FromEnv() Config {
	return Config{
		ScratchDir: ParseString("INGEST_SCRATCH_DIR", "/var/lib/ingestd/scratch"),
		OutboxDir:  ParseString("INGEST_OUTBOX_DIR", "/var/lib/ingestd/outbox"),
		CacheDir:   ParseString("INGEST_CACHE_DIR", "/var/lib/ingestd/cache"),

		FetchByteBudget:  ParseInt64("INGEST_FETCH_BYTE_BUDGET", 512<<20),
		FetchTimeout:     ParseDuration("INGEST_FETCH_TIMEOUT", 2*time.Minute),
		FetchConcurrency: ParseInt64("INGEST_FETCH_CONCURRENCY", 4),

		ProbeTimeout: ParseDuration("INGEST_PROBE_TIMEOUT", 15*time.Second),
		FFprobeBin:   ParseString("INGEST_FFPROBE_BIN", "ffprobe"),

		TranscodeTimeout:     ParseDuration("INGEST_TRANSCODE_TIMEOUT", 5*time.Minute),
		TranscodeConcurrency: ParseInt64("INGEST_TRANSCODE_CONCURRENCY", 2),
		FFmpegBin:            ParseString("INGEST_FFMPEG_BIN", "ffmpeg"),

		MaxArtifactBytes: ParseInt64("INGEST_MAX_ARTIFACT_BYTES", 8<<20),
		VideoCodecs:      splitList(ParseString("INGEST_VIDEO_CODECS", "h264")),
		AudioCodecs:      splitList(ParseString("INGEST_AUDIO_CODECS", "aac")),
		MaxHeight:        ParseInt("INGEST_MAX_HEIGHT", 720),
		MaxDuration:      ParseDuration("INGEST_MAX_DURATION", 15*time.Minute),

		HelperBin:            ParseString("INGEST_HELPER_BIN", "yt-dlp"),
		HelperTimeout:        ParseDuration("INGEST_HELPER_TIMEOUT", 30*time.Second),
		HelperSpawnRate:      float64(ParseInt("INGEST_HELPER_SPAWN_RATE", 2)),
		HelperUpdateRepo:     ParseString("INGEST_HELPER_UPDATE_REPO", ""),
		HelperUpdateInterval: ParseDuration("INGEST_HELPER_UPDATE_INTERVAL", time.Hour),

		RulesFile: ParseString("INGEST_RULES_FILE", ""),

		CacheBackend:   ParseString("INGEST_CACHE_BACKEND", "memory"),
		CacheRetention: ParseDuration("INGEST_CACHE_RETENTION", 6*time.Hour),
		RedisAddr:      ParseString("INGEST_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  ParseString("INGEST_REDIS_PASSWORD", ""),
		RedisDB:        ParseInt("INGEST_REDIS_DB", 0),

		JobDeadline:       ParseDuration("INGEST_JOB_DEADLINE", 10*time.Minute),
		PublishAckTimeout: ParseDuration("INGEST_PUBLISH_ACK_TIMEOUT", 30*time.Second),

		ListenAddr: ParseString("INGEST_LISTEN_ADDR", ":8642"),

		LogLevel:          ParseString("INGEST_LOG_LEVEL", "info"),
		TracingEnabled:    ParseBool("INGEST_TRACING_ENABLED", false),
		TracingEndpoint:   ParseString("INGEST_TRACING_ENDPOINT", "localhost:4318"),
		TracingSampleRate: float64(ParseInt("INGEST_TRACING_SAMPLE_PERCENT", 100)) / 100,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []string

	if c.ScratchDir == "" {
		problems = append(problems, "scratch dir must be set")
	}
	if c.OutboxDir == "" {
		problems = append(problems, "outbox dir must be set")
	}
	if c.FetchByteBudget <= 0 {
		problems = append(problems, "fetch byte budget must be positive")
	}
	if c.MaxArtifactBytes <= 0 {
		problems = append(problems, "max artifact bytes must be positive")
	}
	if c.FetchConcurrency < 1 {
		problems = append(problems, "fetch concurrency must be at least 1")
	}
	if c.TranscodeConcurrency < 1 {
		problems = append(problems, "transcode concurrency must be at least 1")
	}
	if c.FetchTimeout <= 0 || c.ProbeTimeout <= 0 || c.TranscodeTimeout <= 0 {
		problems = append(problems, "stage timeouts must be positive")
	}
	if c.CacheRetention <= 0 {
		problems = append(problems, "cache retention must be positive")
	}
	if len(c.VideoCodecs) == 0 {
		problems = append(problems, "at least one allowed video codec is required")
	}
	switch c.CacheBackend {
	case "memory", "badger", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown cache backend %q (supported: memory, badger, redis)", c.CacheBackend))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		problems = append(problems, "tracing sample rate must be within [0,1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TargetSpec derives the platform constraint spec all artifacts must meet.
func (c Config) TargetSpec() media.TranscodeSpec {
	return media.TranscodeSpec{
		Container:   "mp4",
		VideoCodecs: c.VideoCodecs,
		AudioCodecs: c.AudioCodecs,
		MaxBytes:    c.MaxArtifactBytes,
		MaxHeight:   c.MaxHeight,
		MaxDuration: c.MaxDuration,
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
