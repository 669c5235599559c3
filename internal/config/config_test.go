// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := FromEnv()
	cfg.ScratchDir = "/tmp/scratch"
	cfg.OutboxDir = "/tmp/outbox"
	return cfg
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, int64(8<<20), cfg.MaxArtifactBytes)
	assert.Equal(t, []string{"h264"}, cfg.VideoCodecs)
	assert.Equal(t, []string{"aac"}, cfg.AudioCodecs)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_MAX_ARTIFACT_BYTES", "26214400")
	t.Setenv("INGEST_FETCH_TIMEOUT", "45s")
	t.Setenv("INGEST_VIDEO_CODECS", "h264, hevc")
	t.Setenv("INGEST_TRACING_ENABLED", "true")

	cfg := FromEnv()
	assert.Equal(t, int64(26214400), cfg.MaxArtifactBytes)
	assert.Equal(t, 45*time.Second, cfg.FetchTimeout)
	assert.Equal(t, []string{"h264", "hevc"}, cfg.VideoCodecs)
	assert.True(t, cfg.TracingEnabled)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("INGEST_FETCH_BYTE_BUDGET", "lots")
	t.Setenv("INGEST_PROBE_TIMEOUT", "soon")

	cfg := FromEnv()
	assert.Equal(t, int64(512<<20), cfg.FetchByteBudget)
	assert.Equal(t, 15*time.Second, cfg.ProbeTimeout)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty scratch", func(c *Config) { c.ScratchDir = "" }},
		{"empty outbox", func(c *Config) { c.OutboxDir = "" }},
		{"zero byte budget", func(c *Config) { c.FetchByteBudget = 0 }},
		{"zero artifact cap", func(c *Config) { c.MaxArtifactBytes = 0 }},
		{"zero fetch concurrency", func(c *Config) { c.FetchConcurrency = 0 }},
		{"zero transcode concurrency", func(c *Config) { c.TranscodeConcurrency = 0 }},
		{"zero timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"no codecs", func(c *Config) { c.VideoCodecs = nil }},
		{"bad backend", func(c *Config) { c.CacheBackend = "etcd" }},
		{"bad sample rate", func(c *Config) { c.TracingSampleRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTargetSpecFingerprintTracksConstraints(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.MaxArtifactBytes = 25 << 20

	require.NotEqual(t, a.TargetSpec().Fingerprint(), b.TargetSpec().Fingerprint())
	assert.Equal(t, a.TargetSpec().Fingerprint(), validConfig().TargetSpec().Fingerprint())
}
