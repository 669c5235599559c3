// SPDX-License-Identifier: MIT

// Package media defines the data model shared by the ingestion pipeline
// stages: jobs, resolved sources, fetched blobs, probe results, transcode
// targets and final artifacts.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind classifies what a resolved URL points at.
type Kind string

const (
	// DirectFile is a URL serving the media bytes directly.
	DirectFile Kind = "direct"
	// StreamManifest is an HLS/DASH manifest that a downloader must expand.
	StreamManifest Kind = "manifest"
	// PageEmbed is a webpage hosting an embedded player or image post.
	PageEmbed Kind = "page"
)

// RequestContext carries opaque chat-platform identifiers through the
// pipeline. The core never interprets them.
type RequestContext struct {
	ChannelID string
	MessageID string
}

// Job is one end-to-end request to turn a URL into a publishable artifact.
type Job struct {
	ID          string
	URL         string
	Context     RequestContext
	SubmittedAt time.Time
	Deadline    time.Time

	// AllowTruncation permits the transcoder to cut the media at the
	// duration cap. Off by default: truncation is never silent.
	AllowTruncation bool
}

// ResolvedSource is the resolver's fetch plan for a job.
type ResolvedSource struct {
	JobID      string
	Kind       Kind
	Candidates []string // fetch URLs ordered by preference
	SizeHint   int64    // expected byte size, 0 if unknown

	// Image-post sources resolve to a set of frame URLs plus an optional
	// audio track instead of fetchable video candidates.
	Images   []string
	AudioURL string
}

// FetchedBlob is a verified scratch file owned by its job.
type FetchedBlob struct {
	JobID  string
	Path   string
	Size   int64
	SHA256 string

	// SourceURL is the candidate the bytes actually came from. Empty for
	// synthesized blobs.
	SourceURL string
}

// MediaProfile holds read-only structural facts about a fetched blob.
type MediaProfile struct {
	Container  string
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
	Duration   time.Duration
	BitRate    int64 // bits per second, 0 if unknown
}

// TranscodeSpec is the target the artifact must satisfy. It is a pure
// function of platform constraints, recomputed per job and never persisted.
type TranscodeSpec struct {
	Container   string
	VideoCodecs []string // allowed codecs, first entry is the encode target
	AudioCodecs []string
	MaxBytes    int64
	MaxBitRate  int64 // bits per second, 0 = derive from MaxBytes
	MaxHeight   int
	MaxDuration time.Duration
}

// Fingerprint derives a stable key fragment from the platform constraints,
// used alongside the normalized URL for cache and single-flight keying.
func (s TranscodeSpec) Fingerprint() string {
	canonical := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%d",
		s.Container,
		strings.Join(s.VideoCodecs, ","),
		strings.Join(s.AudioCodecs, ","),
		s.MaxBytes,
		s.MaxBitRate,
		s.MaxHeight,
		int64(s.MaxDuration/time.Second),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Origin tags how an artifact was produced.
type Origin string

const (
	// PassThrough means the fetched bytes already met the constraints.
	PassThrough Origin = "passthrough"
	// Transcoded means the media engine re-encoded the blob.
	Transcoded Origin = "transcoded"
	// Synthesized means the artifact was generated (e.g. image slideshow).
	Synthesized Origin = "synthesized"
)

// Artifact is the terminal output of a completed job. Ownership transfers
// to the publisher on success.
type Artifact struct {
	JobID     string
	Path      string
	Size      int64
	MediaType string
	SHA256    string
	Origin    Origin
}
