// SPDX-License-Identifier: MIT

// Package transcode decides whether a fetched blob already satisfies the
// platform constraints and re-encodes it when it does not.
package transcode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/metrics"
	"github.com/embedbot/ingest/internal/procgroup"
)

// bitrateSafety discounts the derived video bitrate so container overhead
// does not push the output past MaxBytes.
const bitrateSafety = 0.85

// audioBitRate is the fixed AAC encode rate in bits per second.
const audioBitRate = 128_000

// minVideoBitRate is the floor below which an encode cannot produce
// watchable output; constraints demanding less are unsatisfiable.
const minVideoBitRate = 64_000

// containerAliases maps probe container names onto the canonical target.
// ffprobe reports the whole mov family as "mov".
var containerAliases = map[string]string{
	"mov": "mp4",
	"m4v": "mp4",
	"mp4": "mp4",
}

// Transcoder runs the media engine.
type Transcoder struct {
	bin     string
	timeout time.Duration
}

// New builds a Transcoder around the given ffmpeg binary.
func New(bin string, timeout time.Duration) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{bin: bin, timeout: timeout}
}

// Satisfies reports whether the probed blob can ship as-is.
func Satisfies(profile media.MediaProfile, size int64, spec media.TranscodeSpec) bool {
	if size > spec.MaxBytes {
		return false
	}
	if containerAliases[profile.Container] != spec.Container {
		return false
	}
	if !contains(spec.VideoCodecs, profile.VideoCodec) {
		return false
	}
	if profile.AudioCodec != "" && !contains(spec.AudioCodecs, profile.AudioCodec) {
		return false
	}
	if spec.MaxHeight > 0 && profile.Height > spec.MaxHeight {
		return false
	}
	if spec.MaxDuration > 0 && profile.Duration > spec.MaxDuration {
		return false
	}
	return true
}

// Transcode produces an artifact satisfying spec. Compliant blobs pass
// through untouched; everything else goes through a constrained encode with
// one bitrate-tightening retry.
func (t *Transcoder) Transcode(ctx context.Context, blob media.FetchedBlob, profile media.MediaProfile, spec media.TranscodeSpec, allowTruncation bool) (media.Artifact, error) {
	logger := log.WithComponentFromContext(ctx, "transcoder")

	if Satisfies(profile, blob.Size, spec) {
		logger.Debug().Str("path", blob.Path).Msg("blob satisfies constraints, passing through")
		return media.Artifact{
			JobID:     blob.JobID,
			Path:      blob.Path,
			Size:      blob.Size,
			MediaType: "video/" + spec.Container,
			SHA256:    blob.SHA256,
			Origin:    media.PassThrough,
		}, nil
	}

	if profile.Duration > spec.MaxDuration && spec.MaxDuration > 0 && !allowTruncation {
		return media.Artifact{}, fmt.Errorf("%w: duration %s exceeds cap %s and truncation is not allowed",
			media.ErrConstraintUnsatisfiable, profile.Duration, spec.MaxDuration)
	}

	duration := targetDuration(profile, spec, allowTruncation)
	bitrate := deriveBitRate(spec, duration)

	out := filepath.Join(filepath.Dir(blob.Path), "output."+spec.Container)
	for attempt := 0; attempt < 2; attempt++ {
		if bitrate < minVideoBitRate {
			return media.Artifact{}, fmt.Errorf("%w: derived bitrate %d below floor", media.ErrConstraintUnsatisfiable, bitrate)
		}
		// Stale output from the prior attempt must not survive.
		_ = os.Remove(out)

		args := buildArgs(blob.Path, out, profile, spec, bitrate, duration, allowTruncation)
		if err := t.run(ctx, args, nil); err != nil {
			return media.Artifact{}, err
		}

		info, err := os.Stat(out)
		if err != nil {
			return media.Artifact{}, fmt.Errorf("%w: engine produced no output: %v", media.ErrEngineFailure, err)
		}
		if info.Size() <= spec.MaxBytes {
			sum, err := fileSHA256(out)
			if err != nil {
				return media.Artifact{}, err
			}
			return media.Artifact{
				JobID:     blob.JobID,
				Path:      out,
				Size:      info.Size(),
				MediaType: "video/" + spec.Container,
				SHA256:    sum,
				Origin:    media.Transcoded,
			}, nil
		}

		logger.Warn().Int64("size", info.Size()).Int64("max", spec.MaxBytes).Int64("bitrate", bitrate).
			Msg("encode exceeded byte cap, retrying at tightened bitrate")
		metrics.RecordTranscodeRetry()
		bitrate = int64(float64(bitrate) * bitrateSafety)
	}

	_ = os.Remove(out)
	return media.Artifact{}, fmt.Errorf("%w: output exceeds %d bytes after retry", media.ErrConstraintUnsatisfiable, spec.MaxBytes)
}

// run executes one engine invocation under the wall-clock ceiling.
func (t *Transcoder) run(ctx context.Context, args []string, stdin io.Reader) error {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.bin, args...) // #nosec G204 -- operator-configured binary
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 5*time.Second)
	}
	cmd.WaitDelay = 10 * time.Second
	cmd.Stdin = stdin

	ring := newLineRing(128)
	cmd.Stderr = ring

	logger := log.WithComponentFromContext(ctx, "transcoder")
	logger.Debug().Strs("args", args).Msg("starting media engine")

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: engine exceeded %s", media.ErrTranscodeTimeout, t.timeout)
		}
		if ring.Contains("Packet corrupt") {
			return fmt.Errorf("%w: decoder reported packet corruption", media.ErrCorrupt)
		}
		logger.Warn().Err(err).Strs("stderr", ring.Tail(10)).Msg("media engine failed")
		return fmt.Errorf("%w: %v", media.ErrEngineFailure, err)
	}
	return nil
}

// buildArgs assembles a deterministic engine command line. Identical inputs
// always produce identical args, keeping retries and tests reproducible.
func buildArgs(in, out string, profile media.MediaProfile, spec media.TranscodeSpec, bitrate int64, duration time.Duration, truncate bool) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
	}
	if truncate && spec.MaxDuration > 0 && profile.Duration > spec.MaxDuration {
		args = append(args, "-t", formatSeconds(spec.MaxDuration))
	}
	args = append(args,
		"-c:v", encoderFor(spec.VideoCodecs),
		"-b:v", strconv.FormatInt(bitrate, 10),
		"-maxrate", strconv.FormatInt(bitrate, 10),
		"-bufsize", strconv.FormatInt(2*bitrate, 10),
	)
	if spec.MaxHeight > 0 && profile.Height > spec.MaxHeight {
		// Even dimensions are a codec requirement; -2 preserves aspect.
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", spec.MaxHeight))
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", strconv.FormatInt(audioBitRate, 10),
		"-movflags", "+faststart",
		"-f", spec.Container,
		out,
	)
	return args
}

// deriveBitRate spreads the byte cap over the target duration, reserving
// the audio track's share.
func deriveBitRate(spec media.TranscodeSpec, duration time.Duration) int64 {
	if duration <= 0 {
		duration = time.Second
	}
	secs := duration.Seconds()
	totalBits := float64(spec.MaxBytes) * 8 * bitrateSafety
	video := int64(totalBits/secs) - audioBitRate
	if spec.MaxBitRate > 0 && video > spec.MaxBitRate {
		video = spec.MaxBitRate
	}
	return video
}

func targetDuration(profile media.MediaProfile, spec media.TranscodeSpec, truncate bool) time.Duration {
	d := profile.Duration
	if truncate && spec.MaxDuration > 0 && d > spec.MaxDuration {
		d = spec.MaxDuration
	}
	return d
}

// encoderFor maps the allowed-codec list onto the engine's encoder name.
func encoderFor(codecs []string) string {
	if len(codecs) > 0 && codecs[0] == "hevc" {
		return "libx265"
	}
	return "libx264"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path produced by this package
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
