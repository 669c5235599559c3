// SPDX-License-Identifier: MIT

// Package probe inspects fetched media with ffprobe. It reads, never
// writes: the blob on disk is left exactly as the fetcher produced it.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/procgroup"
)

// Inspector runs ffprobe against blobs.
type Inspector struct {
	bin     string
	timeout time.Duration
}

// New builds an Inspector around the given ffprobe binary.
func New(bin string, timeout time.Duration) *Inspector {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Inspector{bin: bin, timeout: timeout}
}

// ffprobe's -of json shape, reduced to the fields the pipeline reads.
type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// Probe extracts a MediaProfile from the blob.
func (i *Inspector) Probe(ctx context.Context, blob media.FetchedBlob) (media.MediaProfile, error) {
	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, i.bin, // #nosec G204 -- operator-configured binary
		"-v", "error",
		"-of", "json",
		"-show_entries", "format=format_name,duration,bit_rate:stream=codec_type,codec_name,width,height",
		blob.Path,
	)
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 5*time.Second)
	}
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := log.WithComponentFromContext(ctx, "inspector")

	err := cmd.Run()
	if corruptOutput(stderr.String()) {
		return media.MediaProfile{}, fmt.Errorf("%w: decoder reported packet corruption", media.ErrCorrupt)
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return media.MediaProfile{}, fmt.Errorf("%w after %s", media.ErrProbeTimeout, i.timeout)
		}
		logger.Warn().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).Msg("ffprobe failed")
		return media.MediaProfile{}, fmt.Errorf("%w: %v", media.ErrCorrupt, err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return media.MediaProfile{}, fmt.Errorf("%w: undecodable probe output: %v", media.ErrCorrupt, err)
	}
	if out.Format.FormatName == "" {
		return media.MediaProfile{}, fmt.Errorf("%w: no container format detected", media.ErrUnsupportedContainer)
	}

	profile := media.MediaProfile{
		// ffprobe reports compound names like "mov,mp4,m4a,3gp,3g2,mj2";
		// the first entry is the canonical one.
		Container: strings.Split(out.Format.FormatName, ",")[0],
		Duration:  parseSeconds(out.Format.Duration),
		BitRate:   parseInt64(out.Format.BitRate),
	}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if profile.VideoCodec == "" {
				profile.VideoCodec = s.CodecName
				profile.Width = s.Width
				profile.Height = s.Height
			}
		case "audio":
			if profile.AudioCodec == "" {
				profile.AudioCodec = s.CodecName
			}
		}
	}
	return profile, nil
}

// corruptOutput mirrors the decoder's "Packet corrupt" diagnostic, the one
// reliable signal for truncated or damaged downloads.
func corruptOutput(stderr string) bool {
	return strings.Contains(stderr, "Packet corrupt")
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
