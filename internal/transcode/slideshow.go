// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/embedbot/ingest/internal/media"
)

// slideSeconds is how long each image of a synthesized slideshow is shown.
const slideSeconds = 2

// Slideshow synthesizes a video from an image post: every image held for a
// fixed interval, optional audio track padded or cut to fit. The result
// still goes through the normal probe and constraint path afterwards.
func (t *Transcoder) Slideshow(ctx context.Context, jobID string, images []string, audioPath, out string, spec media.TranscodeSpec) (media.Artifact, error) {
	if len(images) == 0 {
		return media.Artifact{}, fmt.Errorf("%w: image post with no images", media.ErrEngineFailure)
	}

	args := []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-protocol_whitelist", "pipe,file",
		"-i", "pipe:0",
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-c:v", encoderFor(spec.VideoCodecs),
		"-pix_fmt", "yuv420p",
		// Image posts come in arbitrary dimensions; force even ones.
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
	)
	if audioPath != "" {
		// apad keeps short tracks playing to the final frame; -shortest
		// cuts long tracks at the last slide.
		args = append(args,
			"-c:a", "aac",
			"-af", "apad",
			"-shortest",
		)
	}
	args = append(args, "-f", spec.Container, out)

	if err := t.run(ctx, args, strings.NewReader(concatList(images))); err != nil {
		return media.Artifact{}, err
	}

	info, err := os.Stat(out)
	if err != nil {
		return media.Artifact{}, fmt.Errorf("%w: engine produced no output: %v", media.ErrEngineFailure, err)
	}
	sum, err := fileSHA256(out)
	if err != nil {
		return media.Artifact{}, err
	}
	return media.Artifact{
		JobID:     jobID,
		Path:      out,
		Size:      info.Size(),
		MediaType: "video/" + spec.Container,
		SHA256:    sum,
		Origin:    media.Synthesized,
	}, nil
}

// concatList renders the concat-demuxer playlist. The demuxer ignores the
// duration on the final entry, so the last image is listed twice.
func concatList(images []string) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, img := range images {
		fmt.Fprintf(&b, "file '%s'\nduration %d\n", img, slideSeconds)
	}
	fmt.Fprintf(&b, "file '%s'\n", images[len(images)-1])
	return b.String()
}
