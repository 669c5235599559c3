// SPDX-License-Identifier: MIT

//go:build linux

package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedbot/ingest/internal/media"
)

func testSpec() media.TranscodeSpec {
	return media.TranscodeSpec{
		Container:   "mp4",
		VideoCodecs: []string{"h264"},
		AudioCodecs: []string{"aac"},
		MaxBytes:    8 << 20,
		MaxHeight:   720,
		MaxDuration: 15 * time.Minute,
	}
}

func compliantProfile() media.MediaProfile {
	return media.MediaProfile{
		Container:  "mov",
		VideoCodec: "h264",
		AudioCodec: "aac",
		Width:      1280,
		Height:     720,
		Duration:   30 * time.Second,
	}
}

// stubEngine writes an executable script standing in for ffmpeg. The script
// sees the full argument list; the output path is always the final argument.
func stubEngine(t *testing.T, script string) *Transcoder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return New(path, 5*time.Second)
}

func testBlob(t *testing.T, size int) media.FetchedBlob {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return media.FetchedBlob{JobID: "job-1", Path: path, Size: int64(size), SHA256: "cafe"}
}

func TestSatisfies(t *testing.T) {
	spec := testSpec()

	cases := []struct {
		name   string
		mutate func(*media.MediaProfile, *int64)
		want   bool
	}{
		{"compliant", func(p *media.MediaProfile, s *int64) {}, true},
		{"mp4 container name", func(p *media.MediaProfile, s *int64) { p.Container = "mp4" }, true},
		{"video only", func(p *media.MediaProfile, s *int64) { p.AudioCodec = "" }, true},
		{"oversize", func(p *media.MediaProfile, s *int64) { *s = spec.MaxBytes + 1 }, false},
		{"wrong container", func(p *media.MediaProfile, s *int64) { p.Container = "matroska" }, false},
		{"wrong video codec", func(p *media.MediaProfile, s *int64) { p.VideoCodec = "vp9" }, false},
		{"wrong audio codec", func(p *media.MediaProfile, s *int64) { p.AudioCodec = "opus" }, false},
		{"too tall", func(p *media.MediaProfile, s *int64) { p.Height = 1080 }, false},
		{"too long", func(p *media.MediaProfile, s *int64) { p.Duration = 16 * time.Minute }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			profile := compliantProfile()
			size := int64(1 << 20)
			tc.mutate(&profile, &size)
			assert.Equal(t, tc.want, Satisfies(profile, size, spec))
		})
	}
}

func TestTranscodePassThrough(t *testing.T) {
	// The engine stub fails loudly; pass-through must never invoke it.
	tr := stubEngine(t, "exit 99")
	blob := testBlob(t, 1024)

	art, err := tr.Transcode(context.Background(), blob, compliantProfile(), testSpec(), false)
	require.NoError(t, err)
	assert.Equal(t, media.PassThrough, art.Origin)
	assert.Equal(t, blob.Path, art.Path)
	assert.Equal(t, blob.SHA256, art.SHA256)
	assert.Equal(t, blob.Size, art.Size)
}

func TestTranscodeConstrainedEncode(t *testing.T) {
	tr := stubEngine(t, `
for out; do :; done
head -c 1000 /dev/zero > "$out"
`)
	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9" // forces an encode

	art, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	require.NoError(t, err)
	assert.Equal(t, media.Transcoded, art.Origin)
	assert.Equal(t, int64(1000), art.Size)
	assert.NotEqual(t, blob.Path, art.Path)
	assert.NotEmpty(t, art.SHA256)
}

func TestTranscodeRetryTightensBitrate(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempts")
	// First run overshoots the cap, second lands under it.
	tr := stubEngine(t, fmt.Sprintf(`
for out; do :; done
if [ -f %q ]; then
  head -c 100 /dev/zero > "$out"
else
  touch %q
  head -c 9000000 /dev/zero > "$out"
fi
`, marker, marker))

	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9"

	art, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), art.Size)
	assert.FileExists(t, marker, "first attempt must have run")
}

func TestTranscodeUnsatisfiableAfterRetry(t *testing.T) {
	tr := stubEngine(t, `
for out; do :; done
head -c 9000000 /dev/zero > "$out"
`)
	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9"

	_, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	assert.ErrorIs(t, err, media.ErrConstraintUnsatisfiable)

	// The oversize attempt output must not be left behind.
	assert.NoFileExists(t, filepath.Join(filepath.Dir(blob.Path), "output.mp4"))
}

func TestTranscodeEngineFailure(t *testing.T) {
	tr := stubEngine(t, `
echo "Error while decoding stream" >&2
exit 1
`)
	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9"

	_, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	assert.ErrorIs(t, err, media.ErrEngineFailure)
}

func TestTranscodeCorruptInput(t *testing.T) {
	// A decode failure mid-encode classifies as corrupt media, not a
	// generic engine failure.
	tr := stubEngine(t, `
echo "[h264 @ 0x1] Packet corrupt (stream = 0, dts = 2048)" >&2
exit 1
`)
	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9"

	_, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	assert.ErrorIs(t, err, media.ErrCorrupt)
	assert.NotErrorIs(t, err, media.ErrEngineFailure)
}

func TestTranscodeTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	tr := New(path, 200*time.Millisecond)

	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.VideoCodec = "vp9"

	start := time.Now()
	_, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	assert.ErrorIs(t, err, media.ErrTranscodeTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTranscodeRefusesSilentTruncation(t *testing.T) {
	tr := stubEngine(t, "exit 99")
	blob := testBlob(t, 1024)
	profile := compliantProfile()
	profile.Duration = 20 * time.Minute

	_, err := tr.Transcode(context.Background(), blob, profile, testSpec(), false)
	assert.ErrorIs(t, err, media.ErrConstraintUnsatisfiable)
}

func TestBuildArgs(t *testing.T) {
	spec := testSpec()
	profile := compliantProfile()
	profile.Height = 1080
	profile.Duration = 20 * time.Minute

	args := buildArgs("in.bin", "out.mp4", profile, spec, 500_000, spec.MaxDuration, true)

	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "scale=-2:720")
	assert.Contains(t, args, "+faststart")
	assert.Contains(t, args, "-t")
	assert.Equal(t, "out.mp4", args[len(args)-1])

	// Determinism: identical inputs, identical command line.
	again := buildArgs("in.bin", "out.mp4", profile, spec, 500_000, spec.MaxDuration, true)
	assert.Equal(t, args, again)

	// No -t without truncation permission.
	noTrunc := buildArgs("in.bin", "out.mp4", profile, spec, 500_000, profile.Duration, false)
	assert.NotContains(t, noTrunc, "-t")
}

func TestDeriveBitRate(t *testing.T) {
	spec := testSpec()
	spec.MaxBytes = 8 << 20

	// 60 s at 8 MiB: (8 MiB * 8 * 0.85)/60 - 128k audio.
	got := deriveBitRate(spec, time.Minute)
	want := int64(float64(spec.MaxBytes)*8*bitrateSafety/60) - audioBitRate
	assert.Equal(t, want, got)

	// Longer media gets a lower rate.
	assert.Less(t, deriveBitRate(spec, 5*time.Minute), got)

	// MaxBitRate caps the derivation.
	spec.MaxBitRate = 100_000
	assert.Equal(t, int64(100_000), deriveBitRate(spec, time.Minute))
}

func TestSlideshow(t *testing.T) {
	dir := t.TempDir()
	listCopy := filepath.Join(dir, "list.txt")
	tr := stubEngine(t, fmt.Sprintf(`
cat > %q
for out; do :; done
head -c 500 /dev/zero > "$out"
`, listCopy))

	out := filepath.Join(dir, "slideshow.mp4")
	images := []string{filepath.Join(dir, "1.jpg"), filepath.Join(dir, "2.jpg")}

	art, err := tr.Slideshow(context.Background(), "job-1", images, filepath.Join(dir, "a.mp3"), out, testSpec())
	require.NoError(t, err)
	assert.Equal(t, media.Synthesized, art.Origin)
	assert.Equal(t, int64(500), art.Size)

	list, err := os.ReadFile(listCopy)
	require.NoError(t, err)
	// Two images, last one repeated without a duration line.
	assert.Contains(t, string(list), "duration 2")
	assert.Equal(t, 3, strings.Count(string(list), "file '"))
}

func TestSlideshowNoImages(t *testing.T) {
	tr := stubEngine(t, "exit 0")
	_, err := tr.Slideshow(context.Background(), "job-1", nil, "", "out.mp4", testSpec())
	assert.ErrorIs(t, err, media.ErrEngineFailure)
}
