// SPDX-License-Identifier: MIT

package resolve

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/procgroup"
)

// Helper wraps the external resolution binary (a yt-dlp style tool). The
// contract is line-oriented on stdout:
//
//	<kind>            first line: "direct", "manifest" or "images"
//	<url>             one candidate (or image) URL per following line
//	audio <url>       optional, "images" kind only
//
// Anything else is a protocol violation. Exit code and stderr are the sole
// failure signal otherwise.
type Helper struct {
	mu      sync.RWMutex
	bin     string
	timeout time.Duration
}

// NewHelper builds a Helper around the given binary path.
func NewHelper(bin string, timeout time.Duration) *Helper {
	return &Helper{bin: bin, timeout: timeout}
}

// Bin returns the current helper binary path.
func (h *Helper) Bin() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bin
}

// SwapBin atomically replaces the helper binary path (self-update).
func (h *Helper) SwapBin(path string) {
	h.mu.Lock()
	h.bin = path
	h.mu.Unlock()
}

// Resolve runs the helper against the URL under a bounded timeout and
// parses its output into a ResolvedSource.
func (h *Helper) Resolve(ctx context.Context, jobID, url string) (media.ResolvedSource, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	bin := h.Bin()
	cmd := exec.CommandContext(runCtx, bin, url) // #nosec G204 -- operator-configured binary
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 5*time.Second)
	}
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := log.WithComponentFromContext(ctx, "helper")
	logger.Debug().Str("bin", bin).Str("url", url).Msg("invoking resolver helper")

	if err := cmd.Run(); err != nil {
		tail := lastLines(stderr.String(), 5)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return media.ResolvedSource{}, fmt.Errorf("%w: timed out after %s", media.ErrHelperFailed, h.timeout)
		}
		logger.Warn().Err(err).Strs("stderr", tail).Msg("helper exited abnormally")
		return media.ResolvedSource{}, fmt.Errorf("%w: %v", media.ErrHelperFailed, err)
	}

	src, err := parseHelperOutput(stdout.Bytes())
	if err != nil {
		return media.ResolvedSource{}, err
	}
	src.JobID = jobID
	return src, nil
}

// parseHelperOutput decodes the helper's stdout contract.
func parseHelperOutput(out []byte) (media.ResolvedSource, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return media.ResolvedSource{}, fmt.Errorf("%w: empty output", media.ErrHelperProtocol)
	}

	kindTag := strings.ToLower(lines[0])
	body := lines[1:]

	var src media.ResolvedSource
	switch kindTag {
	case "direct":
		src.Kind = media.DirectFile
		src.Candidates = body
	case "manifest":
		src.Kind = media.StreamManifest
		src.Candidates = body
	case "images":
		src.Kind = media.PageEmbed
		for _, line := range body {
			if after, ok := strings.CutPrefix(line, "audio "); ok {
				if src.AudioURL != "" {
					return media.ResolvedSource{}, fmt.Errorf("%w: duplicate audio line", media.ErrHelperProtocol)
				}
				src.AudioURL = strings.TrimSpace(after)
				continue
			}
			src.Images = append(src.Images, line)
		}
	default:
		return media.ResolvedSource{}, fmt.Errorf("%w: unknown kind tag %q", media.ErrHelperProtocol, lines[0])
	}

	if len(src.Candidates) == 0 && len(src.Images) == 0 {
		return media.ResolvedSource{}, fmt.Errorf("%w: no candidate urls", media.ErrHelperProtocol)
	}
	return src, nil
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
