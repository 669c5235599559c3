// SPDX-License-Identifier: MIT

package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/renameio/v2"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/metrics"
)

// Updater keeps the helper binary current against a GitHub repository's
// latest release. The download lands next to the managed binary and is
// swapped in atomically, so an in-flight Resolve keeps its old path.
type Updater struct {
	helper   *Helper
	repo     string // "owner/name"
	dir      string // directory for managed binaries
	interval time.Duration
	client   *http.Client
	apiBase  string // overridable for tests

	currentTag string
}

// NewUpdater builds an Updater. dir is where downloaded binaries live.
func NewUpdater(helper *Helper, repo, dir string, interval time.Duration) *Updater {
	return &Updater{
		helper:   helper,
		repo:     repo,
		dir:      dir,
		interval: interval,
		client:   &http.Client{Timeout: 2 * time.Minute},
		apiBase:  "https://api.github.com",
	}
}

type releaseInfo struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// assetName returns the release asset matching the running platform.
func assetName() string {
	switch runtime.GOOS {
	case "windows":
		return "yt-dlp.exe"
	case "darwin":
		return "yt-dlp_macos"
	default:
		return "yt-dlp"
	}
}

// Run polls for new releases until ctx is cancelled. The first check runs
// immediately so a fresh install gets a binary without waiting an interval.
func (u *Updater) Run(ctx context.Context) {
	logger := log.WithComponent("helper-update")
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		if err := u.checkOnce(ctx); err != nil {
			metrics.RecordHelperUpdate("error")
			logger.Warn().Err(err).Str("repo", u.repo).Msg("helper update check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkOnce fetches the latest release and installs it if the tag moved.
func (u *Updater) checkOnce(ctx context.Context) error {
	logger := log.WithComponent("helper-update")

	rel, err := u.latestRelease(ctx)
	if err != nil {
		return err
	}
	if rel.TagName == u.currentTag {
		metrics.RecordHelperUpdate("up_to_date")
		return nil
	}

	want := assetName()
	var downloadURL string
	for _, a := range rel.Assets {
		if a.Name == want {
			downloadURL = a.BrowserDownloadURL
			break
		}
	}
	if downloadURL == "" {
		return fmt.Errorf("release %s has no asset %q", rel.TagName, want)
	}

	dest := filepath.Join(u.dir, want)
	if err := u.download(ctx, downloadURL, dest); err != nil {
		return err
	}

	u.helper.SwapBin(dest)
	u.currentTag = rel.TagName
	metrics.RecordHelperUpdate("ok")
	logger.Info().Str("tag", rel.TagName).Str("bin", dest).Msg("helper binary updated")
	return nil
}

func (u *Updater) latestRelease(ctx context.Context) (releaseInfo, error) {
	var rel releaseInfo
	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.apiBase, u.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rel, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return rel, fmt.Errorf("query latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rel, fmt.Errorf("query latest release: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return rel, fmt.Errorf("decode release: %w", err)
	}
	return rel, nil
}

// download streams the asset to dest via an atomic rename so a crashed
// download never leaves a half-written binary in place.
func (u *Updater) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download helper: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download helper: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o755))
	if err != nil {
		return fmt.Errorf("create pending helper file: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck

	if _, err := io.Copy(pending, resp.Body); err != nil {
		return fmt.Errorf("write helper binary: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}
