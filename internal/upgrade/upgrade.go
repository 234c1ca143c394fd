// Package upgrade replaces the running binary with the latest GitHub
// release.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"
)

const (
	releaseURL     = "https://api.github.com/repos/synthlace/gofile-dav/releases/latest"
	requestTimeout = 30 * time.Second
)

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// SelfUpgrade checks the latest release and, when it is newer than
// currentVersion, swaps the running executable for it. Dev builds
// (version "dev") always upgrade.
func SelfUpgrade(ctx context.Context, currentVersion string, log *zap.Logger) error {
	rel, err := latestRelease(ctx)
	if err != nil {
		return err
	}

	latest, err := semver.NewVersion(strings.TrimPrefix(rel.TagName, "v"))
	if err != nil {
		return fmt.Errorf("parse release tag %q: %w", rel.TagName, err)
	}
	if current, err := semver.NewVersion(strings.TrimPrefix(currentVersion, "v")); err == nil {
		if !current.LessThan(*latest) {
			log.Info("already up to date", zap.String("version", currentVersion))
			return nil
		}
	}

	assetName := fmt.Sprintf("gofile-dav_%s_%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		assetName += ".exe"
	}
	var found *asset
	for i := range rel.Assets {
		if rel.Assets[i].Name == assetName {
			found = &rel.Assets[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("release %s has no asset %s", rel.TagName, assetName)
	}

	log.Info("downloading release",
		zap.String("version", rel.TagName), zap.String("asset", assetName))
	if err := replaceExecutable(ctx, found.DownloadURL); err != nil {
		return err
	}
	log.Info("upgraded", zap.String("version", rel.TagName))
	return nil
}

func latestRelease(ctx context.Context) (*release, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release lookup: unexpected status %d", resp.StatusCode)
	}

	rel := new(release)
	if err := json.NewDecoder(resp.Body).Decode(rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return rel, nil
}

// replaceExecutable downloads url next to the current executable and
// swaps the two with renames, so the switch is atomic on the same
// filesystem. The old binary survives as <name>.old because the running
// image cannot be unlinked on every platform.
func replaceExecutable(ctx context.Context, url string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset download: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(exe), ".gofile-dav-upgrade-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	old := exe + ".old"
	os.Remove(old)
	if err := os.Rename(exe, old); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), exe); err != nil {
		// Try to roll back to a working binary.
		os.Rename(old, exe)
		return err
	}
	return nil
}
