package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Release is one entry of the GitHub-style release feed.
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Body    string  `json:"body"`
	Assets  []Asset `json:"assets"`
}

// Asset is a downloadable artifact attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
}

// Manifest describes one available update. Fetched fresh on every check;
// never cached across checks except for the last-seen version used for
// duplicate-notification suppression.
type Manifest struct {
	Version      string `json:"version"`
	DownloadURL  string `json:"download_url"`
	Checksum     string `json:"checksum"`
	ReleaseNotes string `json:"release_notes"`
	Mandatory    bool   `json:"mandatory"`
	Size         int64  `json:"size"`
}

// mandatoryMarker in the release notes flags an update the application must
// install before continuing to run.
const mandatoryMarker = "#mandatory"

// Check outcomes recorded on the update_checks_total counter.
const (
	checkOutcomeAvailable       = "update_available"
	checkOutcomeUpToDate        = "up_to_date"
	checkOutcomeFeedUnavailable = "feed_unavailable"
)

// Checker queries the release feed and compares against the running version.
type Checker struct {
	feedURL        string
	currentVersion string
	httpClient     *http.Client
	logger         *slog.Logger
	metrics        *Metrics

	mu       sync.Mutex
	lastSeen string
}

// NewChecker creates a release-feed checker.
func NewChecker(feedURL, currentVersion string, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		feedURL:        feedURL,
		currentVersion: currentVersion,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.With(slog.String("component", "updater.checker")),
		metrics:        metrics,
	}
}

// CheckForUpdate fetches the latest manifest and returns it only if its
// version is strictly newer than the running version. Feed unavailability is
// "no update found", never an error surfaced to the user.
func (c *Checker) CheckForUpdate(ctx context.Context) *Manifest {
	release, err := c.fetchLatest(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "release feed unavailable",
			slog.String("error", err.Error()),
		)
		c.metrics.RecordCheck(ctx, checkOutcomeFeedUnavailable)
		return nil
	}

	manifest, err := c.buildManifest(release)
	if err != nil {
		c.logger.WarnContext(ctx, "release feed entry malformed",
			slog.String("tag", release.TagName),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordCheck(ctx, checkOutcomeFeedUnavailable)
		return nil
	}

	if !IsNewer(manifest.Version, c.currentVersion) {
		c.logger.DebugContext(ctx, "running version is current",
			slog.String("current", c.currentVersion),
			slog.String("latest", manifest.Version),
		)
		c.metrics.RecordCheck(ctx, checkOutcomeUpToDate)
		return nil
	}

	c.metrics.RecordCheck(ctx, checkOutcomeAvailable)
	c.logger.InfoContext(ctx, "update available",
		slog.String("current", c.currentVersion),
		slog.String("latest", manifest.Version),
		slog.Bool("mandatory", manifest.Mandatory),
	)

	return manifest
}

// ShouldNotify reports whether this manifest version has not been announced
// yet, and records it as seen. Suppression state lives in memory only.
func (c *Checker) ShouldNotify(m *Manifest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil || m.Version == c.lastSeen {
		return false
	}
	c.lastSeen = m.Version
	return true
}

func (c *Checker) fetchLatest(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release: %w", err)
	}
	return &release, nil
}

// buildManifest validates a release and maps it to an update manifest.
func (c *Checker) buildManifest(release *Release) (*Manifest, error) {
	if release.TagName == "" {
		return nil, fmt.Errorf("release has no version tag")
	}

	asset, err := platformAsset(release.Assets)
	if err != nil {
		return nil, err
	}

	checksum := strings.TrimPrefix(strings.ToLower(asset.Digest), "sha256:")
	if len(checksum) != 64 {
		return nil, fmt.Errorf("asset %q has no usable sha256 digest", asset.Name)
	}

	return &Manifest{
		Version:      release.TagName,
		DownloadURL:  asset.BrowserDownloadURL,
		Checksum:     checksum,
		ReleaseNotes: release.Body,
		Mandatory:    strings.Contains(strings.ToLower(release.Body), mandatoryMarker),
		Size:         asset.Size,
	}, nil
}

// platformAsset picks the release asset matching the running platform.
func platformAsset(assets []Asset) (*Asset, error) {
	tag := platformTag()
	for i := range assets {
		if strings.Contains(strings.ToLower(assets[i].Name), tag) {
			if assets[i].BrowserDownloadURL == "" {
				return nil, fmt.Errorf("asset %q has no download URL", assets[i].Name)
			}
			return &assets[i], nil
		}
	}
	return nil, fmt.Errorf("no release asset for platform %s", tag)
}

func platformTag() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}
