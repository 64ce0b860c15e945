// Package updater checks GitHub releases and replaces the running binary with a
// minisign-verified release archive.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jedisct1/go-minisign"
)

const (
	DefaultBinary  = "redpocket2mqtt"
	DefaultService = "redpocket2mqtt"

	cacheTTL        = 15 * time.Minute
	requestTimeout  = 30 * time.Second
	downloadTimeout = 10 * time.Minute
	userAgent       = "redpocket2mqtt-updater/1.0"
)

// ErrNotConfigured is returned by New without a release repository or public key
var ErrNotConfigured = errors.New("updater: release repository and public key are required")

// Options configure where releases come from and what gets replaced
type Options struct {
	Repo      string // GitHub owner/name, required
	Binary    string // binary name inside the archive and the work dir
	Service   string // systemd unit restarted after an update
	PublicKey string // minisign public key (base64), required
	APIURL    string // latest release endpoint, derived from Repo when empty
}

// Updater handles checking and performing updates
type Updater struct {
	currentVersion string
	workDir        string
	opts           Options
	pubKey         minisign.PublicKey
	httpClient     *http.Client

	lastCheck     *UpdateCheckResult
	lastCheckTime time.Time
	checkMu       sync.RWMutex
}

// GitHubRelease represents GitHub release API response
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Body        string        `json:"body"`
	HTMLURL     string        `json:"html_url"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a release asset
type GitHubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// UpdateCheckResult contains update check information
type UpdateCheckResult struct {
	UpdateAvailable bool      `json:"updateAvailable"`
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion"`
	ReleaseNotes    string    `json:"releaseNotes,omitempty"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	PublishedAt     time.Time `json:"publishedAt,omitempty"`
	DownloadSize    int64     `json:"downloadSize,omitempty"`
	CurrentArch     string    `json:"currentArch"`
	IsDev           bool      `json:"isDev"`
}

// UpdateProgress represents current update progress
type UpdateProgress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// New creates a new Updater instance
func New(currentVersion, workDir string, opts Options) (*Updater, error) {
	if opts.Repo == "" || opts.PublicKey == "" {
		return nil, ErrNotConfigured
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.github.com/repos/" + opts.Repo + "/releases/latest"
	}

	pubKey, err := ParsePublicKey(opts.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &Updater{
		currentVersion: currentVersion,
		workDir:        workDir,
		opts:           opts,
		pubKey:         pubKey,
		httpClient:     &http.Client{Timeout: requestTimeout},
	}, nil
}

// archiveName is the release asset for this platform
func (u *Updater) archiveName() string {
	return fmt.Sprintf("%s-%s-%s.tar.gz", u.opts.Binary, runtime.GOOS, runtime.GOARCH)
}

// CheckUpdate checks if a new version is available. Results are cached for 15 minutes.
func (u *Updater) CheckUpdate(ctx context.Context) (*UpdateCheckResult, error) {
	u.checkMu.RLock()
	if u.lastCheck != nil && time.Since(u.lastCheckTime) < cacheTTL {
		result := *u.lastCheck
		u.checkMu.RUnlock()
		return &result, nil
	}
	u.checkMu.RUnlock()

	release, err := u.fetchLatestRelease(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}

	var downloadSize int64
	if asset, ok := findAsset(release, u.archiveName()); ok {
		downloadSize = asset.Size
	}

	isDev := IsDev(u.currentVersion)
	updateAvailable := false
	if !isDev {
		updateAvailable, _ = IsNewer(u.currentVersion, release.TagName)
	}

	result := &UpdateCheckResult{
		UpdateAvailable: updateAvailable,
		CurrentVersion:  u.currentVersion,
		LatestVersion:   release.TagName,
		ReleaseNotes:    release.Body,
		ReleaseURL:      release.HTMLURL,
		PublishedAt:     release.PublishedAt,
		DownloadSize:    downloadSize,
		CurrentArch:     runtime.GOARCH,
		IsDev:           isDev,
	}

	u.checkMu.Lock()
	u.lastCheck = result
	u.lastCheckTime = time.Now()
	u.checkMu.Unlock()

	return result, nil
}

func (u *Updater) fetchLatestRelease(ctx context.Context) (*GitHubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.APIURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &release, nil
}

func findAsset(release *GitHubRelease, name string) (GitHubAsset, bool) {
	for _, asset := range release.Assets {
		if asset.Name == name {
			return asset, true
		}
	}
	return GitHubAsset{}, false
}

// PerformUpdate downloads, verifies and installs the latest release.
// The caller restarts the service afterwards.
func (u *Updater) PerformUpdate(ctx context.Context, progress func(UpdateProgress)) error {
	if IsDev(u.currentVersion) {
		return fmt.Errorf("cannot update dev version")
	}

	progress(UpdateProgress{Stage: "preparing", Percent: 0, Message: "Checking for updates..."})

	check, err := u.CheckUpdate(ctx)
	if err != nil {
		return fmt.Errorf("check update: %w", err)
	}
	if !check.UpdateAvailable {
		return fmt.Errorf("no update available")
	}

	updateDir := filepath.Join(u.workDir, ".update")
	backupDir := filepath.Join(u.workDir, ".backup", u.currentVersion)

	os.RemoveAll(updateDir)
	if err := os.MkdirAll(updateDir, 0755); err != nil {
		return fmt.Errorf("create update directory: %w", err)
	}
	defer os.RemoveAll(updateDir)

	release, err := u.fetchLatestRelease(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest release: %w", err)
	}
	name := u.archiveName()
	archive, ok := findAsset(release, name)
	if !ok {
		return fmt.Errorf("no release asset for this platform: %s", name)
	}
	sig, ok := findAsset(release, name+".minisig")
	if !ok {
		return fmt.Errorf("no signature file for: %s", name)
	}

	progress(UpdateProgress{Stage: "downloading", Percent: 5, Message: "Downloading update..."})

	archivePath := filepath.Join(updateDir, name)
	downloadClient := &http.Client{Timeout: downloadTimeout}

	err = downloadFile(ctx, downloadClient, archive.BrowserDownloadURL, archivePath, func(downloaded, total int64) {
		progress(UpdateProgress{
			Stage:   "downloading",
			Percent: 5 + int(float64(downloaded)/float64(total)*40),
			Message: fmt.Sprintf("Downloaded %s / %s", formatBytes(downloaded), formatBytes(total)),
		})
	})
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	sigPath := archivePath + ".minisig"
	if err := downloadFile(ctx, downloadClient, sig.BrowserDownloadURL, sigPath, nil); err != nil {
		return fmt.Errorf("download signature: %w", err)
	}

	progress(UpdateProgress{Stage: "verifying", Percent: 50, Message: "Verifying signature..."})
	if err := VerifySignature(archivePath, sigPath, u.pubKey); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	progress(UpdateProgress{Stage: "backup", Percent: 55, Message: "Creating backup..."})
	binaryPath := filepath.Join(u.workDir, u.opts.Binary)
	if err := backupFile(binaryPath, backupDir); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}

	progress(UpdateProgress{Stage: "extracting", Percent: 65, Message: "Extracting files..."})
	extracted := filepath.Join(updateDir, "extracted")
	if err := extractFile(archivePath, u.opts.Binary, extracted); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	progress(UpdateProgress{Stage: "installing", Percent: 80, Message: "Installing update..."})
	if err := installFile(extracted, binaryPath); err != nil {
		progress(UpdateProgress{Stage: "rollback", Percent: 85, Message: "Rolling back..."})
		if rbErr := restoreFile(backupDir, binaryPath); rbErr != nil {
			return fmt.Errorf("install failed: %w, rollback also failed: %v", err, rbErr)
		}
		return fmt.Errorf("install failed (rolled back): %w", err)
	}

	progress(UpdateProgress{Stage: "restarting", Percent: 100, Message: "Restarting service..."})
	return nil
}

// RestartService restarts the systemd unit
func (u *Updater) RestartService() error {
	return exec.Command("systemctl", "restart", u.opts.Service).Run()
}

// GetCurrentVersion returns the current version
func (u *Updater) GetCurrentVersion() string {
	return u.currentVersion
}
