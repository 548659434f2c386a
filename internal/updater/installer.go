package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "kerzzcli/internal/errors"
)

// State enumerates the install state machine. Failed is reachable from any
// non-terminal state; Complete and Failed are terminal for one attempt.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateVerifying
	StateStaged
	StateSwapping
	StateComplete
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateStaged:
		return "staged"
	case StateSwapping:
		return "swapping"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Progress is a snapshot of the current install attempt, broadcast to the
// GUI over the websocket feed.
type Progress struct {
	State           string    `json:"state"`
	Version         string    `json:"version,omitempty"`
	BytesDownloaded int64     `json:"bytes_downloaded,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// transaction tracks one update attempt's filesystem artifacts. It exists
// only for the duration of the attempt; cleanup removes every temp artifact
// on both success and failure.
type transaction struct {
	id             string
	manifest       *Manifest
	tempDir        string
	downloadedPath string
	stagedPath     string
	backupPath     string
	verified       bool
}

func (tx *transaction) cleanup() {
	if tx.tempDir != "" {
		os.RemoveAll(tx.tempDir)
	}
	if tx.stagedPath != "" {
		os.Remove(tx.stagedPath)
	}
}

// launchSentinel records a completed swap awaiting its first healthy launch.
type launchSentinel struct {
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previous_version"`
	BackupPath      string    `json:"backup_path"`
	SwappedAt       time.Time `json:"swapped_at"`
	BootAttempts    int       `json:"boot_attempts"`
}

// cleanupSentinel marks a backup as eligible for removal on the next launch.
type cleanupSentinel struct {
	BackupPath string    `json:"backup_path"`
	HealthyAt  time.Time `json:"healthy_at"`
}

const (
	launchSentinelName  = "update-launch.json"
	cleanupSentinelName = "update-cleanup.json"
	backupSuffix        = ".backup"
)

// Installer downloads, verifies, and atomically swaps in a new binary.
type Installer struct {
	execPath       string
	dataDir        string
	currentVersion string
	httpClient     *http.Client
	logger         *slog.Logger
	metrics        *Metrics
	onProgress     func(Progress)

	mu         sync.Mutex
	state      State
	progress   Progress
	installing bool
}

// InstallerOptions configures an Installer.
type InstallerOptions struct {
	DataDir         string
	CurrentVersion  string
	DownloadTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *Metrics
	OnProgress      func(Progress)
	// ExecPath overrides the binary to replace. Defaults to the running
	// executable; tests point it at a scratch file.
	ExecPath string
}

// NewInstaller creates an installer targeting the currently running binary.
func NewInstaller(opts InstallerOptions) (*Installer, error) {
	execPath := opts.ExecPath
	if execPath == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable path: %w", err)
		}
		path, err = filepath.EvalSymlinks(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
		}
		execPath = path
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DownloadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Installer{
		execPath:       execPath,
		dataDir:        opts.DataDir,
		currentVersion: opts.CurrentVersion,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.With(slog.String("component", "updater.installer")),
		metrics:        opts.Metrics,
		onProgress:     opts.OnProgress,
		state:          StateIdle,
		progress:       Progress{State: StateIdle.String(), UpdatedAt: time.Now()},
	}, nil
}

// Snapshot returns the current state and progress.
func (i *Installer) Snapshot() (State, Progress) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.progress
}

// Installing reports whether an install attempt is in flight.
func (i *Installer) Installing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installing
}

// Install runs one complete install attempt for the given manifest.
// At most one attempt runs at a time; a concurrent call fails with
// ErrUpdateInProgress rather than queueing.
func (i *Installer) Install(ctx context.Context, m *Manifest) error {
	i.mu.Lock()
	if i.installing {
		i.mu.Unlock()
		return apperrors.ErrUpdateInProgress
	}
	i.installing = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.installing = false
		i.mu.Unlock()
	}()

	tx := &transaction{id: uuid.NewString(), manifest: m}
	defer tx.cleanup()

	err := i.run(ctx, tx)
	if err != nil {
		i.setState(StateFailed, func(p *Progress) {
			p.Error = err.Error()
		})
		i.metrics.RecordInstall(ctx, "failed")
		i.logger.ErrorContext(ctx, "update install failed",
			slog.String("transaction_id", tx.id),
			slog.String("version", m.Version),
			slog.String("error", err.Error()),
		)
		return err
	}

	i.setState(StateComplete, nil)
	i.metrics.RecordInstall(ctx, "complete")
	i.logger.InfoContext(ctx, "update installed, restart required",
		slog.String("transaction_id", tx.id),
		slog.String("version", m.Version),
	)
	return nil
}

func (i *Installer) run(ctx context.Context, tx *transaction) error {
	m := tx.manifest

	tempDir, err := os.MkdirTemp(i.dataDir, "update-")
	if err != nil {
		return fmt.Errorf("failed to create download dir: %w", apperrors.ErrDownloadFailed)
	}
	tx.tempDir = tempDir

	i.setState(StateDownloading, func(p *Progress) {
		p.Version = m.Version
		p.TotalBytes = m.Size
		p.BytesDownloaded = 0
		p.Error = ""
	})
	if err := i.download(ctx, tx); err != nil {
		return err
	}

	i.setState(StateVerifying, nil)
	if err := i.verify(tx); err != nil {
		return err
	}

	i.setState(StateStaged, nil)
	if err := i.stage(tx); err != nil {
		return err
	}

	// The swap is not cancellable once begun: it runs to completion or
	// rolls back, regardless of ctx.
	i.setState(StateSwapping, nil)
	if err := i.swap(tx); err != nil {
		return err
	}

	if err := i.writeLaunchSentinel(m.Version, tx.backupPath); err != nil {
		i.logger.Warn("failed to write launch sentinel, rollback disabled for this update",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// download streams the artifact to a temp path. Cancellation or network
// failure discards the partial download.
func (i *Installer) download(ctx context.Context, tx *transaction) error {
	m := tx.manifest

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("invalid download URL: %w", apperrors.ErrDownloadFailed)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", apperrors.ErrDownloadFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d: %w", resp.StatusCode, apperrors.ErrDownloadFailed)
	}

	tx.downloadedPath = filepath.Join(tx.tempDir, "artifact")
	out, err := os.OpenFile(tx.downloadedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", apperrors.ErrDownloadFailed)
	}

	written, err := io.Copy(out, i.progressReader(resp.Body, resp.ContentLength))
	closeErr := out.Close()
	if err != nil {
		os.Remove(tx.downloadedPath)
		return fmt.Errorf("download interrupted after %d bytes: %w", written, apperrors.ErrDownloadFailed)
	}
	if closeErr != nil {
		os.Remove(tx.downloadedPath)
		return fmt.Errorf("failed to flush artifact: %w", apperrors.ErrDownloadFailed)
	}
	return nil
}

// verify computes the artifact digest and compares against the manifest.
// A mismatch discards the artifact; no partial install is ever attempted.
func (i *Installer) verify(tx *transaction) error {
	f, err := os.Open(tx.downloadedPath)
	if err != nil {
		return fmt.Errorf("artifact vanished before verification: %w", apperrors.ErrChecksumMismatch)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash artifact: %w", apperrors.ErrChecksumMismatch)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, tx.manifest.Checksum) {
		os.Remove(tx.downloadedPath)
		return fmt.Errorf("artifact digest %s does not match manifest %s: %w",
			got[:12], tx.manifest.Checksum[:12], apperrors.ErrChecksumMismatch)
	}

	tx.verified = true
	return nil
}

// stage copies the verified artifact next to the running binary (same
// volume, so the final rename is atomic) and backs up the current binary.
func (i *Installer) stage(tx *transaction) error {
	execDir := filepath.Dir(i.execPath)
	tx.stagedPath = filepath.Join(execDir, ".staged-"+sanitizeVersion(tx.manifest.Version))

	if err := copyFile(tx.downloadedPath, tx.stagedPath, 0o755); err != nil {
		return fmt.Errorf("failed to stage artifact: %w", apperrors.ErrSwapFailure)
	}

	tx.backupPath = i.execPath + backupSuffix
	if err := copyFile(i.execPath, tx.backupPath, 0o755); err != nil {
		return fmt.Errorf("failed to back up current binary: %w", apperrors.ErrSwapFailure)
	}
	return nil
}

// swap replaces the running binary with the staged artifact using renames,
// never a byte-level overwrite of a file that may be mapped and executing.
// On failure the backup is restored before returning.
func (i *Installer) swap(tx *transaction) error {
	if !tx.verified {
		return fmt.Errorf("refusing to swap unverified artifact: %w", apperrors.ErrSwapFailure)
	}

	var swapErr error
	if runtime.GOOS == "windows" {
		// Windows locks the executing file: rename it aside first, then
		// rename the staged binary into place.
		oldPath := i.execPath + ".old"
		if err := os.Rename(i.execPath, oldPath); err != nil {
			swapErr = err
		} else if err := os.Rename(tx.stagedPath, i.execPath); err != nil {
			os.Rename(oldPath, i.execPath)
			swapErr = err
		} else {
			os.Remove(oldPath)
		}
	} else {
		swapErr = os.Rename(tx.stagedPath, i.execPath)
	}

	if swapErr != nil {
		if restoreErr := i.restoreBackup(tx.backupPath); restoreErr != nil {
			i.logger.Error("swap failed and backup restore failed",
				slog.String("swap_error", swapErr.Error()),
				slog.String("restore_error", restoreErr.Error()),
			)
			return fmt.Errorf("swap failed, backup restore failed: %w", apperrors.ErrRollbackFailed)
		}
		return fmt.Errorf("binary replacement failed: %w", apperrors.ErrSwapFailure)
	}

	tx.stagedPath = ""
	return nil
}

// restoreBackup moves the backup into the executable path. The file at
// execPath may be the binary this process is executing, so a byte-level
// overwrite would fail with ETXTBSY; renaming replaces the directory entry
// while the running process keeps its mapped inode.
func (i *Installer) restoreBackup(backupPath string) error {
	oldPath := i.execPath + ".old"
	renamedAside := false
	if err := os.Rename(i.execPath, oldPath); err == nil {
		renamedAside = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to move failed binary aside: %w", err)
	}

	if err := os.Rename(backupPath, i.execPath); err != nil {
		if renamedAside {
			os.Rename(oldPath, i.execPath)
		}
		return fmt.Errorf("failed to move backup into place: %w", err)
	}

	if renamedAside {
		os.Remove(oldPath)
	}
	return nil
}

// RollbackIfNeeded inspects the launch sentinel at process start. If the
// previous start incremented the boot counter but never reported healthy,
// the new binary failed to launch: the backup is restored. Returns the
// version rolled back from, or "".
func (i *Installer) RollbackIfNeeded() (string, error) {
	path := filepath.Join(i.dataDir, launchSentinelName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read launch sentinel: %w", err)
	}

	var sentinel launchSentinel
	if err := json.Unmarshal(data, &sentinel); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("launch sentinel corrupt, removed: %w", err)
	}

	if sentinel.BootAttempts >= 1 {
		// Previous start of the swapped binary never reached healthy.
		i.logger.Warn("new binary failed first launch, rolling back",
			slog.String("failed_version", sentinel.Version),
			slog.String("restored_version", sentinel.PreviousVersion),
		)
		if err := i.restoreBackup(sentinel.BackupPath); err != nil {
			return "", fmt.Errorf("rollback failed: %w", apperrors.ErrRollbackFailed)
		}
		os.Remove(path)
		return sentinel.Version, nil
	}

	sentinel.BootAttempts++
	if data, err := json.Marshal(sentinel); err == nil {
		os.WriteFile(path, data, 0o600)
	}
	return "", nil
}

// MarkLaunchHealthy is called once the application has fully started. The
// first healthy launch after a swap consumes the launch sentinel and marks
// the backup for cleanup; the following healthy launch deletes the backup.
func (i *Installer) MarkLaunchHealthy() {
	launchPath := filepath.Join(i.dataDir, launchSentinelName)
	cleanupPath := filepath.Join(i.dataDir, cleanupSentinelName)

	if data, err := os.ReadFile(launchPath); err == nil {
		var sentinel launchSentinel
		if json.Unmarshal(data, &sentinel) == nil {
			marker := cleanupSentinel{BackupPath: sentinel.BackupPath, HealthyAt: time.Now()}
			if out, err := json.Marshal(marker); err == nil {
				os.WriteFile(cleanupPath, out, 0o600)
			}
		}
		os.Remove(launchPath)
		i.logger.Info("first launch after update healthy",
			slog.String("version", i.currentVersion),
		)
		return
	}

	if data, err := os.ReadFile(cleanupPath); err == nil {
		var marker cleanupSentinel
		if json.Unmarshal(data, &marker) == nil && marker.BackupPath != "" {
			os.Remove(marker.BackupPath)
		}
		os.Remove(cleanupPath)
	}
}

// writeLaunchSentinel arms the first-launch rollback check.
func (i *Installer) writeLaunchSentinel(version, backupPath string) error {
	sentinel := launchSentinel{
		Version:         version,
		PreviousVersion: i.currentVersion,
		BackupPath:      backupPath,
		SwappedAt:       time.Now(),
	}
	data, err := json.Marshal(sentinel)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(i.dataDir, launchSentinelName), data, 0o600)
}

// setState advances the state machine and notifies subscribers.
func (i *Installer) setState(s State, mutate func(*Progress)) {
	i.mu.Lock()
	i.state = s
	i.progress.State = s.String()
	i.progress.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&i.progress)
	}
	snapshot := i.progress
	callback := i.onProgress
	i.mu.Unlock()

	i.logger.Debug("install state transition", slog.String("state", s.String()))
	if callback != nil {
		callback(snapshot)
	}
}

// progressReader wraps the download stream to publish byte counts.
func (i *Installer) progressReader(r io.Reader, total int64) io.Reader {
	return &countingReader{reader: r, total: total, installer: i}
}

type countingReader struct {
	reader    io.Reader
	total     int64
	read      int64
	installer *Installer
	lastPush  time.Time
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.read += int64(n)

	// Throttle progress pushes so large downloads don't flood the feed.
	if time.Since(c.lastPush) > 250*time.Millisecond || err == io.EOF {
		c.lastPush = time.Now()
		c.installer.mu.Lock()
		c.installer.progress.BytesDownloaded = c.read
		if c.total > 0 {
			c.installer.progress.TotalBytes = c.total
		}
		snapshot := c.installer.progress
		callback := c.installer.onProgress
		c.installer.mu.Unlock()
		if callback != nil {
			callback(snapshot)
		}
	}
	return n, err
}

// copyFile copies src to dst with the given mode, replacing dst.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sanitizeVersion makes a version string safe to embed in a filename.
func sanitizeVersion(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, v)
}
