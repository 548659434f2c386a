package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kerzzcli/internal/errors"
)

type installerFixture struct {
	installer *Installer
	execPath  string
	dataDir   string
	artifact  []byte
	server    *httptest.Server
	progress  []Progress
	mu        sync.Mutex

	// blockDownload, when non-nil, is closed to let the artifact download
	// respond.
	blockDownload chan struct{}
}

func newInstallerFixture(t *testing.T) *installerFixture {
	t.Helper()

	f := &installerFixture{
		dataDir:  t.TempDir(),
		artifact: []byte("new binary contents v3.1.0"),
	}

	execDir := t.TempDir()
	f.execPath = filepath.Join(execDir, "kerzz-core")
	require.NoError(t, os.WriteFile(f.execPath, []byte("old binary contents v3.0.0"), 0o755))

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.blockDownload != nil {
			<-f.blockDownload
		}
		w.Write(f.artifact)
	}))
	t.Cleanup(f.server.Close)

	installer, err := NewInstaller(InstallerOptions{
		DataDir:        f.dataDir,
		CurrentVersion: "3.0.0",
		ExecPath:       f.execPath,
		OnProgress: func(p Progress) {
			f.mu.Lock()
			f.progress = append(f.progress, p)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	f.installer = installer
	return f
}

func (f *installerFixture) manifest() *Manifest {
	sum := sha256.Sum256(f.artifact)
	return &Manifest{
		Version:     "3.1.0",
		DownloadURL: f.server.URL + "/artifact",
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        int64(len(f.artifact)),
	}
}

func (f *installerFixture) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.progress {
		if len(out) == 0 || out[len(out)-1] != p.State {
			out = append(out, p.State)
		}
	}
	return out
}

func TestInstaller_SuccessfulInstall(t *testing.T) {
	f := newInstallerFixture(t)

	require.NoError(t, f.installer.Install(context.Background(), f.manifest()))

	// The binary was replaced.
	got, err := os.ReadFile(f.execPath)
	require.NoError(t, err)
	assert.Equal(t, f.artifact, got)

	// The previous binary survives as a backup for rollback.
	backup, err := os.ReadFile(f.execPath + backupSuffix)
	require.NoError(t, err)
	assert.Equal(t, []byte("old binary contents v3.0.0"), backup)

	// The launch sentinel arms the first-boot rollback check.
	data, err := os.ReadFile(filepath.Join(f.dataDir, launchSentinelName))
	require.NoError(t, err)
	var sentinel launchSentinel
	require.NoError(t, json.Unmarshal(data, &sentinel))
	assert.Equal(t, "3.1.0", sentinel.Version)
	assert.Equal(t, "3.0.0", sentinel.PreviousVersion)
	assert.Equal(t, 0, sentinel.BootAttempts)

	state, progress := f.installer.Snapshot()
	assert.Equal(t, StateComplete, state)
	assert.Empty(t, progress.Error)
	assert.Equal(t, []string{"downloading", "verifying", "staged", "swapping", "complete"}, f.states())
}

func TestInstaller_ChecksumMismatchLeavesBinaryUntouched(t *testing.T) {
	f := newInstallerFixture(t)

	m := f.manifest()
	m.Checksum = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	err := f.installer.Install(context.Background(), m)
	assert.ErrorIs(t, err, apperrors.ErrChecksumMismatch)

	got, readErr := os.ReadFile(f.execPath)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("old binary contents v3.0.0"), got, "a failed verification must not touch the running binary")

	// No staged or sentinel artifacts remain.
	_, err = os.Stat(filepath.Join(f.dataDir, launchSentinelName))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Dir(f.execPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	state, progress := f.installer.Snapshot()
	assert.Equal(t, StateFailed, state)
	assert.NotEmpty(t, progress.Error)
}

func TestInstaller_DownloadFailure(t *testing.T) {
	f := newInstallerFixture(t)

	m := f.manifest()
	m.DownloadURL = f.server.URL + "/missing"
	f.server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	err := f.installer.Install(context.Background(), m)
	assert.ErrorIs(t, err, apperrors.ErrDownloadFailed)

	got, readErr := os.ReadFile(f.execPath)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("old binary contents v3.0.0"), got)
}

func TestInstaller_ConcurrentInstallRejected(t *testing.T) {
	f := newInstallerFixture(t)
	f.blockDownload = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.installer.Install(context.Background(), f.manifest())
	}()

	// Wait until the first install holds the single-flight slot.
	require.Eventually(t, f.installer.Installing, time.Second, 5*time.Millisecond)

	err := f.installer.Install(context.Background(), f.manifest())
	assert.ErrorIs(t, err, apperrors.ErrUpdateInProgress)

	close(f.blockDownload)
	require.NoError(t, <-firstDone)
}

func TestInstaller_CancelledDownload(t *testing.T) {
	f := newInstallerFixture(t)
	f.blockDownload = make(chan struct{})
	defer close(f.blockDownload)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.installer.Install(ctx, f.manifest())
	}()
	require.Eventually(t, f.installer.Installing, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, apperrors.ErrDownloadFailed)

	got, readErr := os.ReadFile(f.execPath)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("old binary contents v3.0.0"), got)
}

func TestInstaller_RollbackAfterFailedLaunch(t *testing.T) {
	f := newInstallerFixture(t)
	require.NoError(t, f.installer.Install(context.Background(), f.manifest()))

	// First start of the new binary: the boot counter is incremented, no
	// rollback yet.
	rolledBack, err := f.installer.RollbackIfNeeded()
	require.NoError(t, err)
	assert.Empty(t, rolledBack)

	// The process died before MarkLaunchHealthy. The next start sees the
	// unconsumed counter and restores the backup.
	rolledBack, err = f.installer.RollbackIfNeeded()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", rolledBack)

	got, readErr := os.ReadFile(f.execPath)
	require.NoError(t, readErr)
	assert.Equal(t, []byte("old binary contents v3.0.0"), got, "the previous binary must be restored")

	// Sentinel and backup are consumed.
	_, err = os.Stat(filepath.Join(f.dataDir, launchSentinelName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.execPath + backupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestInstaller_RollbackReplacesRunningExecutable(t *testing.T) {
	// The rollback target in production is the binary of the process doing
	// the rolling back. Writing into it fails with ETXTBSY on Linux, so the
	// restore must rename the backup into place. Run against the executing
	// test binary to prove it.
	if runtime.GOOS == "windows" {
		t.Skip("the renamed-aside executing binary cannot be removed on windows")
	}
	self, err := os.Executable()
	require.NoError(t, err)
	original, err := os.ReadFile(self)
	require.NoError(t, err)

	dataDir := t.TempDir()
	installer, err := NewInstaller(InstallerOptions{
		DataDir:        dataDir,
		CurrentVersion: "3.0.0",
		ExecPath:       self,
	})
	require.NoError(t, err)

	backupPath := self + backupSuffix
	require.NoError(t, os.WriteFile(backupPath, original, 0o755))
	t.Cleanup(func() { os.Remove(backupPath) })

	sentinel := launchSentinel{
		Version:         "3.1.0",
		PreviousVersion: "3.0.0",
		BackupPath:      backupPath,
		SwappedAt:       time.Now(),
		BootAttempts:    1,
	}
	data, err := json.Marshal(sentinel)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, launchSentinelName), data, 0o600))

	rolledBack, err := installer.RollbackIfNeeded()
	require.NoError(t, err, "rollback must succeed while the target binary is executing")
	assert.Equal(t, "3.1.0", rolledBack)

	restored, readErr := os.ReadFile(self)
	require.NoError(t, readErr)
	assert.Equal(t, original, restored)

	_, err = os.Stat(backupPath)
	assert.True(t, os.IsNotExist(err), "the backup is consumed by the restore")
	_, err = os.Stat(filepath.Join(dataDir, launchSentinelName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(self + ".old")
	assert.True(t, os.IsNotExist(err), "no renamed-aside leftovers")
}

func TestInstaller_HealthyLaunchKeepsUpdate(t *testing.T) {
	f := newInstallerFixture(t)
	require.NoError(t, f.installer.Install(context.Background(), f.manifest()))

	rolledBack, err := f.installer.RollbackIfNeeded()
	require.NoError(t, err)
	require.Empty(t, rolledBack)

	// The new binary reports healthy: the launch sentinel is consumed and
	// the backup is marked for deferred cleanup.
	f.installer.MarkLaunchHealthy()
	_, err = os.Stat(filepath.Join(f.dataDir, launchSentinelName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.execPath + backupSuffix)
	assert.NoError(t, err, "the backup survives one healthy launch")

	// Next healthy launch removes the backup.
	f.installer.MarkLaunchHealthy()
	_, err = os.Stat(f.execPath + backupSuffix)
	assert.True(t, os.IsNotExist(err))

	got, readErr := os.ReadFile(f.execPath)
	require.NoError(t, readErr)
	assert.Equal(t, f.artifact, got, "the update stays in place")
}

func TestInstaller_RollbackWithoutSentinelIsNoop(t *testing.T) {
	f := newInstallerFixture(t)

	rolledBack, err := f.installer.RollbackIfNeeded()
	require.NoError(t, err)
	assert.Empty(t, rolledBack)
}

func TestInstaller_CorruptSentinelRemoved(t *testing.T) {
	f := newInstallerFixture(t)
	path := filepath.Join(f.dataDir, launchSentinelName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, err := f.installer.RollbackIfNeeded()
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSanitizeVersion(t *testing.T) {
	assert.Equal(t, "3.1.0", sanitizeVersion("3.1.0"))
	assert.Equal(t, "v3.1.0-rc.1", sanitizeVersion("v3.1.0-rc.1"))
	assert.Equal(t, "3.1.0_evil_", sanitizeVersion("3.1.0/evil;"))
}
