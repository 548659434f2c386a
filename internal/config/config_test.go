package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestEnv isolates the test from ambient KERZZ_ variables and any
// kerzz-core.yaml in the working directory.
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KERZZ_CONFIG_FILE", filepath.Join(t.TempDir(), "no-such-file.yaml"))
	t.Setenv("KERZZ_PATHS_DATA_DIR", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	setTestEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "kerzz-boss", cfg.App.Name)
	assert.Equal(t, "3.0.0", cfg.App.Version)
	assert.Equal(t, 6*time.Hour, cfg.License.VerifyInterval)
	assert.Equal(t, 168*time.Hour, cfg.License.GraceWindow)
	assert.Equal(t, 84*time.Hour, cfg.License.DegradedGraceWindow)
	assert.Equal(t, 5*time.Minute, cfg.License.CacheTTL)
	assert.Equal(t, time.Hour, cfg.Updater.CheckInterval)
	assert.False(t, cfg.Updater.AutoInstall)
	assert.Equal(t, "127.0.0.1:8140", cfg.Transport.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setTestEnv(t)
	t.Setenv("KERZZ_LICENSE_VERIFY_INTERVAL", "2h")
	t.Setenv("KERZZ_UPDATER_AUTO_INSTALL", "true")
	t.Setenv("KERZZ_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.License.VerifyInterval)
	assert.True(t, cfg.Updater.AutoInstall)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	setTestEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "kerzz-core.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
app:
  version: "3.2.1"
license:
  verify_url: "https://staging.kerzz.app/api/v1/verify"
  grace_window: 48h
updater:
  auto_install: true
`), 0o600))
	t.Setenv("KERZZ_CONFIG_FILE", configPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "3.2.1", cfg.App.Version)
	assert.Equal(t, "https://staging.kerzz.app/api/v1/verify", cfg.License.VerifyURL)
	assert.Equal(t, 48*time.Hour, cfg.License.GraceWindow)
	assert.True(t, cfg.Updater.AutoInstall)
	// Untouched values keep their defaults.
	assert.Equal(t, 6*time.Hour, cfg.License.VerifyInterval)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad verify url", "KERZZ_LICENSE_VERIFY_URL", "not a url"},
		{"bad feed url", "KERZZ_UPDATER_FEED_URL", "::::"},
		{"verify interval too short", "KERZZ_LICENSE_VERIFY_INTERVAL", "10s"},
		{"check interval too short", "KERZZ_UPDATER_CHECK_INTERVAL", "5s"},
		{"degraded window exceeds grace", "KERZZ_LICENSE_DEGRADED_GRACE_WINDOW", "500h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTestEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	setTestEnv(t)
	dataDir := t.TempDir()
	t.Setenv("KERZZ_PATHS_DATA_DIR", dataDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.Paths.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "license-state.dat"), cfg.StatePath())
	assert.Equal(t, filepath.Join(dataDir, "updates"), cfg.DownloadDir())
	assert.True(t, filepath.IsAbs(cfg.Logging.FilePath))

	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(dataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
	assert.False(t, FileExists(dir), "directories do not count")

	path := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.True(t, FileExists(path))
}
