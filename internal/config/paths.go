package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// appDirName is the per-user data directory name, kept stable across versions
// so license state survives upgrades.
const appDirName = "kerzz-boss"

// resolvePaths fills in and normalizes filesystem paths. The data directory
// defaults to the per-user config dir so the state file is not world-readable
// and survives binary relocation.
func (c *Config) resolvePaths() error {
	if c.Paths.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			// Last resort: keep state next to the executable, like the
			// portable-install layout.
			exe, exeErr := os.Executable()
			if exeErr != nil {
				return fmt.Errorf("cannot determine data dir: %w", err)
			}
			base = filepath.Dir(exe)
		}
		c.Paths.DataDir = filepath.Join(base, appDirName)
	}

	abs, err := filepath.Abs(c.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("cannot resolve data dir: %w", err)
	}
	c.Paths.DataDir = abs

	if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(c.Paths.DataDir, c.Logging.FilePath)
	}
	return nil
}

// EnsureDataDir creates the data directory with owner-only permissions.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Paths.DataDir, 0o700)
}

// StatePath returns the absolute path of the persisted verification state file.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.Paths.StateFile) {
		return c.Paths.StateFile
	}
	return filepath.Join(c.Paths.DataDir, c.Paths.StateFile)
}

// DownloadDir returns the directory used for in-flight update artifacts.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.Paths.DataDir, "updates")
}

// FileExists checks if a file exists and is not a directory
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
