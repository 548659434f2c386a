// Package config loads and validates application configuration from
// environment variables (KERZZ_ prefix) and an optional YAML file, and
// resolves the filesystem paths used by the license and update subsystems.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app" envconfig:"APP"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Updater   UpdaterConfig   `yaml:"updater" envconfig:"UPDATER"`
	Transport TransportConfig `yaml:"transport" envconfig:"TRANSPORT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
}

// AppConfig identifies the running application
type AppConfig struct {
	Name    string `yaml:"name" envconfig:"NAME" default:"kerzz-boss"`
	Version string `yaml:"version" envconfig:"VERSION" default:"3.0.0"`
}

// LicenseConfig contains license verification configuration
type LicenseConfig struct {
	VerifyURL           string        `yaml:"verify_url" envconfig:"VERIFY_URL" default:"https://license.kerzz.app/api/v1/verify"`
	VerifyInterval      time.Duration `yaml:"verify_interval" envconfig:"VERIFY_INTERVAL" default:"6h"`
	RequestTimeout      time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"15s"`
	GraceWindow         time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW" default:"168h"`
	DegradedGraceWindow time.Duration `yaml:"degraded_grace_window" envconfig:"DEGRADED_GRACE_WINDOW" default:"84h"`
	CacheTTL            time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"0.2"`
	RateLimitBurst      int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"3"`
	PublicKeyHex        string        `yaml:"public_key_hex" envconfig:"PUBLIC_KEY_HEX"`
}

// UpdaterConfig contains release feed and installer configuration
type UpdaterConfig struct {
	FeedURL         string        `yaml:"feed_url" envconfig:"FEED_URL" default:"https://api.github.com/repos/kerzz/boss/releases/latest"`
	CheckInterval   time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" default:"1h"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"15s"`
	DownloadTimeout time.Duration `yaml:"download_timeout" envconfig:"DOWNLOAD_TIMEOUT" default:"10m"`
	AutoInstall     bool          `yaml:"auto_install" envconfig:"AUTO_INSTALL" default:"false"`
}

// TransportConfig contains the local control API configuration.
// The API is only ever bound to loopback; the desktop GUI is its sole client.
type TransportConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" default:"127.0.0.1:8140"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/kerzz-core.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR"`
	StateFile string `yaml:"state_file" envconfig:"STATE_FILE" default:"license-state.dat"`
}

// Load loads configuration from environment variables and an optional config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KERZZ", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigFilePath returns the config file path, honoring KERZZ_CONFIG_FILE
func getConfigFilePath() string {
	if path := os.Getenv("KERZZ_CONFIG_FILE"); path != "" {
		return path
	}
	return "kerzz-core.yaml"
}

// mergeConfigs overlays non-zero file values onto the env-derived config.
// The file fills in what the environment left at its default.
func mergeConfigs(file, env Config) Config {
	merged := env

	if file.App.Name != "" {
		merged.App.Name = file.App.Name
	}
	if file.App.Version != "" {
		merged.App.Version = file.App.Version
	}
	if file.License.VerifyURL != "" {
		merged.License.VerifyURL = file.License.VerifyURL
	}
	if file.License.VerifyInterval != 0 {
		merged.License.VerifyInterval = file.License.VerifyInterval
	}
	if file.License.RequestTimeout != 0 {
		merged.License.RequestTimeout = file.License.RequestTimeout
	}
	if file.License.GraceWindow != 0 {
		merged.License.GraceWindow = file.License.GraceWindow
	}
	if file.License.DegradedGraceWindow != 0 {
		merged.License.DegradedGraceWindow = file.License.DegradedGraceWindow
	}
	if file.License.CacheTTL != 0 {
		merged.License.CacheTTL = file.License.CacheTTL
	}
	if file.License.RateLimitRPS != 0 {
		merged.License.RateLimitRPS = file.License.RateLimitRPS
	}
	if file.License.RateLimitBurst != 0 {
		merged.License.RateLimitBurst = file.License.RateLimitBurst
	}
	if file.License.PublicKeyHex != "" {
		merged.License.PublicKeyHex = file.License.PublicKeyHex
	}
	if file.Updater.FeedURL != "" {
		merged.Updater.FeedURL = file.Updater.FeedURL
	}
	if file.Updater.CheckInterval != 0 {
		merged.Updater.CheckInterval = file.Updater.CheckInterval
	}
	if file.Updater.RequestTimeout != 0 {
		merged.Updater.RequestTimeout = file.Updater.RequestTimeout
	}
	if file.Updater.DownloadTimeout != 0 {
		merged.Updater.DownloadTimeout = file.Updater.DownloadTimeout
	}
	if file.Updater.AutoInstall {
		merged.Updater.AutoInstall = true
	}
	if file.Transport.Addr != "" {
		merged.Transport.Addr = file.Transport.Addr
	}
	if file.Logging.Level != "" {
		merged.Logging.Level = file.Logging.Level
	}
	if file.Logging.Output != "" {
		merged.Logging.Output = file.Logging.Output
	}
	if file.Logging.FilePath != "" {
		merged.Logging.FilePath = file.Logging.FilePath
	}
	if file.Paths.DataDir != "" {
		merged.Paths.DataDir = file.Paths.DataDir
	}
	if file.Paths.StateFile != "" {
		merged.Paths.StateFile = file.Paths.StateFile
	}

	return merged
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.App.Version == "" {
		return fmt.Errorf("app version must not be empty")
	}
	for name, raw := range map[string]string{
		"license.verify_url": c.License.VerifyURL,
		"updater.feed_url":   c.Updater.FeedURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid URL: %q", name, raw)
		}
	}
	if c.License.GraceWindow <= 0 {
		return fmt.Errorf("license.grace_window must be positive")
	}
	if c.License.DegradedGraceWindow > c.License.GraceWindow {
		return fmt.Errorf("license.degraded_grace_window must not exceed license.grace_window")
	}
	if c.License.VerifyInterval < time.Minute {
		return fmt.Errorf("license.verify_interval must be at least 1m")
	}
	if c.Updater.CheckInterval < time.Minute {
		return fmt.Errorf("updater.check_interval must be at least 1m")
	}
	return nil
}
