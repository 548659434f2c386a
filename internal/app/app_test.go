package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerzzcli/internal/config"
	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/license"
	"kerzzcli/internal/updater"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &config.Config{
		App: config.AppConfig{Name: "kerzz-boss-test", Version: "3.0.0"},
		License: config.LicenseConfig{
			VerifyURL:           "http://127.0.0.1:1/verify",
			VerifyInterval:      time.Hour,
			RequestTimeout:      time.Second,
			GraceWindow:         168 * time.Hour,
			DegradedGraceWindow: 84 * time.Hour,
			CacheTTL:            time.Minute,
			RateLimitRPS:        100,
			RateLimitBurst:      10,
			PublicKeyHex:        hex.EncodeToString(pub),
		},
		Updater: config.UpdaterConfig{
			FeedURL:         "http://127.0.0.1:1/feed",
			CheckInterval:   time.Hour,
			RequestTimeout:  time.Second,
			DownloadTimeout: time.Minute,
		},
		Transport: config.TransportConfig{
			Addr:            "127.0.0.1:0",
			ShutdownTimeout: time.Second,
		},
		Logging: config.LoggingConfig{Level: "error", Output: "console"},
		Paths:   config.PathsConfig{DataDir: t.TempDir(), StateFile: "license-state.dat"},
	}
}

func TestNew_AssemblesApplication(t *testing.T) {
	application, err := New(testConfig(t))
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	assert.NotNil(t, application.Validator)
	assert.NotNil(t, application.Checker)
	assert.NotNil(t, application.Installer)
	assert.NotNil(t, application.Scheduler)
	assert.NotNil(t, application.Server)

	progress, available := application.Snapshot()
	assert.Equal(t, "idle", progress.State)
	assert.Nil(t, available)
}

func TestNew_RejectsBadPublicKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.License.PublicKeyHex = "not-hex"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg.License.PublicKeyHex = ""
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestApplication_InstallWithoutAvailableUpdate(t *testing.T) {
	application, err := New(testConfig(t))
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	err = application.Install(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoUpdateStaged)
}

func TestApplication_UpdateCheckCycleRecordsAvailable(t *testing.T) {
	release := updater.Release{
		TagName: "3.1.0",
		Body:    "Fixes",
		Assets: []updater.Asset{{
			Name:               "kerzz-boss-" + platformTag() + "-amd64",
			BrowserDownloadURL: "https://example.com/download",
			Size:               10,
			Digest:             "sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc",
		}},
	}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(release)
	}))
	defer feed.Close()

	cfg := testConfig(t)
	cfg.Updater.FeedURL = feed.URL
	application, err := New(cfg)
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	require.NoError(t, application.updateCheckCycle(context.Background()))

	_, available := application.Snapshot()
	require.NotNil(t, available)
	assert.Equal(t, "3.1.0", available.Version)
	assert.False(t, available.Mandatory)
}

func TestApplication_VerifyCycleWithUnreachableAuthority(t *testing.T) {
	application, err := New(testConfig(t))
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	// No license stored and the authority is a dead address: the cycle
	// must still resolve without error.
	require.NoError(t, application.verifyLicenseCycle(context.Background()))

	status := application.Validator.EnsureLicensed(context.Background())
	assert.Equal(t, license.StatusNoLicense, status.Kind)
}

func platformTag() string {
	if runtime.GOOS == "darwin" {
		return "macos"
	}
	return runtime.GOOS
}
