// Package app assembles the licensing and update core: it wires the
// fingerprint generator, license validator, update pipeline, background
// scheduler, websocket hub, and local control API into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kerzzcli/internal/config"
	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/fingerprint"
	"kerzzcli/internal/infrastructure"
	"kerzzcli/internal/license"
	"kerzzcli/internal/scheduler"
	transport "kerzzcli/internal/transport/http"
	"kerzzcli/internal/updater"
	ws "kerzzcli/internal/websocket"
)

// Task names registered with the scheduler.
const (
	TaskLicenseVerify = "license-verify"
	TaskUpdateCheck   = "update-check"
)

// Application is the composed core process.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Telemetry *infrastructure.Telemetry

	Validator *license.Validator
	Checker   *updater.Checker
	Installer *updater.Installer
	Scheduler *scheduler.Scheduler
	Hub       *ws.Hub
	Server    *transport.Server

	updateMetrics *updater.Metrics

	// available is the manifest of the newest known uninstalled update.
	availableMu sync.Mutex
	available   *updater.Manifest

	lastStatusMu sync.Mutex
	lastStatus   license.StatusKind
}

// New builds the application from configuration. The logger and data
// directory must already be initialized.
func New(cfg *config.Config) (*Application, error) {
	logger := infrastructure.GetLogger()

	telemetry, err := infrastructure.InitTelemetry(cfg.App.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	licenseMetrics, err := license.NewMetrics(telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}
	updateMetrics, err := updater.NewMetrics(telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create update metrics: %w", err)
	}

	publicKey, err := license.ParsePublicKey(cfg.License.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("license public key: %w", err)
	}

	fingerprints := fingerprint.NewGenerator(logger)
	fp, err := fingerprints.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint machine: %w", err)
	}

	store := license.NewStore(cfg.StatePath(), fp.ID, logger)
	authority := license.NewAuthorityClient(
		cfg.License.VerifyURL,
		cfg.License.RequestTimeout,
		cfg.License.RateLimitRPS,
		cfg.License.RateLimitBurst,
		logger,
	)

	validator := license.NewValidator(license.ValidatorOptions{
		Store:               store,
		Client:              authority,
		Fingerprints:        fingerprints,
		PublicKey:           publicKey,
		GraceWindow:         cfg.License.GraceWindow,
		DegradedGraceWindow: cfg.License.DegradedGraceWindow,
		CacheTTL:            cfg.License.CacheTTL,
		CurrentVersion:      cfg.App.Version,
		Metrics:             licenseMetrics,
		Logger:              logger,
	})

	hub := ws.NewHub(logger)

	checker := updater.NewChecker(cfg.Updater.FeedURL, cfg.App.Version, cfg.Updater.RequestTimeout, updateMetrics, logger)
	installer, err := updater.NewInstaller(updater.InstallerOptions{
		DataDir:         cfg.DownloadDir(),
		CurrentVersion:  cfg.App.Version,
		DownloadTimeout: cfg.Updater.DownloadTimeout,
		Logger:          logger,
		Metrics:         updateMetrics,
		OnProgress: func(p updater.Progress) {
			hub.Broadcast(ws.TypeUpdateProgress, p)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create installer: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Telemetry:     telemetry,
		Validator:     validator,
		Checker:       checker,
		Installer:     installer,
		Hub:           hub,
		updateMetrics: updateMetrics,
		lastStatus:    license.StatusNoLicense,
	}

	app.Scheduler = scheduler.New(logger)
	app.Scheduler.Register(&scheduler.Task{
		Name:       TaskLicenseVerify,
		Interval:   cfg.License.VerifyInterval,
		RunOnStart: true,
		Fn:         app.verifyLicenseCycle,
	})
	app.Scheduler.Register(&scheduler.Task{
		Name:       TaskUpdateCheck,
		Interval:   cfg.Updater.CheckInterval,
		RunOnStart: true,
		Fn:         app.updateCheckCycle,
	})

	app.Server = transport.NewServer(transport.ServerOptions{
		Addr:         cfg.Transport.Addr,
		License:      validator,
		Updates:      app,
		Hub:          hub,
		Registry:     telemetry.Registry,
		Version:      cfg.App.Version,
		Logger:       logger,
		ReadTimeout:  cfg.Transport.ReadTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
		IdleTimeout:  cfg.Transport.IdleTimeout,
	})

	return app, nil
}

// Start launches the hub, scheduler, and control API listener. It returns
// when the listener stops.
func (a *Application) Start(ctx context.Context) error {
	a.Hub.Start()
	a.Scheduler.Start(ctx)
	return a.Server.Start()
}

// Shutdown stops background work and drains the control API.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Transport.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("control API shutdown failed", slog.String("error", err.Error()))
	}
	a.Scheduler.Stop()
	a.Hub.Stop()
	a.Validator.Close()
	if err := a.Telemetry.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
}

// verifyLicenseCycle is the scheduled license verification task. Status
// transitions are pushed to the GUI.
func (a *Application) verifyLicenseCycle(ctx context.Context) error {
	status := a.Validator.EnsureLicensed(ctx)

	a.lastStatusMu.Lock()
	changed := status.Kind != a.lastStatus
	a.lastStatus = status.Kind
	a.lastStatusMu.Unlock()

	if changed {
		a.Logger.InfoContext(ctx, "license status changed",
			slog.String("status", status.Kind.String()),
			slog.Bool("degraded", status.Degraded),
		)
		a.Hub.Broadcast(ws.TypeLicenseStatus, status)
	}
	return nil
}

// updateCheckCycle is the scheduled update check task. A newly discovered
// update is announced to the GUI; mandatory updates (and any update when
// auto-install is on) are installed immediately.
func (a *Application) updateCheckCycle(ctx context.Context) error {
	manifest := a.Checker.CheckForUpdate(ctx)
	if manifest == nil {
		return nil
	}

	a.availableMu.Lock()
	a.available = manifest
	a.availableMu.Unlock()

	if a.Checker.ShouldNotify(manifest) {
		a.Hub.Broadcast(ws.TypeUpdateAvailable, manifest)
	}

	if manifest.Mandatory || a.Config.Updater.AutoInstall {
		if err := a.installManifest(ctx, manifest); err != nil {
			return fmt.Errorf("auto install of %s: %w", manifest.Version, err)
		}
	}
	return nil
}

// Snapshot implements transport.UpdateService.
func (a *Application) Snapshot() (updater.Progress, *updater.Manifest) {
	_, progress := a.Installer.Snapshot()
	a.availableMu.Lock()
	available := a.available
	a.availableMu.Unlock()
	return progress, available
}

// Install implements transport.UpdateService: it installs the currently
// known available update in the background.
func (a *Application) Install(ctx context.Context) error {
	a.availableMu.Lock()
	manifest := a.available
	a.availableMu.Unlock()
	if manifest == nil {
		return apperrors.ErrNoUpdateStaged
	}
	if a.Installer.Installing() {
		return apperrors.ErrUpdateInProgress
	}

	go func() {
		// Detach from the request context; the install must outlive it.
		installCtx, cancel := context.WithTimeout(context.Background(), a.Config.Updater.DownloadTimeout+time.Minute)
		defer cancel()
		if err := a.installManifest(installCtx, manifest); err != nil {
			a.Logger.Error("background install failed",
				slog.String("version", manifest.Version),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// InstallNow runs a one-shot check-and-install. Used by the command line
// update mode.
func (a *Application) InstallNow(ctx context.Context) error {
	manifest := a.Checker.CheckForUpdate(ctx)
	if manifest == nil {
		return apperrors.ErrNoUpdateStaged
	}
	return a.installManifest(ctx, manifest)
}

func (a *Application) installManifest(ctx context.Context, manifest *updater.Manifest) error {
	if err := a.Installer.Install(ctx, manifest); err != nil {
		return err
	}
	a.availableMu.Lock()
	if a.available != nil && a.available.Version == manifest.Version {
		a.available = nil
	}
	a.availableMu.Unlock()
	return nil
}
