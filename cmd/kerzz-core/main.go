// Command kerzz-core is the licensing and update core for the KERZZ BOSS
// desktop application. It runs alongside the GUI, serves the local control
// API, keeps the license verified, and applies binary updates.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kerzzcli/internal/app"
	"kerzzcli/internal/config"
	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/infrastructure"
	"kerzzcli/internal/license"
)

func main() {
	os.Exit(run())
}

func run() int {
	checkOnly := flag.Bool("check", false, "run one license verification cycle, print the status, and exit")
	updateOnly := flag.Bool("update", false, "check for an update, install it if found, and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create data directory: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(cfg.DownloadDir(), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create download directory: %v\n", err)
		return 1
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization failed: %v\n", err)
		return 1
	}
	defer infrastructure.CloseLogFile()

	application, err := app.New(cfg)
	if err != nil {
		logger.Error("failed to assemble application", slog.String("error", err.Error()))
		return 1
	}

	// A swapped-in binary that crashed before reporting healthy gets rolled
	// back before anything else runs.
	rolledBackFrom, err := application.Installer.RollbackIfNeeded()
	if err != nil {
		logger.Error("startup rollback check failed", slog.String("error", err.Error()))
	}
	if rolledBackFrom != "" {
		logger.Error("update rolled back, restart required",
			slog.String("failed_version", rolledBackFrom),
		)
		return apperrors.ExitUpdateFailedRolledBack
	}

	ctx := context.Background()

	if *checkOnly {
		return runCheck(ctx, application)
	}
	if *updateOnly {
		return runUpdate(ctx, application, logger)
	}
	return serve(ctx, application, logger)
}

// runCheck performs a single verification cycle and reports the verdict on
// stdout for scripted callers.
func runCheck(ctx context.Context, application *app.Application) int {
	status := application.Validator.EnsureLicensed(ctx)
	json.NewEncoder(os.Stdout).Encode(status)
	if status.Kind == license.StatusActive {
		return apperrors.ExitOK
	}
	return apperrors.ExitLicenseInvalid
}

// runUpdate performs a one-shot check-and-install.
func runUpdate(ctx context.Context, application *app.Application, logger *slog.Logger) int {
	err := application.InstallNow(ctx)
	switch {
	case err == nil:
		logger.Info("update installed, restart to apply")
		return apperrors.ExitOK
	case errors.Is(err, apperrors.ErrNoUpdateStaged):
		logger.Info("already on the latest version")
		return apperrors.ExitOK
	case errors.Is(err, apperrors.ErrUpdateInProgress):
		logger.Error("another update is already in progress")
		return apperrors.ExitUpdateInProgress
	case errors.Is(err, apperrors.ErrSwapFailure), errors.Is(err, apperrors.ErrRollbackFailed):
		logger.Error("update failed during swap", slog.String("error", err.Error()))
		return apperrors.ExitUpdateFailedRolledBack
	default:
		logger.Error("update failed", slog.String("error", err.Error()))
		return 1
	}
}

// serve runs the long-lived core: control API, scheduler, and event feed.
func serve(ctx context.Context, application *app.Application, logger *slog.Logger) int {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start(runCtx)
	}()

	// The process is up and serving: a freshly swapped binary is now
	// considered healthy and its rollback sentinel is consumed.
	application.Installer.MarkLaunchHealthy()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("control API failed", slog.String("error", err.Error()))
			application.Shutdown(context.Background())
			return 1
		}
	}

	application.Shutdown(context.Background())
	logger.Info("shutdown complete")
	return apperrors.ExitOK
}
