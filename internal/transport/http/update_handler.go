package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/updater"
)

// UpdateService is the slice of the update subsystem the handlers need.
type UpdateService interface {
	// Snapshot returns the installer state plus the manifest of any
	// available-but-not-installed update.
	Snapshot() (updater.Progress, *updater.Manifest)
	// Install starts an install of the available update. It returns
	// ErrUpdateInProgress when one is running and ErrNoUpdateStaged when
	// there is nothing to install.
	Install(ctx context.Context) error
}

// UpdateHandler handles update endpoints of the control API.
type UpdateHandler struct {
	service UpdateService
	logger  *slog.Logger
}

// NewUpdateHandler creates an update handler.
func NewUpdateHandler(service UpdateService, logger *slog.Logger) *UpdateHandler {
	return &UpdateHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "update")),
	}
}

// UpdateStatusResponse describes install state and any pending update.
type UpdateStatusResponse struct {
	State            string    `json:"state"`
	Version          string    `json:"version,omitempty"`
	BytesDownloaded  int64     `json:"bytes_downloaded,omitempty"`
	TotalBytes       int64     `json:"total_bytes,omitempty"`
	Error            string    `json:"error,omitempty"`
	AvailableVersion string    `json:"available_version,omitempty"`
	Mandatory        bool      `json:"mandatory,omitempty"`
	ReleaseNotes     string    `json:"release_notes,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Routes returns the chi router for /api/update.
func (h *UpdateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/install", h.Install)

	return r
}

// GetStatus handles GET /api/update/status.
func (h *UpdateHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	progress, available := h.service.Snapshot()

	resp := UpdateStatusResponse{
		State:           progress.State,
		Version:         progress.Version,
		BytesDownloaded: progress.BytesDownloaded,
		TotalBytes:      progress.TotalBytes,
		Error:           progress.Error,
		Timestamp:       time.Now(),
	}
	if available != nil {
		resp.AvailableVersion = available.Version
		resp.Mandatory = available.Mandatory
		resp.ReleaseNotes = available.ReleaseNotes
	}
	render.JSON(w, r, resp)
}

// Install handles POST /api/update/install. The install runs in the
// background; the GUI follows progress over the websocket feed.
func (h *UpdateHandler) Install(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := h.service.Install(ctx)
	switch {
	case errors.Is(err, apperrors.ErrUpdateInProgress):
		render.Render(w, r, apperrors.ErrUpdateConflict)
		return
	case errors.Is(err, apperrors.ErrNoUpdateStaged):
		render.Render(w, r, apperrors.NotFoundError("update"))
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "install trigger failed",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.ErrInternalServer)
		return
	}

	h.logger.InfoContext(ctx, "install triggered via control API")
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"accepted": true})
}
