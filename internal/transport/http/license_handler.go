package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/license"
)

// LicenseService is the slice of the license validator the handlers need.
type LicenseService interface {
	EnsureLicensed(ctx context.Context) license.Status
	Activate(ctx context.Context, token string) (license.Status, error)
	Deactivate(ctx context.Context) error
	RenewalStatus() (*license.RenewalInfo, error)
	CurrentRecord() (*license.Record, error)
}

// LicenseHandler handles license endpoints of the control API.
type LicenseHandler struct {
	service  LicenseService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the activation payload from the GUI.
type ActivationRequest struct {
	Token string `json:"token" validate:"required,min=32"`
}

// Bind implements render.Binder.
func (a *ActivationRequest) Bind(r *http.Request) error {
	return nil
}

// StatusResponse is the license status payload returned to the GUI.
type StatusResponse struct {
	Status     string     `json:"status"`
	Features   []string   `json:"features,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
	Degraded   bool       `json:"degraded"`
	LicenseKey string     `json:"license_key,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Routes returns the chi router for /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/renewal", h.GetRenewal)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)

	return r
}

// GetStatus handles GET /api/license/status. It runs a full verification
// cycle; the validator's cache keeps repeated GUI polls cheap.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.service.EnsureLicensed(ctx)

	resp := h.statusResponse(status)
	h.logger.DebugContext(ctx, "license status served",
		slog.String("status", resp.Status),
		slog.Bool("degraded", resp.Degraded),
	)
	render.JSON(w, r, resp)
}

// GetRenewal handles GET /api/license/renewal.
func (h *LicenseHandler) GetRenewal(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.RenewalStatus()
	if err != nil {
		render.Render(w, r, apperrors.FromLicenseError(err))
		return
	}
	render.JSON(w, r, info)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			render.Render(w, r, apperrors.ErrValidation(errs[0].Field(), "failed "+errs[0].Tag()+" validation"))
			return
		}
		render.Render(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	status, err := h.service.Activate(ctx, req.Token)
	if err != nil {
		h.logger.WarnContext(ctx, "activation rejected",
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.FromLicenseError(err))
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("status", status.Kind.String()),
		slog.Bool("degraded", status.Degraded),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, h.statusResponse(status))
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Deactivate(ctx); err != nil {
		render.Render(w, r, apperrors.FromLicenseError(err))
		return
	}
	h.logger.InfoContext(ctx, "license deactivated")
	render.JSON(w, r, map[string]any{"success": true})
}

func (h *LicenseHandler) statusResponse(status license.Status) StatusResponse {
	resp := StatusResponse{
		Status:     status.Kind.String(),
		Features:   status.Features,
		Reason:     status.Reason,
		GraceUntil: status.GraceUntil,
		Degraded:   status.Degraded,
		Timestamp:  time.Now(),
	}
	// The key is shown masked in the GUI's about dialog.
	if rec, err := h.service.CurrentRecord(); err == nil {
		resp.LicenseKey = license.MaskLicenseKey(rec.LicenseKey)
		resp.ExpiresAt = rec.ExpiresAt
	}
	return resp
}
