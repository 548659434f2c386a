// Package errors defines the error taxonomy shared by the license and update
// subsystems, plus the renderable API errors served by the local control API.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License errors (sentinel errors for errors.Is matching)
var (
	// ErrTamperedOrCorrupt marks a token that failed signature verification or
	// could not be parsed. Always fatal to trust, never retried.
	ErrTamperedOrCorrupt = errors.New("license token tampered or corrupt")

	ErrNoLicense        = errors.New("no license activated")
	ErrMachineMismatch  = errors.New("license bound to a different machine")
	ErrLicenseExpired   = errors.New("license expired")
	ErrLicenseRevoked   = errors.New("license revoked by authority")
	ErrInvalidKeyFormat = errors.New("invalid license key format")
	ErrRateLimited      = errors.New("too many verification attempts")

	// ErrNetworkUnreachable covers transport failures and non-2xx responses
	// from the licensing authority. Transient; retried next scheduled cycle.
	ErrNetworkUnreachable = errors.New("licensing authority unreachable")
)

// Update errors
var (
	// ErrChecksumMismatch marks a downloaded artifact whose digest does not
	// match the manifest. The artifact is discarded and never installed.
	ErrChecksumMismatch = errors.New("update artifact checksum mismatch")

	// ErrSwapFailure marks a failed binary replacement. Triggers automatic
	// rollback to the backup copy.
	ErrSwapFailure = errors.New("binary swap failed")

	ErrUpdateInProgress   = errors.New("an update is already in progress")
	ErrNoUpdateStaged     = errors.New("no update staged")
	ErrDownloadFailed     = errors.New("update download failed")
	ErrRollbackFailed     = errors.New("rollback to backup failed")
)

// Process exit codes surfaced to the caller of the core binary.
const (
	ExitOK                     = 0
	ExitLicenseInvalid         = 3
	ExitUpdateInProgress       = 4
	ExitUpdateFailedRolledBack = 5
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined API error responses for the control API
var (
	ErrInvalidRequest  = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrNotFound        = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrInternalServer  = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrUpdateConflict  = New(http.StatusConflict, "UPDATE_IN_PROGRESS", "An update is already in progress")
	ErrLicenseRequired = New(http.StatusPreconditionRequired, "NOT_ACTIVATED", "No license has been activated")
)

// ValidationError represents a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// FromLicenseError maps a license sentinel error to its API representation.
func FromLicenseError(err error) *APIError {
	switch {
	case errors.Is(err, ErrTamperedOrCorrupt):
		return New(http.StatusBadRequest, "INVALID_LICENSE_TOKEN", "The provided license token is invalid or corrupt")
	case errors.Is(err, ErrInvalidKeyFormat):
		return New(http.StatusBadRequest, "INVALID_FORMAT", "The provided license key is malformed")
	case errors.Is(err, ErrMachineMismatch):
		return New(http.StatusForbidden, "MACHINE_MISMATCH", "This license is registered to a different machine")
	case errors.Is(err, ErrLicenseRevoked):
		return New(http.StatusForbidden, "LICENSE_REVOKED", "This license has been revoked")
	case errors.Is(err, ErrLicenseExpired):
		return New(http.StatusForbidden, "LICENSE_EXPIRED", "Your license has expired. Please renew to continue")
	case errors.Is(err, ErrNoLicense):
		return ErrLicenseRequired
	case errors.Is(err, ErrRateLimited):
		return New(http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts. Please try again later")
	case errors.Is(err, ErrNetworkUnreachable):
		return New(http.StatusServiceUnavailable, "NETWORK_ERROR", "Unable to reach the licensing server")
	default:
		return NewWithDetails(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "An unexpected error occurred", err.Error())
	}
}

// NotFoundError creates a not found error for the given resource
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), resource)
}
