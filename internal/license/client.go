package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	apperrors "kerzzcli/internal/errors"
)

// Remote verification statuses returned by the licensing authority.
const (
	StatusValid   = "valid"
	StatusRevoked = "revoked"
	StatusUnknown = "unknown"
)

// VerifyRequest is the payload sent to the licensing authority.
type VerifyRequest struct {
	LicenseKey     string `json:"license_key"`
	MachineID      string `json:"machine_id"`
	CurrentVersion string `json:"current_version"`
}

// VerifyResponse is the authority's answer.
type VerifyResponse struct {
	Status     string    `json:"status"`
	Features   []string  `json:"features,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// AuthorityClient talks to the remote licensing authority. Transport
// failures and non-2xx responses are both reported as ErrNetworkUnreachable:
// the authority has not said anything definitive, so cached trust applies.
type AuthorityClient struct {
	verifyURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewAuthorityClient creates a client with the given request timeout and a
// local rate limit on outbound verification calls.
func NewAuthorityClient(verifyURL string, timeout time.Duration, rps float64, burst int, logger *slog.Logger) *AuthorityClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorityClient{
		verifyURL:  verifyURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger.With(slog.String("component", "license.client")),
	}
}

// Verify calls the remote verification endpoint.
func (c *AuthorityClient) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	if !c.limiter.Allow() {
		return nil, fmt.Errorf("verification call suppressed: %w", apperrors.ErrRateLimited)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "verification request failed",
			slog.String("license_key", MaskLicenseKey(req.LicenseKey)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("verification transport failure: %w", apperrors.ErrNetworkUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "verification endpoint returned error status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("license_key", MaskLicenseKey(req.LicenseKey)),
		)
		return nil, fmt.Errorf("verification returned status %d: %w", resp.StatusCode, apperrors.ErrNetworkUnreachable)
	}

	var verifyResp VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verifyResp); err != nil {
		return nil, fmt.Errorf("verification response unparseable: %w", apperrors.ErrNetworkUnreachable)
	}

	c.logger.InfoContext(ctx, "remote verification completed",
		slog.String("license_key", MaskLicenseKey(req.LicenseKey)),
		slog.String("status", verifyResp.Status),
		slog.Duration("duration", time.Since(start)),
	)

	return &verifyResp, nil
}
