package license

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	apperrors "kerzzcli/internal/errors"
	"kerzzcli/internal/fingerprint"
)

// StatusKind enumerates the possible answers to "is this installation
// licensed right now".
type StatusKind int

const (
	StatusNoLicense StatusKind = iota
	StatusInvalid
	StatusGraceExpired
	StatusActive
)

// String implements fmt.Stringer.
func (k StatusKind) String() string {
	switch k {
	case StatusActive:
		return "active"
	case StatusGraceExpired:
		return "grace_expired"
	case StatusInvalid:
		return "invalid"
	default:
		return "no_license"
	}
}

// Status is the validator's verdict for one verification cycle.
type Status struct {
	Kind       StatusKind `json:"kind"`
	Features   []string   `json:"features,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	GraceUntil *time.Time `json:"grace_until,omitempty"`
	// Degraded is set when the verdict rests on cached trust (authority
	// unreachable, within the offline grace window) or on a degraded
	// machine fingerprint.
	Degraded bool `json:"degraded,omitempty"`
}

// RenewalInfo describes how close the license is to expiry.
type RenewalInfo struct {
	DaysLeft     int    `json:"days_left"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	NeedsRenewal bool   `json:"needs_renewal"`
	IsExpired    bool   `json:"is_expired"`
}

// renewalWarningDays is how many days before expiry the renewal nag starts.
const renewalWarningDays = 30

// Validator combines fingerprint, codec, store, and the remote authority to
// answer licensing questions. It is the sole owner of the persisted
// VerificationState.
type Validator struct {
	store          *Store
	client         *AuthorityClient
	fingerprints   *fingerprint.Generator
	cache          *ValidationCache
	publicKey      ed25519.PublicKey
	graceWindow    time.Duration
	degradedGrace  time.Duration
	currentVersion string
	metrics        *Metrics
	logger         *slog.Logger

	// now is a test seam for clock-dependent grace arithmetic.
	now func() time.Time
}

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	Store               *Store
	Client              *AuthorityClient
	Fingerprints        *fingerprint.Generator
	PublicKey           ed25519.PublicKey
	GraceWindow         time.Duration
	DegradedGraceWindow time.Duration
	CacheTTL            time.Duration
	CurrentVersion      string
	Metrics             *Metrics
	Logger              *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(opts ValidatorOptions) *Validator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	graceWindow := opts.GraceWindow
	if graceWindow <= 0 {
		graceWindow = 7 * 24 * time.Hour
	}
	degradedGrace := opts.DegradedGraceWindow
	if degradedGrace <= 0 || degradedGrace > graceWindow {
		degradedGrace = graceWindow / 2
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &Validator{
		store:          opts.Store,
		client:         opts.Client,
		fingerprints:   opts.Fingerprints,
		cache:          NewValidationCache(cacheTTL, 16),
		publicKey:      opts.PublicKey,
		graceWindow:    graceWindow,
		degradedGrace:  degradedGrace,
		currentVersion: opts.CurrentVersion,
		metrics:        opts.Metrics,
		logger:         logger.With(slog.String("component", "license.validator")),
		now:            time.Now,
	}
}

// EnsureLicensed runs one verification cycle and returns the resulting
// status. It never returns an error: every failure path resolves to a
// defined status the GUI can render.
func (v *Validator) EnsureLicensed(ctx context.Context) Status {
	start := v.now()
	status := v.runCycle(ctx)
	v.metrics.RecordVerification(ctx, status.Kind.String(), v.now().Sub(start))
	return status
}

func (v *Validator) runCycle(ctx context.Context) Status {
	state := v.store.Load()
	if state.Token == "" {
		return Status{Kind: StatusNoLicense, Reason: "no license token stored"}
	}

	rec, err := DecodeToken(state.Token, v.publicKey)
	if err != nil {
		v.logger.WarnContext(ctx, "stored token failed verification",
			slog.String("error", err.Error()),
		)
		return Status{Kind: StatusInvalid, Reason: "license token tampered or corrupt"}
	}

	if cached, ok := v.cache.Get(rec.LicenseKey); ok {
		return cached
	}

	fp, err := v.fingerprints.Generate()
	if err != nil {
		// Generate never fails in practice; treat a hard failure as a
		// fully degraded fingerprint rather than denying service.
		fp = &fingerprint.Fingerprint{Degraded: true}
	}

	// Binding mismatch is never transiently tolerated: no grace, no cache.
	if rec.MachineID != fp.ID {
		v.logger.WarnContext(ctx, "license bound to a different machine",
			slog.String("license_key", MaskLicenseKey(rec.LicenseKey)),
		)
		v.persistOutcome(ctx, state, OutcomeInvalid, nil)
		return Status{Kind: StatusInvalid, Reason: "machine binding mismatch"}
	}

	grace := v.graceWindow
	if fp.Degraded {
		grace = v.degradedGrace
	}

	resp, verifyErr := v.client.Verify(ctx, VerifyRequest{
		LicenseKey:     rec.LicenseKey,
		MachineID:      rec.MachineID,
		CurrentVersion: v.currentVersion,
	})

	if verifyErr == nil {
		switch resp.Status {
		case StatusValid:
			now := v.now()
			graceUntil := now.Add(grace)
			state.LastVerifiedAt = &now
			state.LastOutcome = OutcomeValid
			state.OfflineGraceUntil = &graceUntil
			if err := v.store.Save(state); err != nil {
				v.logger.ErrorContext(ctx, "failed to persist verification state",
					slog.String("error", err.Error()),
				)
			}
			status := Status{
				Kind:       StatusActive,
				Features:   resp.Features,
				GraceUntil: &graceUntil,
				Degraded:   fp.Degraded,
			}
			v.cache.Set(rec.LicenseKey, status)
			return status

		case StatusRevoked:
			// Authoritative: overrides any cached trust, immediately.
			v.cache.Invalidate(rec.LicenseKey)
			v.persistOutcome(ctx, state, OutcomeInvalid, nil)
			v.logger.WarnContext(ctx, "license revoked by authority",
				slog.String("license_key", MaskLicenseKey(rec.LicenseKey)),
			)
			return Status{Kind: StatusInvalid, Reason: "license revoked"}

		default:
			// The authority answered but committed to nothing.
			verifyErr = apperrors.ErrNetworkUnreachable
		}
	}

	// Unreachable: fall back to cached trust within the grace window.
	v.persistOutcome(ctx, state, OutcomeUnreachable, state.OfflineGraceUntil)

	now := v.now()
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return Status{Kind: StatusGraceExpired, Reason: "license expired without successful reverification"}
	}
	if state.OfflineGraceUntil != nil && !now.After(*state.OfflineGraceUntil) {
		v.logger.InfoContext(ctx, "authority unreachable, trusting cached verification",
			slog.String("error", verifyErr.Error()),
			slog.Time("grace_until", *state.OfflineGraceUntil),
		)
		return Status{
			Kind:       StatusActive,
			Features:   rec.Features,
			GraceUntil: state.OfflineGraceUntil,
			Degraded:   true,
			Reason:     "offline grace",
		}
	}
	return Status{Kind: StatusGraceExpired, Reason: "offline grace window exhausted"}
}

// Activate imports a user-supplied license token: decode, bind to this
// machine, verify remotely, persist. On authority unreachability the token
// is persisted with one fresh grace window so activation works offline at
// install time; the next reachable cycle settles the truth.
func (v *Validator) Activate(ctx context.Context, token string) (Status, error) {
	rec, err := DecodeToken(token, v.publicKey)
	if err != nil {
		v.metrics.RecordActivation(ctx, false)
		return Status{Kind: StatusInvalid, Reason: "token tampered or corrupt"}, err
	}

	if err := ValidateKeyFormat(rec.LicenseKey); err != nil {
		v.metrics.RecordActivation(ctx, false)
		return Status{Kind: StatusInvalid, Reason: "malformed license key"}, err
	}

	fp, err := v.fingerprints.Generate()
	if err != nil {
		fp = &fingerprint.Fingerprint{Degraded: true}
	}
	if rec.MachineID != fp.ID {
		v.metrics.RecordActivation(ctx, false)
		return Status{Kind: StatusInvalid, Reason: "machine binding mismatch"},
			fmt.Errorf("token issued for another machine: %w", apperrors.ErrMachineMismatch)
	}

	grace := v.graceWindow
	if fp.Degraded {
		grace = v.degradedGrace
	}

	now := v.now()
	state := &VerificationState{Token: token}

	resp, verifyErr := v.client.Verify(ctx, VerifyRequest{
		LicenseKey:     rec.LicenseKey,
		MachineID:      rec.MachineID,
		CurrentVersion: v.currentVersion,
	})

	if verifyErr == nil && resp.Status == StatusRevoked {
		v.metrics.RecordActivation(ctx, false)
		return Status{Kind: StatusInvalid, Reason: "license revoked"},
			fmt.Errorf("authority refused activation: %w", apperrors.ErrLicenseRevoked)
	}

	graceUntil := now.Add(grace)
	state.OfflineGraceUntil = &graceUntil

	status := Status{
		Kind:       StatusActive,
		GraceUntil: &graceUntil,
		Degraded:   fp.Degraded,
	}

	if verifyErr == nil && resp.Status == StatusValid {
		state.LastVerifiedAt = &now
		state.LastOutcome = OutcomeValid
		status.Features = resp.Features
	} else {
		state.LastOutcome = OutcomeUnreachable
		status.Features = rec.Features
		status.Degraded = true
		v.logger.WarnContext(ctx, "activated without remote confirmation",
			slog.String("license_key", MaskLicenseKey(rec.LicenseKey)),
		)
	}

	if err := v.store.Save(state); err != nil {
		v.metrics.RecordActivation(ctx, false)
		return Status{Kind: StatusInvalid, Reason: "failed to persist license"}, err
	}

	v.cache.Set(rec.LicenseKey, status)
	v.metrics.RecordActivation(ctx, true)
	v.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", MaskLicenseKey(rec.LicenseKey)),
		slog.Bool("remote_confirmed", verifyErr == nil && resp != nil && resp.Status == StatusValid),
	)

	return status, nil
}

// Deactivate removes the stored license and its cached verdicts.
func (v *Validator) Deactivate(ctx context.Context) error {
	state := v.store.Load()
	if state.Token != "" {
		if rec, err := DecodeToken(state.Token, v.publicKey); err == nil {
			v.cache.Invalidate(rec.LicenseKey)
		}
	}
	if err := v.store.Clear(); err != nil {
		return err
	}
	v.logger.InfoContext(ctx, "license deactivated")
	return nil
}

// CurrentRecord returns the decoded stored record, or ErrNoLicense.
func (v *Validator) CurrentRecord() (*Record, error) {
	state := v.store.Load()
	if state.Token == "" {
		return nil, apperrors.ErrNoLicense
	}
	return DecodeToken(state.Token, v.publicKey)
}

// RenewalStatus reports days remaining until expiry for the stored license.
func (v *Validator) RenewalStatus() (*RenewalInfo, error) {
	rec, err := v.CurrentRecord()
	if err != nil {
		return nil, err
	}
	if rec.ExpiresAt == nil {
		return &RenewalInfo{
			DaysLeft: -1,
			Status:   "perpetual",
			Message:  "License does not expire",
		}, nil
	}

	daysLeft := int(rec.ExpiresAt.Sub(v.now()).Hours() / 24)
	info := &RenewalInfo{DaysLeft: daysLeft}

	switch {
	case daysLeft < 0:
		info.Status = "expired"
		info.Message = "License has expired. Please renew to continue"
		info.NeedsRenewal = true
		info.IsExpired = true
	case daysLeft <= renewalWarningDays:
		info.Status = "expiring"
		info.Message = fmt.Sprintf("License expires in %d days", daysLeft)
		info.NeedsRenewal = true
	default:
		info.Status = "active"
		info.Message = fmt.Sprintf("License valid for %d more days", daysLeft)
	}
	return info, nil
}

// persistOutcome records a verification outcome without touching the token.
func (v *Validator) persistOutcome(ctx context.Context, state *VerificationState, outcome Outcome, graceUntil *time.Time) {
	state.LastOutcome = outcome
	state.OfflineGraceUntil = graceUntil
	if err := v.store.Save(state); err != nil {
		v.logger.ErrorContext(ctx, "failed to persist verification outcome",
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases validator resources.
func (v *Validator) Close() {
	v.cache.Stop()
}
