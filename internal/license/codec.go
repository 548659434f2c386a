package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "kerzzcli/internal/errors"
)

// License key format: KBS-XXXX-XXXX-XXXX (KBS + 12 alphanumeric characters).
const (
	KeyPrefix = "KBS"
	keyLength = 15 // KBS + 12 chars, dashes stripped
)

// Record is the signed license payload issued by the licensing authority.
// It is read-only on the client and replaced wholesale on re-activation or
// renewal, never partially mutated.
type Record struct {
	LicenseKey string     `json:"license_key"`
	MachineID  string     `json:"machine_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Features   []string   `json:"features,omitempty"`
}

// DecodeToken parses and verifies a license token. The signature is checked
// before any field of the record is trusted; every failure mode collapses to
// ErrTamperedOrCorrupt so callers cannot distinguish tampering from
// corruption. Expiry is deliberately not checked here: that is validator
// policy, not codec concern.
func DecodeToken(token string, pub ed25519.PublicKey) (*Record, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verification key has wrong size: %w", apperrors.ErrTamperedOrCorrupt)
	}

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("token structure invalid: %w", apperrors.ErrTamperedOrCorrupt)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("token payload not decodable: %w", apperrors.ErrTamperedOrCorrupt)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("token signature not decodable: %w", apperrors.ErrTamperedOrCorrupt)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("token signature has wrong size: %w", apperrors.ErrTamperedOrCorrupt)
	}

	if !ed25519.Verify(pub, payload, sig) {
		return nil, fmt.Errorf("token signature verification failed: %w", apperrors.ErrTamperedOrCorrupt)
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("token payload not parseable: %w", apperrors.ErrTamperedOrCorrupt)
	}
	if rec.LicenseKey == "" || rec.MachineID == "" || rec.IssuedAt.IsZero() {
		return nil, fmt.Errorf("token payload incomplete: %w", apperrors.ErrTamperedOrCorrupt)
	}

	return &rec, nil
}

// EncodeToken signs a record and produces a portable token. Only the issuing
// authority holds the private key; the client never calls this outside tests.
func EncodeToken(rec *Record, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signing key has wrong size")
	}
	if rec.LicenseKey == "" || rec.MachineID == "" {
		return "", fmt.Errorf("record is missing required fields")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	sig := ed25519.Sign(priv, payload)

	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public verification key.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("public key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ValidateKeyFormat validates the scratch-card style license key format.
func ValidateKeyFormat(licenseKey string) error {
	cleanKey := strings.ReplaceAll(licenseKey, "-", "")

	if !strings.HasPrefix(cleanKey, KeyPrefix) {
		return fmt.Errorf("license key must start with %q: %w", KeyPrefix, apperrors.ErrInvalidKeyFormat)
	}
	if len(cleanKey) != keyLength {
		return fmt.Errorf("license key must be %d characters without dashes: %w", keyLength, apperrors.ErrInvalidKeyFormat)
	}
	for _, char := range cleanKey[len(KeyPrefix):] {
		if !((char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9')) {
			return fmt.Errorf("license key must contain only uppercase letters and numbers: %w", apperrors.ErrInvalidKeyFormat)
		}
	}
	return nil
}

// NormalizeKey strips dashes and spaces and uppercases a license key.
func NormalizeKey(licenseKey string) string {
	cleanKey := strings.ReplaceAll(strings.ReplaceAll(licenseKey, "-", ""), " ", "")
	return strings.ToUpper(cleanKey)
}

// FormatKeyWithDashes formats a key as KBS-XXXX-XXXX-XXXX for display.
func FormatKeyWithDashes(licenseKey string) string {
	cleanKey := NormalizeKey(licenseKey)
	if len(cleanKey) != keyLength {
		return cleanKey
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		cleanKey[:3],
		cleanKey[3:7],
		cleanKey[7:11],
		cleanKey[11:15],
	)
}

// MaskLicenseKey hides the middle of a key for log output.
func MaskLicenseKey(key string) string {
	cleanKey := NormalizeKey(key)
	if len(cleanKey) < 8 {
		return "****"
	}
	return cleanKey[:4] + strings.Repeat("*", len(cleanKey)-8) + cleanKey[len(cleanKey)-4:]
}
