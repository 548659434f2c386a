package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kerzzcli/internal/errors"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func testRecord() *Record {
	expires := time.Now().UTC().AddDate(1, 0, 0)
	return &Record{
		LicenseKey: "KBSA2B3C4D5E6F7",
		MachineID:  "0123456789abcdef0123456789abcdef",
		IssuedAt:   time.Now().UTC(),
		ExpiresAt:  &expires,
		Features:   []string{"pos", "reports"},
	}
}

func TestEncodeDecodeToken_RoundTrip(t *testing.T) {
	pub, priv := testKeypair(t)
	rec := testRecord()

	token, err := EncodeToken(rec, priv)
	require.NoError(t, err)
	assert.Contains(t, token, ".")

	got, err := DecodeToken(token, pub)
	require.NoError(t, err)
	assert.Equal(t, rec.LicenseKey, got.LicenseKey)
	assert.Equal(t, rec.MachineID, got.MachineID)
	assert.Equal(t, rec.Features, got.Features)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, *rec.ExpiresAt, *got.ExpiresAt, time.Second)
}

func TestDecodeToken_SingleBitFlipRejected(t *testing.T) {
	pub, priv := testKeypair(t)

	token, err := EncodeToken(testRecord(), priv)
	require.NoError(t, err)

	parts := strings.SplitN(token, ".", 2)
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)

	// Flip one bit in every byte position of the payload; each variant
	// must fail verification.
	for i := range payload {
		mutated := make([]byte, len(payload))
		copy(mutated, payload)
		mutated[i] ^= 0x01

		bad := base64.RawURLEncoding.EncodeToString(mutated) + "." + parts[1]
		_, err := DecodeToken(bad, pub)
		assert.ErrorIs(t, err, apperrors.ErrTamperedOrCorrupt, "byte %d", i)
	}
}

func TestDecodeToken_Malformed(t *testing.T) {
	pub, priv := testKeypair(t)
	token, err := EncodeToken(testRecord(), priv)
	require.NoError(t, err)

	otherPub, _ := testKeypair(t)

	tests := []struct {
		name  string
		token string
		key   ed25519.PublicKey
	}{
		{"empty", "", pub},
		{"no separator", strings.ReplaceAll(token, ".", ""), pub},
		{"extra separator", token + ".extra", pub},
		{"payload not base64", "!!!." + strings.SplitN(token, ".", 2)[1], pub},
		{"signature not base64", strings.SplitN(token, ".", 2)[0] + ".!!!", pub},
		{"signature truncated", token[:len(token)-10], pub},
		{"wrong public key", token, otherPub},
		{"nil public key", token, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.token, tt.key)
			assert.ErrorIs(t, err, apperrors.ErrTamperedOrCorrupt)
		})
	}
}

func TestDecodeToken_IncompletePayloadRejected(t *testing.T) {
	pub, priv := testKeypair(t)

	rec := testRecord()
	rec.MachineID = ""
	// EncodeToken refuses incomplete records, so sign the payload manually.
	_, err := EncodeToken(rec, priv)
	assert.Error(t, err)

	payload := []byte(`{"license_key":"KBSA2B3C4D5E6F7"}`)
	sig := ed25519.Sign(priv, payload)
	token := base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)

	_, err = DecodeToken(token, pub)
	assert.ErrorIs(t, err, apperrors.ErrTamperedOrCorrupt)
}

func TestValidateKeyFormat(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid with dashes", "KBS-A2B3-C4D5-E6F7", false},
		{"valid without dashes", "KBSA2B3C4D5E6F7", false},
		{"wrong prefix", "ABC-A2B3-C4D5-E6F7", true},
		{"too short", "KBS-A2B3-C4D5", true},
		{"too long", "KBS-A2B3-C4D5-E6F7-G8H9", true},
		{"lowercase body", "KBS-a2b3-c4d5-e6f7", true},
		{"special characters", "KBS-A2B3-C4D5-E6!7", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyFormat(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeAndFormatKey(t *testing.T) {
	assert.Equal(t, "KBSA2B3C4D5E6F7", NormalizeKey("kbs-a2b3-c4d5-e6f7"))
	assert.Equal(t, "KBSA2B3C4D5E6F7", NormalizeKey("KBS A2B3 C4D5 E6F7"))
	assert.Equal(t, "KBS-A2B3-C4D5-E6F7", FormatKeyWithDashes("KBSA2B3C4D5E6F7"))
	// Wrong length keys are returned normalized but not re-grouped.
	assert.Equal(t, "KBSA2B3", FormatKeyWithDashes("KBS-A2B3"))
}

func TestMaskLicenseKey(t *testing.T) {
	masked := MaskLicenseKey("KBS-A2B3-C4D5-E6F7")
	assert.Equal(t, "KBSA*******E6F7", masked)
	assert.NotContains(t, masked, "C4D5")

	assert.Equal(t, "****", MaskLicenseKey("short"))
	assert.Equal(t, "****", MaskLicenseKey(""))
}

func TestParsePublicKey(t *testing.T) {
	pub, _ := testKeypair(t)

	parsed, err := ParsePublicKey(" " + hex.EncodeToString(pub) + "\n")
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)

	_, err = ParsePublicKey("not-hex")
	assert.Error(t, err)

	_, err = ParsePublicKey("abcd")
	assert.Error(t, err)
}
