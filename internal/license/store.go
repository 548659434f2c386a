package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// Outcome is the result of the most recent remote verification attempt.
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeUnreachable Outcome = "unreachable"
)

// VerificationState is the persisted last-known-good license state. It is
// owned exclusively by the Validator; nothing else mutates it.
type VerificationState struct {
	Token             string     `json:"token,omitempty"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	LastOutcome       Outcome    `json:"last_outcome,omitempty"`
	OfflineGraceUntil *time.Time `json:"offline_grace_until,omitempty"`
}

// scrypt parameters, OWASP recommended minimums for interactive use.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	nonceSize    = 12
	saltSize     = 32
)

// appSalt is mixed into the key derivation so state files are not portable
// between applications even on the same machine.
var appSalt = []byte("kerzz-boss-state-v1")

// encryptedEnvelope is the on-disk state file layout.
type encryptedEnvelope struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	SavedAt    int64  `json:"saved_at"`
}

// Store persists VerificationState encrypted at rest, bound to the machine
// fingerprint so a copied state file is useless on another machine.
type Store struct {
	path      string
	machineID string
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewStore creates a store writing to path, keyed to the given machine id.
func NewStore(path, machineID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:      path,
		machineID: machineID,
		logger:    logger.With(slog.String("component", "license.store")),
	}
}

// Load reads the persisted state. A missing, corrupt, or undecryptable file
// yields the default empty state; Load never fails its caller.
func (s *Store) Load() *VerificationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable, starting empty",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return &VerificationState{}
	}

	var envelope encryptedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn("state file corrupt, starting empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return &VerificationState{}
	}

	plaintext, err := s.decrypt(&envelope)
	if err != nil {
		s.logger.Warn("state file undecryptable, starting empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return &VerificationState{}
	}

	var state VerificationState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		s.logger.Warn("state payload unparseable, starting empty",
			slog.String("error", err.Error()),
		)
		return &VerificationState{}
	}

	return &state
}

// Save persists the state atomically: encrypt, write to a temp file in the
// same directory, fsync, rename. A crash mid-write leaves either the old
// state or the new one, never a torn file.
func (s *Store) Save(state *VerificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	envelope, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict state file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Clear removes the persisted state. Used by deactivation.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) (*encryptedEnvelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &encryptedEnvelope{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, appSalt),
		SavedAt:    time.Now().Unix(),
	}, nil
}

func (s *Store) decrypt(envelope *encryptedEnvelope) ([]byte, error) {
	if envelope.Version != 1 {
		return nil, fmt.Errorf("unsupported state file version %d", envelope.Version)
	}
	if len(envelope.Nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size %d", len(envelope.Nonce))
	}

	gcm, err := s.aead(envelope.Salt)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, appSalt)
}

// aead derives an AES-256-GCM cipher from the machine id and a per-file salt.
func (s *Store) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(append([]byte(s.machineID), appSalt...), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
