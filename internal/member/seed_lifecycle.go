package member

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrSeedNotAvailable = errors.New("seed is not available")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrIdentityInit     = errors.New("identity initialization failed")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
)

// SeedManager owns the encrypted mnemonic envelope and the password
// lockout policy around it. It knows nothing about the Identity that
// keys are derived into — that's Manager's job, one layer up.
type SeedManager struct {
	mu             sync.RWMutex
	envelope       *EncryptedSeedEnvelope
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{now: time.Now}
}

func newSeedManagerWithClock(now func() time.Time) *SeedManager {
	return &SeedManager{now: now}
}

func (s *SeedManager) Create(password string) (mnemonic string, keys *DerivedKeys, err error) {
	if strings.TrimSpace(password) == "" {
		return "", nil, ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	return s.Import(mnemonic, password)
}

func (s *SeedManager) Import(mnemonic, password string) (normalizedMnemonic string, keys *DerivedKeys, err error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return "", nil, ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return "", nil, ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", nil, ErrInvalidMnemonic
	}

	seedBytes := bip39.NewSeed(mnemonic, "")
	keys, err = DeriveKeys(seedBytes)
	if err != nil {
		return "", nil, err
	}
	env, err := EncryptSeed([]byte(mnemonic), []byte(password))
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = env
	return mnemonic, keys, nil
}

func (s *SeedManager) Export(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}

	s.mu.Lock()
	env := s.envelope
	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()
	if env == nil {
		return "", ErrSeedNotAvailable
	}

	plaintext, err := DecryptSeed(env, []byte(password))
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onFailedPasswordAttempt()
		return "", ErrInvalidPassword
	}
	s.mu.Lock()
	s.resetPasswordAttemptState()
	s.mu.Unlock()

	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

func (s *SeedManager) ChangePassword(oldPassword, newPassword string) error {
	oldPassword = strings.TrimSpace(oldPassword)
	newPassword = strings.TrimSpace(newPassword)
	if oldPassword == "" || newPassword == "" {
		return ErrPasswordRequired
	}

	s.mu.Lock()
	env := s.envelope
	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if env == nil {
		return ErrSeedNotAvailable
	}

	mnemonicBytes, err := DecryptSeed(env, []byte(oldPassword))
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onFailedPasswordAttempt()
		return ErrInvalidPassword
	}

	newEnv, err := EncryptSeed(mnemonicBytes, []byte(newPassword))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = newEnv
	s.resetPasswordAttemptState()
	return nil
}

func (s *SeedManager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// Envelope returns the seed's encrypted-at-rest form, for a caller to
// persist across restarts. Returns nil if no seed has been created or
// imported yet.
func (s *SeedManager) Envelope() *EncryptedSeedEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.envelope
}

// LoadEnvelope restores a previously persisted envelope, the
// counterpart to Envelope for a restart rather than a fresh device.
func (s *SeedManager) LoadEnvelope(env *EncryptedSeedEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = env
}

func (s *SeedManager) ensureUnlocked() error {
	if s.lockedUntil.IsZero() {
		return nil
	}
	if s.now().Before(s.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (s *SeedManager) onFailedPasswordAttempt() {
	s.failedAttempts++
	backoff := failedAttemptBackoff(s.failedAttempts)
	s.lockedUntil = s.now().Add(backoff)
}

func (s *SeedManager) resetPasswordAttemptState() {
	s.failedAttempts = 0
	s.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

// Manager is the top-level entry point for a device's identity lifecycle:
// creating, importing, and re-keying the seed, plus tracking the derived
// Identity record. This is what a Member is built on top of.
type Manager struct {
	seeds    *SeedManager
	now      func() time.Time
	identity *Identity
}

func NewManager() (*Manager, error) {
	return &Manager{seeds: NewSeedManager(), now: time.Now}, nil
}

// CreateIdentity generates a fresh mnemonic, derives keys from it, and
// returns the resulting Identity alongside the mnemonic (shown to the
// user exactly once, at creation time).
func (m *Manager) CreateIdentity(password string) (Identity, string, error) {
	mnemonic, keys, err := m.seeds.Create(password)
	if err != nil {
		return Identity{}, "", err
	}
	identity, err := m.identityFromKeys(keys)
	if err != nil {
		return Identity{}, "", err
	}
	return identity, mnemonic, nil
}

// ImportIdentity re-derives an Identity from an existing mnemonic,
// re-encrypting it under password for local storage.
func (m *Manager) ImportIdentity(mnemonic, password string) (Identity, error) {
	_, keys, err := m.seeds.Import(mnemonic, password)
	if err != nil {
		return Identity{}, err
	}
	return m.identityFromKeys(keys)
}

func (m *Manager) ExportSeed(password string) (string, error) {
	return m.seeds.Export(password)
}

func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	return m.seeds.ChangePassword(oldPassword, newPassword)
}

func (m *Manager) ValidateMnemonic(mnemonic string) bool {
	return m.seeds.ValidateMnemonic(mnemonic)
}

// Envelope returns the current seed's encrypted-at-rest form, for the
// caller to persist across restarts.
func (m *Manager) Envelope() *EncryptedSeedEnvelope {
	return m.seeds.Envelope()
}

// Unlock loads a previously persisted envelope and decrypts it under
// password, re-deriving the Identity and keys it was built from. This
// is the restart counterpart to CreateIdentity/ImportIdentity, which
// both assume a device that doesn't have a seed yet.
func (m *Manager) Unlock(env *EncryptedSeedEnvelope, password string) (Identity, *DerivedKeys, error) {
	m.seeds.LoadEnvelope(env)
	mnemonic, err := m.seeds.Export(password)
	if err != nil {
		return Identity{}, nil, err
	}
	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return Identity{}, nil, err
	}
	identity, err := m.identityFromKeys(keys)
	if err != nil {
		return Identity{}, nil, err
	}
	return identity, keys, nil
}

func (m *Manager) identityFromKeys(keys *DerivedKeys) (Identity, error) {
	id, _, err := FromKeys(keys)
	if err != nil {
		return Identity{}, err
	}
	now := m.now()
	identity := Identity{
		ID:               id,
		SigningPublicKey: keys.SigningPublicKey,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	m.identity = &identity
	return identity, nil
}

// FromKeys derives the identity id for a keypair without constructing a
// full Manager — used by callers that already hold DerivedKeys.
func FromKeys(keys *DerivedKeys) (id string, publicKey ed25519.PublicKey, err error) {
	if keys == nil || len(keys.SigningPublicKey) != ed25519.PublicKeySize {
		return "", nil, ErrIdentityInit
	}
	id, err = BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		return "", nil, err
	}
	return id, append([]byte(nil), keys.SigningPublicKey...), nil
}
