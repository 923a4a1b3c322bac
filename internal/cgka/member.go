package cgka

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"meshmux/core/internal/member"
	"meshmux/core/pkg/models"
)

// KeyPackage is the oracle's admission artifact for a prospective group
// member: in this concrete oracle it is simply the member's self-signed
// Credential, since the ECDH public key a Welcome seals to is already
// carried there.
type KeyPackage = models.Credential

// Member is the local device's CGKA-owning identity: the credential it
// presents to contacts, and the map of per-group cryptographic state it
// owns. All group-state mutation goes through Member's methods, which
// replace map entries atomically rather than mutating a ClientState in
// place.
type Member struct {
	mu sync.RWMutex

	identityID  string
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	ecdhPriv    []byte
	ecdhPub     []byte
	credential  models.Credential

	groups map[string]ClientState

	now func() time.Time
}

// NewMember builds a Member from derived keys and a chosen pseudonym,
// self-signing the credential it will present to contacts.
func NewMember(identityID, pseudonym string, keys *member.DerivedKeys) (*Member, error) {
	if keys == nil {
		return nil, fmt.Errorf("cgka: nil derived keys")
	}
	cred, err := member.SignContactCard(identityID, pseudonym, ed25519.PublicKey(keys.SigningPublicKey), ed25519.PrivateKey(keys.SigningPrivateKey))
	if err != nil {
		return nil, err
	}
	return &Member{
		identityID:  identityID,
		signingPub:  ed25519.PublicKey(keys.SigningPublicKey),
		signingPriv: ed25519.PrivateKey(keys.SigningPrivateKey),
		ecdhPriv:    append([]byte(nil), keys.EcdhPrivateKey...),
		ecdhPub:     append([]byte(nil), keys.EcdhPublicKey...),
		credential:  cred,
		groups:      make(map[string]ClientState),
		now:         time.Now,
	}, nil
}

// Credential returns the member's self-signed contact card.
func (m *Member) Credential() models.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credential
}

// SetClock overrides the member's time source; used by tests.
func (m *Member) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// HasGroup reports whether the member holds ClientState for groupID.
func (m *Member) HasGroup(groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[groupID]
	return ok
}

// GroupIDs lists every group the member currently belongs to.
func (m *Member) GroupIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	return out
}

// Epoch reports a group's current epoch, or ok=false if the member has
// no state for it.
func (m *Member) Epoch(groupID string) (epoch uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.groups[groupID]
	return s.Epoch, ok
}

// CreateGroup initializes empty ClientState for groupID, seeding epoch
// 0's group secret from the group id and the creator's own signing key,
// and inserts the creator's own leaf (the CGKA oracle's key package for
// "myself, at group creation"). It is idempotent: calling it again for a
// group the member already holds state for returns the existing state
// unchanged.
func (m *Member) CreateGroup(groupID string, capacity int, admin string, expandable bool) (ClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.groups[groupID]; ok {
		return existing.clone(), nil
	}
	now := m.now()
	state := ClientState{
		GroupID:       groupID,
		Epoch:         0,
		GroupSecret:   seedGroupSecret(groupID, m.signingPub),
		SendCounter:   0,
		CapacityHint:  capacity,
		Admin:         admin,
		Expandable:    expandable,
		CreatedAt:     now,
		LastAdvanceAt: now,
	}
	m.groups[groupID] = state
	return state.clone(), nil
}

// AddToGroup returns a copy of groupID's existing state; the creator's
// own leaf is already part of the state CreateGroup built, so calling it
// again is idempotent. It does not create state: a groupID with no state
// yields ErrUnknownGroup.
func (m *Member) AddToGroup(groupID string) (ClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.groups[groupID]
	if !ok {
		return ClientState{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return state.clone(), nil
}

// SendWelcomeMessage produces a CGKA Welcome addressed to contactCred's
// key package for groupID, wire-encoded and ready to carry as an
// AMIGO_WELCOME packet's payload.
func (m *Member) SendWelcomeMessage(contactCred models.Credential, groupID, groupName string) ([]byte, error) {
	ok, err := member.VerifyContactCard(contactCred)
	if err != nil || !ok {
		return nil, ErrInvalidCredential
	}
	m.mu.RLock()
	state, have := m.groups[groupID]
	m.mu.RUnlock()
	if !have {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return encodeWelcome(state, groupName, contactCred.EcdhPublicKey)
}

// HandleWelcome admits the local member to a group carried in an
// AMIGO_WELCOME packet's payload. Idempotent: if the member already
// holds state for the welcomed groupId, the welcome is ignored and
// ErrAlreadyMember is returned (not a failure — callers should treat it
// as a no-op).
func (m *Member) HandleWelcome(payload []byte) (ClientState, error) {
	dw, err := decodeWelcome(payload)
	if err != nil {
		return ClientState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.groups[dw.GroupID]; ok {
		return existing.clone(), ErrAlreadyMember
	}

	ad := []byte(dw.GroupID)
	plaintext, err := openSealedBox(m.ecdhPriv, dw.ephemeralPub, dw.nonce, dw.sealed, ad)
	if err != nil {
		return ClientState{}, err
	}
	if len(plaintext) < 8+groupSecretLen {
		return ClientState{}, ErrDecryptFailure
	}
	epoch := beUint64(plaintext[0:8])
	secret := append([]byte(nil), plaintext[8:8+groupSecretLen]...)
	if epoch != dw.Epoch {
		return ClientState{}, ErrDecryptFailure
	}

	now := m.now()
	state := ClientState{
		GroupID:       dw.GroupID,
		Epoch:         epoch,
		GroupSecret:   secret,
		SendCounter:   0,
		CapacityHint:  dw.CapacityHint,
		Admin:         dw.Admin,
		Expandable:    dw.Expandable,
		CreatedAt:     now,
		LastAdvanceAt: now,
	}
	m.groups[dw.GroupID] = state
	return state.clone(), nil
}

// RotateGroupKey is the local member's admin-triggered commit: it
// advances groupID to a fresh epoch and returns the AMIGO_PATH_UPDATE
// wire bytes to broadcast to the rest of the group. The member's own
// state is advanced immediately; processCommit on other members' ends
// is what HandlePathUpdate implements.
func (m *Member) RotateGroupKey(groupID string) ([]byte, error) {
	m.mu.Lock()
	state, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	commitNonce := make([]byte, 16)
	if _, err := rand.Read(commitNonce); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	newSecret := advanceEpochSecret(state.GroupSecret, commitNonce)
	newEpoch := state.Epoch + 1

	payload, err := encodePathUpdate(groupID, newEpoch, newSecret, state.GroupSecret)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	state.Epoch = newEpoch
	state.GroupSecret = newSecret
	state.SendCounter = 0
	state.LastAdvanceAt = m.now()
	m.groups[groupID] = state
	m.mu.Unlock()
	return payload, nil
}

// HandlePathUpdate processes an AMIGO_PATH_UPDATE packet's payload
// against the member's current state for its group. If the member has
// no state for that group, the message is dropped per the spec (a path
// update is never buffered — it requires base state to apply against),
// reported as ErrStateMissing. A commit whose epoch the member has
// already advanced past is a benign duplicate (ErrDecryptFailure).
func (m *Member) HandlePathUpdate(payload []byte) (ClientState, error) {
	dpu, err := decodePathUpdate(payload)
	if err != nil {
		return ClientState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.groups[dpu.GroupID]
	if !ok {
		return ClientState{}, ErrStateMissing
	}
	if dpu.NewEpoch <= state.Epoch {
		return ClientState{}, ErrDecryptFailure
	}

	ad := appendUint64([]byte(dpu.GroupID), dpu.NewEpoch)
	newSecret, err := openCommit(state.GroupSecret, dpu.nonce, dpu.sealed, ad)
	if err != nil {
		return ClientState{}, err
	}

	state.Epoch = dpu.NewEpoch
	state.GroupSecret = newSecret
	state.SendCounter = 0
	state.LastAdvanceAt = m.now()
	m.groups[dpu.GroupID] = state
	return state.clone(), nil
}

// Encrypt wraps plaintext (a meshcodec application payload) for
// groupID's current epoch, advancing the member's local send counter.
func (m *Member) Encrypt(groupID string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	envelope, err := encodeApplicationEnvelope(groupID, state.Epoch, state.SendCounter, state.GroupSecret, plaintext)
	if err != nil {
		return nil, err
	}
	state.SendCounter++
	m.groups[groupID] = state
	return envelope, nil
}

// Decrypt opens a MESSAGE packet's CGKA envelope. If the member has no
// state for the envelope's groupId, ErrStateMissing is returned so the
// caller can enqueue to pending-decryption; if state exists but the
// epoch doesn't match (or the ciphertext is corrupt/duplicated),
// ErrDecryptFailure is returned as a benign duplicate.
func (m *Member) Decrypt(payload []byte) (groupID string, plaintext []byte, err error) {
	env, err := decodeApplicationEnvelope(payload)
	if err != nil {
		return "", nil, err
	}
	m.mu.RLock()
	state, ok := m.groups[env.GroupID]
	m.mu.RUnlock()
	if !ok {
		return env.GroupID, nil, ErrStateMissing
	}
	if env.Epoch != state.Epoch {
		return env.GroupID, nil, ErrDecryptFailure
	}
	ad := appendUint64([]byte(env.GroupID), env.Epoch)
	pt, err := openWithGroupSecret(state.GroupSecret, env.Counter, env.nonce, env.ciphertext, ad)
	if err != nil {
		return env.GroupID, nil, err
	}
	return env.GroupID, pt, nil
}

// EnvelopeGroupID peeks at a MESSAGE payload's groupId without
// attempting decryption, for dispatch and logging before state lookup.
func EnvelopeGroupID(payload []byte) (string, error) {
	env, err := decodeApplicationEnvelope(payload)
	if err != nil {
		return "", err
	}
	return env.GroupID, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}
