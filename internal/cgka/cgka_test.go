package cgka

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"meshmux/core/internal/member"
	"meshmux/core/internal/store"
)

func newTestMember(t *testing.T, pseudonym string) *Member {
	t.Helper()
	keys, err := member.DeriveKeys([]byte("seed-material-" + pseudonym))
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	id, err := member.BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build identity id: %v", err)
	}
	m, err := NewMember(id, pseudonym, keys)
	if err != nil {
		t.Fatalf("new member: %v", err)
	}
	return m
}

func TestWelcomeAndApplicationMessageRoundTrip(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")

	const groupID = "0123456789abcdef0123456789abcdef"
	if _, err := alice.CreateGroup(groupID, 2, "alice", true); err != nil {
		t.Fatalf("create group: %v", err)
	}

	welcome, err := alice.SendWelcomeMessage(bob.Credential(), groupID, "book club")
	if err != nil {
		t.Fatalf("send welcome: %v", err)
	}
	if _, err := bob.HandleWelcome(welcome); err != nil {
		t.Fatalf("bob handle welcome: %v", err)
	}
	if !bob.HasGroup(groupID) {
		t.Fatal("bob should hold state for the welcomed group")
	}

	plaintext := []byte("hi bob")
	envelope, err := alice.Encrypt(groupID, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	gotGroup, gotPlain, err := bob.Decrypt(envelope)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if gotGroup != groupID {
		t.Fatalf("group id mismatch: got %s want %s", gotGroup, groupID)
	}
	if !bytes.Equal(gotPlain, plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", gotPlain, plaintext)
	}
}

func TestHandleWelcomeIdempotent(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	const groupID = "idempotent-group-id"
	if _, err := alice.CreateGroup(groupID, 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	welcome, err := alice.SendWelcomeMessage(bob.Credential(), groupID, "g")
	if err != nil {
		t.Fatalf("send welcome: %v", err)
	}
	if _, err := bob.HandleWelcome(welcome); err != nil {
		t.Fatalf("first welcome: %v", err)
	}
	epochBefore, _ := bob.Epoch(groupID)

	if _, err := bob.HandleWelcome(welcome); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	epochAfter, _ := bob.Epoch(groupID)
	if epochBefore != epochAfter {
		t.Fatal("re-processing a welcome must not change existing state")
	}
}

func TestDistinctGroupsCannotCrossDecrypt(t *testing.T) {
	alice := newTestMember(t, "alice")
	if _, err := alice.CreateGroup("group-1", 2, "", true); err != nil {
		t.Fatalf("create group 1: %v", err)
	}
	if _, err := alice.CreateGroup("group-2", 2, "", true); err != nil {
		t.Fatalf("create group 2: %v", err)
	}

	envelope, err := alice.Encrypt("group-1", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Even though both groups exist on the same member, group-2's state
	// is never used for this envelope: Decrypt dispatches on the
	// envelope's own carried groupId, which names group-1.
	groupID, _, err := alice.Decrypt(envelope)
	if err != nil {
		t.Fatalf("decrypt under originating group should succeed: %v", err)
	}
	if groupID != "group-1" {
		t.Fatalf("expected group-1, got %s", groupID)
	}

	// Forging an envelope that claims group-2 but is sealed under
	// group-1's secret must fail to open.
	state1, _ := alice.groups["group-1"]
	forged, err := encodeApplicationEnvelope("group-2", state1.Epoch, 0, state1.GroupSecret, []byte("secret"))
	if err != nil {
		t.Fatalf("forge envelope: %v", err)
	}
	if _, _, err := alice.Decrypt(forged); !errors.Is(err, ErrDecryptFailure) {
		t.Fatalf("expected ErrDecryptFailure for cross-group envelope, got %v", err)
	}
}

func TestRotateGroupKeyAdvancesEpochAndRejectsDuplicateCommit(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	const groupID = "rotate-group"
	if _, err := alice.CreateGroup(groupID, 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	welcome, err := alice.SendWelcomeMessage(bob.Credential(), groupID, "g")
	if err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if _, err := bob.HandleWelcome(welcome); err != nil {
		t.Fatalf("bob welcome: %v", err)
	}

	pathUpdate, err := alice.RotateGroupKey(groupID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	bobState, err := bob.HandlePathUpdate(pathUpdate)
	if err != nil {
		t.Fatalf("bob handle path update: %v", err)
	}
	if bobState.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", bobState.Epoch)
	}

	// Replaying the same commit is a benign duplicate now that bob has
	// already advanced past it.
	if _, err := bob.HandlePathUpdate(pathUpdate); !errors.Is(err, ErrDecryptFailure) {
		t.Fatalf("expected ErrDecryptFailure for duplicate commit, got %v", err)
	}

	// Post-rotation messages must use the new epoch.
	msg, err := alice.Encrypt(groupID, []byte("after rotation"))
	if err != nil {
		t.Fatalf("encrypt after rotation: %v", err)
	}
	_, plain, err := bob.Decrypt(msg)
	if err != nil {
		t.Fatalf("bob decrypt after rotation: %v", err)
	}
	if string(plain) != "after rotation" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func TestPathUpdateWithoutStateIsDropped(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	const groupID = "no-state-group"
	if _, err := alice.CreateGroup(groupID, 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	pathUpdate, err := alice.RotateGroupKey(groupID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := bob.HandlePathUpdate(pathUpdate); !errors.Is(err, ErrStateMissing) {
		t.Fatalf("expected ErrStateMissing, got %v", err)
	}
}

func TestPendingDecryptionDrainsAfterWelcome(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	const groupID = "pending-group"
	if _, err := alice.CreateGroup(groupID, 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}

	// Bob receives an encrypted MESSAGE before his Welcome arrives.
	envelope, err := alice.Encrypt(groupID, []byte("too early"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, _, err = bob.Decrypt(envelope)
	if !errors.Is(err, ErrStateMissing) {
		t.Fatalf("expected ErrStateMissing, got %v", err)
	}

	s := store.New()
	now := time.Now()
	s.EnqueuePendingDecryption(envelope, now)

	// Drain before the welcome arrives: nothing decrypts.
	result := Drain(bob, s, nil)
	if result.Decrypted != 0 {
		t.Fatalf("expected 0 decrypted before welcome, got %d", result.Decrypted)
	}

	welcome, err := alice.SendWelcomeMessage(bob.Credential(), groupID, "g")
	if err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if _, err := bob.HandleWelcome(welcome); err != nil {
		t.Fatalf("bob handle welcome: %v", err)
	}

	var emitted []byte
	result = Drain(bob, s, func(groupID string, plaintext []byte, createdAt time.Time) {
		emitted = plaintext
	})
	if result.Decrypted != 1 {
		t.Fatalf("expected 1 decrypted after welcome, got %d", result.Decrypted)
	}
	if string(emitted) != "too early" {
		t.Fatalf("unexpected emitted plaintext: %q", emitted)
	}
	if len(s.PendingDecryptionsOldestFirst()) != 0 {
		t.Fatal("pending queue should be empty after a successful drain")
	}
}

func TestPendingDecryptionDedupedByPayload(t *testing.T) {
	s := store.New()
	now := time.Now()
	id1 := s.EnqueuePendingDecryption([]byte("same-ciphertext"), now)
	id2 := s.EnqueuePendingDecryption([]byte("same-ciphertext"), now.Add(time.Second))
	if id1 != id2 {
		t.Fatalf("expected duplicate payload to reuse the same pending entry, got %d and %d", id1, id2)
	}
	if len(s.PendingDecryptionsOldestFirst()) != 1 {
		t.Fatal("expected exactly one pending entry")
	}
}

func TestPurgeStaleRemovesOldPendingEntries(t *testing.T) {
	s := store.New()
	now := time.Now()
	s.EnqueuePendingDecryption([]byte("old"), now.Add(-25*time.Hour))
	s.EnqueuePendingDecryption([]byte("fresh"), now)
	purged := PurgeStale(s, now, DefaultPendingRetention)
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	remaining := s.PendingDecryptionsOldestFirst()
	if len(remaining) != 1 || string(remaining[0].EncryptedPayload) != "fresh" {
		t.Fatalf("unexpected remaining entries: %+v", remaining)
	}
}
