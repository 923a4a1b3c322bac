package cgka

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// groupSecretLen is the width of an epoch's group secret: wide enough
// to key an XChaCha20-Poly1305 AEAD directly.
const groupSecretLen = chacha20poly1305.KeySize

// seedGroupSecret derives epoch 0's group secret deterministically from
// the group id and the creator's signing key, so CreateGroup needs no
// network round trip to establish shared state.
func seedGroupSecret(groupID string, creatorVerificationKey []byte) []byte {
	return kdf32(append([]byte(groupID), creatorVerificationKey...), []byte("meshmux/cgka/seed/v1"))
}

// advanceEpochSecret derives epoch N+1's group secret from epoch N's,
// plus a fresh random commit nonce so distinct commits against the same
// base epoch diverge (two admins racing a rotation don't collide).
func advanceEpochSecret(prevSecret []byte, commitNonce []byte) []byte {
	seed := append(append([]byte(nil), prevSecret...), commitNonce...)
	return kdf32(seed, []byte("meshmux/cgka/epoch-advance/v1"))
}

// messageKey derives a per-message AEAD key from an epoch's group
// secret and a monotonically increasing counter, the way the teacher's
// X3DH ratchet derives a message key from a chain key and index.
func messageKey(groupSecret []byte, counter uint64) []byte {
	return kdf32(appendCounter(groupSecret, counter), []byte("meshmux/cgka/message-key/v1"))
}

// sealToRecipient produces a single-recipient sealed box the way a
// Welcome message addresses a new member's key package: an ephemeral
// X25519 keypair, HKDF over the shared secret, XChaCha20-Poly1305 seal.
// Returns the ephemeral public key, the nonce, and the ciphertext.
func sealToRecipient(recipientECDHPublicKey, plaintext, associatedData []byte) (ephemeralPub, nonce, ciphertext []byte, err error) {
	if len(recipientECDHPublicKey) != 32 {
		return nil, nil, nil, errors.New("cgka: recipient ecdh key must be 32 bytes")
	}
	ephemeralPriv := make([]byte, 32)
	if _, err = rand.Read(ephemeralPriv); err != nil {
		return nil, nil, nil, err
	}
	ephemeralPub, err = curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, err
	}
	shared, err := curve25519.X25519(ephemeralPriv, recipientECDHPublicKey)
	if err != nil {
		return nil, nil, nil, err
	}
	key := kdf32(shared, []byte("meshmux/cgka/welcome-seal/v1"))

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, associatedData)
	return ephemeralPub, nonce, ciphertext, nil
}

// openSealedBox is the recipient's half of sealToRecipient: it derives
// the same shared secret from its own ECDH private scalar and the
// sender's ephemeral public key.
func openSealedBox(recipientECDHPrivateKey, ephemeralPub, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	shared, err := curve25519.X25519(recipientECDHPrivateKey, ephemeralPub)
	if err != nil {
		return nil, err
	}
	key := kdf32(shared, []byte("meshmux/cgka/welcome-seal/v1"))
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

// sealWithGroupSecret seals plaintext under an epoch's group secret and
// a message counter, used both for application MESSAGE encryption and
// for wrapping the next epoch's secret inside a path-update commit.
func sealWithGroupSecret(groupSecret []byte, counter uint64, plaintext, associatedData []byte) (nonce, ciphertext []byte, err error) {
	key := messageKey(groupSecret, counter)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, associatedData)
	return nonce, ciphertext, nil
}

func openWithGroupSecret(groupSecret []byte, counter uint64, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	key := messageKey(groupSecret, counter)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

// sealCommit wraps a path-update's plaintext (the next epoch's secret)
// under the current epoch's group secret. Every member holding current
// state can open it; a member who has fallen behind cannot, since they
// lack the secret to derive the key from.
func sealCommit(prevGroupSecret, plaintext, associatedData []byte) (nonce, ciphertext []byte, err error) {
	key := kdf32(prevGroupSecret, []byte("meshmux/cgka/commit-seal/v1"))
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, associatedData)
	return nonce, ciphertext, nil
}

func openCommit(prevGroupSecret, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	key := kdf32(prevGroupSecret, []byte("meshmux/cgka/commit-seal/v1"))
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		panic("cgka: hkdf expand failed: " + err.Error())
	}
	return out
}

func appendCounter(base []byte, counter uint64) []byte {
	out := make([]byte, len(base)+8)
	copy(out, base)
	binary.BigEndian.PutUint64(out[len(base):], counter)
	return out
}
