package member

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"meshmux/core/pkg/models"
)

// ErrInvalidCredential is returned by VerifyContactCard when the embedded
// signature does not bind the pseudonym and ECDH key to the verification
// key, or when the shapes are malformed.
var ErrInvalidCredential = errors.New("member: invalid contact credential")

// SignContactCard produces a self-signed Credential binding pseudonym and
// the member's ECDH public key under their long-lived signing key. The
// ECDH keypair is deterministically re-derived from the signing private
// key so the function only needs the one keypair as input.
func SignContactCard(identityID, pseudonym string, signingPublicKey ed25519.PublicKey, signingPrivateKey ed25519.PrivateKey) (models.Credential, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize || len(signingPrivateKey) != ed25519.PrivateKeySize {
		return models.Credential{}, fmt.Errorf("%w: malformed signing keypair", ErrInvalidCredential)
	}
	ecdhPub, err := ecdhPublicFromSigningPrivate(signingPrivateKey)
	if err != nil {
		return models.Credential{}, err
	}

	message := signedMessage(pseudonym, ecdhPub)
	signature := ed25519.Sign(signingPrivateKey, message)

	return models.Credential{
		VerificationKey: append([]byte(nil), signingPublicKey...),
		Pseudonym:       pseudonym,
		Signature:       signature,
		EcdhPublicKey:   ecdhPub,
	}, nil
}

// VerifyContactCard reports whether a Credential's signature is valid
// under its own embedded verification key. This only establishes
// self-consistency — callers that trust a contact's credential over an
// unauthenticated channel must pin it out-of-band (e.g. on first
// exchange) rather than rely on this check alone.
func VerifyContactCard(card models.Credential) (bool, error) {
	if len(card.VerificationKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: malformed verification key", ErrInvalidCredential)
	}
	if len(card.EcdhPublicKey) != 32 {
		return false, fmt.Errorf("%w: malformed ecdh public key", ErrInvalidCredential)
	}
	message := signedMessage(card.Pseudonym, card.EcdhPublicKey)
	return ed25519.Verify(ed25519.PublicKey(card.VerificationKey), message, card.Signature), nil
}

func signedMessage(pseudonym string, ecdhPublicKey []byte) []byte {
	out := make([]byte, 0, len(pseudonym)+len(ecdhPublicKey)+1)
	out = append(out, []byte(pseudonym)...)
	out = append(out, 0x00)
	out = append(out, ecdhPublicKey...)
	return out
}

// ecdhPublicFromSigningPrivate derives the member's X25519 public key
// straight from their Ed25519 seed, independent of the original BIP-39
// seed, so a card can be (re)signed from the signing keypair alone.
func ecdhPublicFromSigningPrivate(signingPrivateKey ed25519.PrivateKey) ([]byte, error) {
	encryptionSeed, err := hkdfExpand(signingPrivateKey.Seed(), hkdfInfoEncryption, 32)
	if err != nil {
		return nil, err
	}
	ecdhPriv := clampScalar(encryptionSeed)
	return curve25519.X25519(ecdhPriv, curve25519.Basepoint)
}
