package member

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "aim/identity/signing/v1"
	hkdfInfoEncryption = "aim/identity/encryption/v1"
)

// DeriveKeys expands a BIP-39 seed into the signing and key-exchange
// keypairs a Member needs. Derivation is deterministic: the same seed
// always yields the same keys, which is what makes mnemonic import work.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, 32)
	if err != nil {
		return nil, err
	}
	encryptionSeed, err := hkdfExpand(seedBytes, hkdfInfoEncryption, 32)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	ecdhPriv := clampScalar(encryptionSeed)
	ecdhPub, err := curve25519.X25519(ecdhPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("member: derive ecdh public key: %w", err)
	}

	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPub,
		EncryptionSeed:    encryptionSeed,
		EcdhPrivateKey:    ecdhPriv,
		EcdhPublicKey:     ecdhPub,
	}, nil
}

// BuildIdentityID derives a stable, human-shareable identifier from a
// signing public key: blake2b-256 of the key, base58-encoded, prefixed.
func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return "aim1" + base58.Encode(h[:]), nil
}

// VerifyIdentityID reports whether identityID is the one BuildIdentityID
// would produce for signingPublicKey.
func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// clampScalar applies the standard X25519 scalar clamp to a 32-byte seed.
func clampScalar(seed []byte) []byte {
	out := make([]byte, 32)
	copy(out, seed)
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}
