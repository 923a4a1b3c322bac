// Package member implements local identity: the device-resident seed and
// mnemonic lifecycle, key derivation, and the self-signed credential a
// member presents to contacts. It knows nothing about groups or CGKA
// state — that lives one layer up, in cgka.
package member

import "time"

// Identity is the durable record of a derived local identity.
type Identity struct {
	ID               string
	SigningPublicKey []byte
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// DerivedKeys holds every key derived from a BIP-39 seed: an Ed25519
// signing keypair for the credential, and an X25519 key-exchange
// keypair for the CGKA handshake.
type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
	EncryptionSeed    []byte // X25519 private seed bytes (32)
	EcdhPrivateKey    []byte // X25519 private scalar (32), clamped
	EcdhPublicKey     []byte // X25519 public key (32)
}

// EncryptedSeedEnvelope is the device-local-secret-protected encryption of
// a mnemonic. Its shape mirrors securestore.Envelope exactly; EncryptSeed
// and DecryptSeed delegate to securestore's argon2id + XChaCha20-Poly1305
// envelope rather than reimplementing it.
type EncryptedSeedEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}
