package member

import "meshmux/core/internal/securestore"

// EncryptSeed wraps a mnemonic under a password-derived key, reusing
// securestore's argon2id + XChaCha20-Poly1305 envelope rather than a
// second KDF/AEAD implementation. EncryptedSeedEnvelope mirrors
// securestore.Envelope field-for-field so the two convert directly.
func EncryptSeed(seed []byte, password []byte) (*EncryptedSeedEnvelope, error) {
	env, err := securestore.EncryptEnvelope(string(password), seed)
	if err != nil {
		return nil, err
	}
	out := EncryptedSeedEnvelope(*env)
	return &out, nil
}

// DecryptSeed is the inverse of EncryptSeed. securestore.DecryptEnvelope
// already rejects any envelope whose KDF parameters don't match the
// pinned defaults exactly, so a tampered or downgraded policy is
// refused the same as before.
func DecryptSeed(env *EncryptedSeedEnvelope, password []byte) ([]byte, error) {
	se := securestore.Envelope(*env)
	return securestore.DecryptEnvelope(string(password), &se)
}
