package rnscrypto

import "fmt"

// EphemeralEnvelopeEncrypt implements the ephemeral-ECDH + Fernet envelope
// shared by Identity.Encrypt and ratchet-based encryption: a fresh X25519
// keypair is generated, DH'd against peerPub, the shared secret is run
// through HKDF with the given info label, and the plaintext is Fernet
// sealed under the resulting key. Output is ephemeral_pub(32) || token.
func EphemeralEnvelopeEncrypt(plaintext []byte, peerPub [32]byte, info []byte) ([]byte, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: ephemeral key: %w", err)
	}
	shared, err := X25519Exchange(eph.Private, peerPub)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: dh exchange: %w", err)
	}
	key, err := HKDF(shared, nil, info, 32)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: derive key: %w", err)
	}
	token, err := FernetEncrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: fernet encrypt: %w", err)
	}
	out := make([]byte, 0, 32+len(token))
	out = append(out, eph.Public[:]...)
	out = append(out, token...)
	return out, nil
}

// EphemeralEnvelopeDecrypt reverses EphemeralEnvelopeEncrypt given the
// recipient's static/ratchet X25519 private key.
func EphemeralEnvelopeDecrypt(ciphertext []byte, priv [32]byte, info []byte) ([]byte, error) {
	if len(ciphertext) < 32 {
		return nil, fmt.Errorf("rnscrypto: ciphertext shorter than ephemeral key")
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	shared, err := X25519Exchange(priv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: dh exchange: %w", err)
	}
	key, err := HKDF(shared, nil, info, 32)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: derive key: %w", err)
	}
	return FernetDecrypt(key, ciphertext[32:])
}
