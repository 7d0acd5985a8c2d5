// Package rnscrypto implements the core cryptographic primitives used
// throughout the node: hashing, X25519/Ed25519 keys, HKDF, and the Fernet
// authenticated-encryption envelope used by Identity, Ratchet, and Link.
package rnscrypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// FullHash returns SHA-256(data).
func FullHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// TruncatedHash returns the first n bytes of SHA-256(data). n must be <= 32.
func TruncatedHash(data []byte, n int) []byte {
	h := FullHash(data)
	return h[:n]
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HKDF derives n bytes from secret using HKDF-SHA256 with the given salt
// and info context. A nil salt yields RFC 5869's default (a zero-filled
// hash-length salt), matching the behaviour every caller in this module
// relies on.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// Ed25519KeyPair is a signing keypair.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateEd25519 creates a fresh Ed25519 keypair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519: %w", err)
	}
	return &Ed25519KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a detached Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid Ed25519 signature over data by pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// X25519KeyPair is an X25519 key-agreement keypair.
type X25519KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateX25519 creates a fresh X25519 keypair.
func GenerateX25519() (*X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate x25519: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// X25519Exchange computes the shared secret priv*peerPub. It fails if
// peerPub is a low-order/invalid point (all-zero output).
func X25519Exchange(priv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange: %w", err)
	}
	var acc byte
	for _, b := range shared {
		acc |= b
	}
	if acc == 0 {
		return nil, fmt.Errorf("x25519 exchange: peer public key is invalid (all-zero result)")
	}
	return shared, nil
}
