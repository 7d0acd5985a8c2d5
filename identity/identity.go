// Package identity implements the Ed25519+X25519 Identity keypair, its
// ratchet ring, and the process-wide known-destinations cache
// (spec.md §3, §4.3).
package identity

import (
	"crypto/ed25519"
	"fmt"

	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// HashLen is the length of an Identity's stable address hash.
const HashLen = 16

// Identity holds an Ed25519 signing keypair and an X25519 key-agreement
// keypair: the cryptographic root of a participant.
type Identity struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	dh       *rnscrypto.X25519KeyPair
	hash     [HashLen]byte
}

// Generate creates a fresh Identity.
func Generate() (*Identity, error) {
	sig, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	dh, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate dh key: %w", err)
	}
	return newIdentity(sig.Public, sig.Private, dh), nil
}

func newIdentity(signPub ed25519.PublicKey, signPriv ed25519.PrivateKey, dh *rnscrypto.X25519KeyPair) *Identity {
	id := &Identity{signPub: signPub, signPriv: signPriv, dh: dh}
	material := append(append([]byte{}, signPub...), dh.Public[:]...)
	sum := rnscrypto.TruncatedHash(material, HashLen)
	copy(id.hash[:], sum)
	return id
}

// PublicMaterial returns the 64 bytes of public key material (Ed25519
// public || X25519 public) that identify this Identity on the wire.
func (id *Identity) PublicMaterial() []byte {
	out := make([]byte, 0, ed25519.PublicKeySize+32)
	out = append(out, id.signPub...)
	out = append(out, id.dh.Public[:]...)
	return out
}

// PrivateMaterial returns the 64 bytes of private key seed material
// (Ed25519 seed || X25519 private) suitable for persistence.
func (id *Identity) PrivateMaterial() []byte {
	out := make([]byte, 0, ed25519.SeedSize+32)
	out = append(out, id.signPriv.Seed()...)
	out = append(out, id.dh.Private[:]...)
	return out
}

// FromPrivateMaterial reconstructs an Identity from 64 bytes produced by
// PrivateMaterial (the persisted identity blob of spec.md §6).
func FromPrivateMaterial(blob []byte) (*Identity, error) {
	if len(blob) != ed25519.SeedSize+32 {
		return nil, fmt.Errorf("identity: private material must be %d bytes, got %d", ed25519.SeedSize+32, len(blob))
	}
	signPriv := ed25519.NewKeyFromSeed(blob[:ed25519.SeedSize])
	var dh rnscrypto.X25519KeyPair
	copy(dh.Private[:], blob[ed25519.SeedSize:])
	pub, err := rnscrypto.X25519Exchange(dh.Private, basepoint())
	if err != nil {
		return nil, fmt.Errorf("identity: derive dh public: %w", err)
	}
	copy(dh.Public[:], pub)
	return newIdentity(signPriv.Public().(ed25519.PublicKey), signPriv, &dh), nil
}

// FromPublicMaterial reconstructs the public half of an Identity — enough
// to verify signatures and encrypt to it, but not to sign or decrypt.
func FromPublicMaterial(blob []byte) (*Identity, error) {
	if len(blob) != ed25519.PublicKeySize+32 {
		return nil, fmt.Errorf("identity: public material must be %d bytes, got %d", ed25519.PublicKeySize+32, len(blob))
	}
	id := &Identity{
		signPub: append(ed25519.PublicKey(nil), blob[:ed25519.PublicKeySize]...),
		dh:      &rnscrypto.X25519KeyPair{},
	}
	copy(id.dh.Public[:], blob[ed25519.PublicKeySize:])
	sum := rnscrypto.TruncatedHash(blob, HashLen)
	copy(id.hash[:], sum)
	return id, nil
}

// Hash returns the 16-byte stable address derived from this Identity's
// public material.
func (id *Identity) Hash() [HashLen]byte { return id.hash }

// DHPublic returns the X25519 public key used for static (non-ratcheted)
// encryption to this Identity.
func (id *Identity) DHPublic() [32]byte { return id.dh.Public }

// Sign produces an Ed25519 signature over data. Panics if this Identity
// holds only public material (programmer error, not a protocol error).
func (id *Identity) Sign(data []byte) []byte {
	if id.signPriv == nil {
		panic("identity: Sign called on a public-only Identity")
	}
	return rnscrypto.Sign(id.signPriv, data)
}

// Verify reports whether sig is a valid signature over data by this
// Identity's signing key.
func (id *Identity) Verify(data, sig []byte) bool {
	return rnscrypto.Verify(id.signPub, data, sig)
}

// envelopeInfo is the HKDF context label for static Identity encryption.
var envelopeInfo = []byte("rns.identity.encrypt")

// Encrypt implements static DH + Fernet: used when no ratchet is active
// for the peer. Returns ephemeral_pub(32) || fernet_token.
func (id *Identity) Encrypt(plaintext []byte, peerDHPub [32]byte) ([]byte, error) {
	out, err := rnscrypto.EphemeralEnvelopeEncrypt(plaintext, peerDHPub, envelopeInfo)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return out, nil
}

// Decrypt reverses Encrypt: it expects ciphertext = ephemeral_pub(32) ||
// fernet_token and derives the shared key using this Identity's static
// X25519 private key.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if id.dh.Private == ([32]byte{}) {
		return nil, rnserrors.New(rnserrors.InvalidToken, "decrypt called on a public-only Identity")
	}
	pt, err := rnscrypto.EphemeralEnvelopeDecrypt(ciphertext, id.dh.Private, envelopeInfo)
	if err != nil {
		return nil, rnserrors.New(rnserrors.InvalidToken, "%v", err)
	}
	return pt, nil
}

func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}
