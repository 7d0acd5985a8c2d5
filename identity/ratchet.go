package identity

import (
	"fmt"
	"time"

	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// RatchetIDLen is the length of a ratchet id: the first 10 bytes of
// SHA-256(ratchet public key).
const RatchetIDLen = 10

// MaxRatchets is the size of a destination's bounded ratchet ring
// (spec.md §3).
const MaxRatchets = 128

// DefaultRatchetInterval is the default rotation period (seconds).
const DefaultRatchetInterval = 1800 * time.Second

// Ratchet is a short-lived X25519 keypair used for forward-secret
// encryption to a destination.
type Ratchet struct {
	keys    *rnscrypto.X25519KeyPair
	id      [RatchetIDLen]byte
	created time.Time
}

// GetRatchetID returns the 10-byte id for a ratchet public key:
// SHA-256(pub)[0:10]. Deterministic.
func GetRatchetID(pub [32]byte) [RatchetIDLen]byte {
	var id [RatchetIDLen]byte
	copy(id[:], rnscrypto.TruncatedHash(pub[:], RatchetIDLen))
	return id
}

func newRatchet() (*Ratchet, error) {
	kp, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate ratchet: %w", err)
	}
	return &Ratchet{keys: kp, id: GetRatchetID(kp.Public), created: time.Now()}, nil
}

// Public returns the ratchet's X25519 public key.
func (r *Ratchet) Public() [32]byte { return r.keys.Public }

// ID returns this ratchet's 10-byte id.
func (r *Ratchet) ID() [RatchetIDLen]byte { return r.id }

// ratchetEnvelopeInfo is the HKDF context label for ratchet encryption.
var ratchetEnvelopeInfo = []byte("rns.ratchet")

// EncryptToRatchet encrypts plaintext to a peer's advertised ratchet
// public key: a fresh ephemeral X25519 keypair is generated and DH'd
// against peerRatchetPub, exactly like Identity.Encrypt but targeting a
// ratchet instead of a static identity key. Any sender can call this —
// it does not require owning a Ratchet.
func EncryptToRatchet(plaintext []byte, peerRatchetPub [32]byte) ([]byte, error) {
	out, err := rnscrypto.EphemeralEnvelopeEncrypt(plaintext, peerRatchetPub, ratchetEnvelopeInfo)
	if err != nil {
		return nil, fmt.Errorf("ratchet: %w", err)
	}
	return out, nil
}

// Decrypt decrypts a token produced by EncryptToRatchet targeting this
// ratchet's public key, using this ratchet's private key.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := rnscrypto.EphemeralEnvelopeDecrypt(ciphertext, r.keys.Private, ratchetEnvelopeInfo)
	if err != nil {
		return nil, rnserrors.New(rnserrors.InvalidToken, "%v", err)
	}
	return pt, nil
}

// Ring is a destination's bounded ratchet ring: the newest ratchet
// encrypts outbound traffic, older ones remain for decrypting in-flight
// inbound traffic.
type Ring struct {
	interval time.Duration
	entries  []*Ratchet // entries[len-1] is newest
}

// NewRing creates an empty ring with the given rotation interval. A zero
// interval uses DefaultRatchetInterval.
func NewRing(interval time.Duration) *Ring {
	if interval <= 0 {
		interval = DefaultRatchetInterval
	}
	return &Ring{interval: interval}
}

// Enable installs an initial ratchet if the ring is empty.
func (ring *Ring) Enable() error {
	if len(ring.entries) > 0 {
		return nil
	}
	r, err := newRatchet()
	if err != nil {
		return err
	}
	ring.entries = append(ring.entries, r)
	return nil
}

// Rotate appends a new ratchet if more than the configured interval has
// elapsed since the newest entry, or immediately if force is true. Oldest
// entries are evicted once the ring exceeds MaxRatchets.
func (ring *Ring) Rotate(force bool) error {
	if len(ring.entries) > 0 {
		last := ring.entries[len(ring.entries)-1]
		if !force && time.Since(last.created) < ring.interval {
			return nil
		}
	}
	r, err := newRatchet()
	if err != nil {
		return err
	}
	ring.entries = append(ring.entries, r)
	if len(ring.entries) > MaxRatchets {
		ring.entries = ring.entries[len(ring.entries)-MaxRatchets:]
	}
	return nil
}

// Latest returns the newest ratchet (used to encrypt outbound traffic),
// or nil if the ring has never been enabled.
func (ring *Ring) Latest() *Ratchet {
	if len(ring.entries) == 0 {
		return nil
	}
	return ring.entries[len(ring.entries)-1]
}

// Find returns the ratchet with the given id, or nil if it is not in the
// ring (spec.md UnknownRatchet condition).
func (ring *Ring) Find(id [RatchetIDLen]byte) *Ratchet {
	for _, r := range ring.entries {
		if r.id == id {
			return r
		}
	}
	return nil
}

// Len reports how many ratchets are currently retained.
func (ring *Ring) Len() int { return len(ring.entries) }
