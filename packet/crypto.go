package packet

import (
	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// zeroRatchetID marks a SINGLE-destination payload as statically encrypted
// (no ratchet in use): ratchet_id field is all zero. Real ratchet ids are
// the first 10 bytes of SHA-256 of a 32-byte curve point and so collide
// with all-zero only with negligible probability.
var zeroRatchetID [identity.RatchetIDLen]byte

// EncryptSingleStatic builds the Plaintext payload of p into an encrypted
// Ciphertext using static Identity DH + Fernet (no ratchet active).
// Payload layout: ratchet_id(10, zero) || ephemeral_pub(32) || token.
func (p *Packet) EncryptSingleStatic(plaintext []byte, destDHPub [32]byte) error {
	envelope, err := rnscrypto.EphemeralEnvelopeEncrypt(plaintext, destDHPub, []byte("rns.identity.encrypt"))
	if err != nil {
		return err
	}
	p.Ciphertext = append(zeroRatchetID[:], envelope...)
	p.Plaintext = nil
	return nil
}

// EncryptSingleRatchet builds the Plaintext payload of p into an encrypted
// Ciphertext against a peer's advertised ratchet public key, tagging it
// with that ratchet's id so the receiver can select the matching
// decryption key from its ring.
func (p *Packet) EncryptSingleRatchet(plaintext []byte, ratchetID [identity.RatchetIDLen]byte, peerRatchetPub [32]byte) error {
	envelope, err := identity.EncryptToRatchet(plaintext, peerRatchetPub)
	if err != nil {
		return err
	}
	p.Ciphertext = append(append([]byte{}, ratchetID[:]...), envelope...)
	p.Plaintext = nil
	return nil
}

// DecryptSingle decrypts a SINGLE-destination payload addressed to us. If
// the payload's ratchet id is non-zero, it is looked up in ring; a miss
// fails with UnknownRatchet. A zero ratchet id falls back to static
// decryption with myIdentity.
func (p *Packet) DecryptSingle(myIdentity *identity.Identity, ring *identity.Ring) ([]byte, error) {
	if len(p.Ciphertext) < identity.RatchetIDLen {
		return nil, rnserrors.New(rnserrors.Truncated, "SINGLE payload shorter than ratchet id field")
	}
	var rid [identity.RatchetIDLen]byte
	copy(rid[:], p.Ciphertext[:identity.RatchetIDLen])
	envelope := p.Ciphertext[identity.RatchetIDLen:]

	if rid == zeroRatchetID {
		return myIdentity.Decrypt(envelope)
	}
	r := ring.Find(rid)
	if r == nil {
		return nil, rnserrors.New(rnserrors.UnknownRatchet, "ratchet id %x not in ring", rid)
	}
	return r.Decrypt(envelope)
}
