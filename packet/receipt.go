package packet

import (
	"sync"
	"time"

	"github.com/cvsouth/rns-go/identity"
)

// ProofTimeout is how long an outbound packet waits for its PROOF before
// PacketReceipt considers it timed out (spec.md §8).
const ProofTimeout = 15 * time.Second

// BuildProof signs the packet hash of original and returns a PROOF packet
// addressed back along the reverse path: destination hash equals the
// original packet's hash (the proof "destination" is the packet itself, per
// spec.md §4.4), payload is the Ed25519 signature over that hash.
func BuildProof(original *Packet, signer *identity.Identity) (*Packet, error) {
	h := original.Hash()
	sig := signer.Sign(h[:])
	proof := &Packet{
		HeaderType:      Header1,
		DestinationType: DestSingle,
		PacketType:      TypeProof,
		DestinationHash: h,
		Plaintext:       sig,
	}
	if _, err := proof.Pack(); err != nil {
		return nil, err
	}
	return proof, nil
}

// ValidateProof reports whether proof is a well-formed, signature-valid
// PROOF for original signed by signer.
func ValidateProof(proof *Packet, original *Packet, signer *identity.Identity) bool {
	if proof.PacketType != TypeProof {
		return false
	}
	h := original.Hash()
	if proof.DestinationHash != h {
		return false
	}
	body := proof.Plaintext
	if body == nil {
		body = proof.Ciphertext
	}
	return signer.Verify(h[:], body)
}

// receiptState is the lifecycle of a tracked outbound packet.
type receiptState int

const (
	ReceiptPending receiptState = iota
	ReceiptDelivered
	ReceiptTimedOut
)

// PacketReceipt tracks one outbound packet awaiting its PROOF, exposing
// both a blocking Wait and a non-blocking status check — mirroring how a
// caller might either await confirmation or poll it from a UI.
type PacketReceipt struct {
	mu        sync.Mutex
	hash      [HashLen]byte
	state     receiptState
	sentAt    time.Time
	rttOnDone time.Duration
	done      chan struct{}
}

// NewPacketReceipt begins tracking p, sent at sentAt.
func NewPacketReceipt(p *Packet, sentAt time.Time) *PacketReceipt {
	return &PacketReceipt{hash: p.Hash(), state: ReceiptPending, sentAt: sentAt, done: make(chan struct{})}
}

// Hash is the tracked packet's hash, used to correlate an inbound PROOF.
func (pr *PacketReceipt) Hash() [HashLen]byte { return pr.hash }

// MarkDelivered resolves the receipt as delivered if it is still pending.
// Returns false if it had already resolved (delivered or timed out).
func (pr *PacketReceipt) MarkDelivered(at time.Time) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.state != ReceiptPending {
		return false
	}
	pr.state = ReceiptDelivered
	pr.rttOnDone = at.Sub(pr.sentAt)
	close(pr.done)
	return true
}

// CheckTimeout resolves the receipt as timed out if ProofTimeout has
// elapsed since it was sent and it is still pending. Returns the state
// after the check.
func (pr *PacketReceipt) CheckTimeout(now time.Time) receiptState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.state == ReceiptPending && now.Sub(pr.sentAt) >= ProofTimeout {
		pr.state = ReceiptTimedOut
		close(pr.done)
	}
	return pr.state
}

// State reports the receipt's current status without blocking.
func (pr *PacketReceipt) State() receiptState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state
}

// RTT returns the round-trip time once delivered; zero otherwise.
func (pr *PacketReceipt) RTT() time.Duration {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.rttOnDone
}

// Wait blocks until the receipt resolves (delivered or timed out) or ctx's
// deadline analogue done channel fires, returning the terminal state.
func (pr *PacketReceipt) Wait(done <-chan struct{}) receiptState {
	select {
	case <-pr.done:
	case <-done:
	}
	return pr.State()
}
