// Package link implements the encrypted bidirectional session between two
// destinations (spec.md §4.6): handshake, Fernet-protected payloads, and
// the bounded sub-pools for in-flight resources and requests.
package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// State is a Link's position in its handshake/session lifecycle.
type State uint8

const (
	Pending State = iota
	Handshake
	Active
	Closed
)

const (
	// IDLen is the length of a link id.
	IDLen = 16

	maxIncomingResources = 8
	maxOutgoingResources = 8
	maxPendingRequests   = 8

	// HandshakeTimeout bounds how long a Link may remain Pending or
	// Handshake before it is forced Closed (spec.md §7 LinkTimeout).
	HandshakeTimeout = 15 * time.Second
	// InactivityTimeout bounds how long an Active Link may go without
	// traffic before it is closed.
	InactivityTimeout = 5 * time.Minute
)

var sessionKeyInfo = []byte("rns.link.session")

// Link is an encrypted session between two destinations keyed by a fresh
// X25519 exchange.
type Link struct {
	mu sync.Mutex

	ID             [IDLen]byte
	State          State
	IsInitiator    bool
	RemoteDestHash [16]byte
	Hops           uint8
	RTT            time.Duration

	localEph   *rnscrypto.X25519KeyPair
	remoteEph  [32]byte
	sessionKey []byte

	createdAt    time.Time
	lastActivity time.Time

	incoming *slotPool
	outgoing *slotPool
	pending  *slotPool
}

func newLink(id [IDLen]byte, initiator bool, remoteDestHash [16]byte, localEph *rnscrypto.X25519KeyPair) *Link {
	now := time.Now()
	return &Link{
		ID:             id,
		State:          Pending,
		IsInitiator:    initiator,
		RemoteDestHash: remoteDestHash,
		localEph:       localEph,
		createdAt:      now,
		lastActivity:   now,
		incoming:       newSlotPool(maxIncomingResources),
		outgoing:       newSlotPool(maxOutgoingResources),
		pending:        newSlotPool(maxPendingRequests),
	}
}

// computeLinkID derives a stable id from both ephemeral public keys and
// the destination being linked to, so both sides agree on the same id
// without needing a separate negotiation round.
func computeLinkID(destHash [16]byte, ephA, ephB [32]byte) [IDLen]byte {
	var id [IDLen]byte
	material := append(append(append([]byte{}, destHash[:]...), ephA[:]...), ephB[:]...)
	copy(id[:], rnscrypto.TruncatedHash(material, IDLen))
	return id
}

// Request begins an outbound Link to remoteDestHash: it generates a fresh
// ephemeral keypair and returns the Link (state Pending) plus the raw
// LINKREQUEST payload (the ephemeral public key) to be wrapped in a
// packet by the caller.
func Request(remoteDestHash [16]byte) (*Link, []byte, error) {
	eph, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: generate ephemeral: %w", err)
	}
	// The id is provisional until the peer's ephemeral key is known; it is
	// finalized in AcceptProof.
	l := newLink([IDLen]byte{}, true, remoteDestHash, eph)
	return l, eph.Public[:], nil
}

// AcceptRequest handles an inbound LINKREQUEST on the responder side:
// requestPayload is the initiator's ephemeral public key. It generates
// its own ephemeral keypair, derives the session key immediately (the
// responder has everything it needs as soon as it receives the request),
// and returns the Link (state Handshake) plus the PROOF payload (own
// ephemeral public key || signature over it by signer).
func AcceptRequest(remoteDestHash [16]byte, requestPayload []byte, signer *identity.Identity) (*Link, []byte, error) {
	if len(requestPayload) != 32 {
		return nil, nil, rnserrors.New(rnserrors.MalformedPacket, "link request payload must be 32 bytes, got %d", len(requestPayload))
	}
	var peerEph [32]byte
	copy(peerEph[:], requestPayload)

	eph, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: generate ephemeral: %w", err)
	}

	id := computeLinkID(remoteDestHash, peerEph, eph.Public)
	l := newLink(id, false, remoteDestHash, eph)
	l.remoteEph = peerEph
	if err := l.deriveSessionKey(); err != nil {
		return nil, nil, err
	}
	l.State = Handshake

	sig := signer.Sign(eph.Public[:])
	proof := append(append([]byte{}, eph.Public[:]...), sig...)
	return l, proof, nil
}

// AcceptProof handles an inbound PROOF on the initiator side: proof is
// peer ephemeral public key (32) || signature (64) over it, verified
// against remoteIdentity. On success the Link transitions Pending ->
// Handshake and its session key is derived.
func (l *Link) AcceptProof(proof []byte, remoteIdentity *identity.Identity) error {
	if len(proof) != 32+64 {
		return rnserrors.New(rnserrors.MalformedPacket, "link proof must be 96 bytes, got %d", len(proof))
	}
	peerEphBytes := proof[:32]
	sig := proof[32:]
	if !remoteIdentity.Verify(peerEphBytes, sig) {
		return rnserrors.New(rnserrors.InvalidToken, "link proof signature invalid")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State != Pending {
		return rnserrors.New(rnserrors.LinkTimeout, "link not awaiting proof (state %d)", l.State)
	}
	copy(l.remoteEph[:], peerEphBytes)
	l.ID = computeLinkID(l.RemoteDestHash, l.localEph.Public, l.remoteEph)
	if err := l.deriveSessionKey(); err != nil {
		return err
	}
	l.State = Handshake
	l.lastActivity = time.Now()
	return nil
}

func (l *Link) deriveSessionKey() error {
	shared, err := rnscrypto.X25519Exchange(l.localEph.Private, l.remoteEph)
	if err != nil {
		return fmt.Errorf("link: derive session key: %w", err)
	}
	key, err := rnscrypto.HKDF(shared, nil, sessionKeyInfo, 32)
	if err != nil {
		return fmt.Errorf("link: derive session key: %w", err)
	}
	l.sessionKey = key
	return nil
}

// MarkDataReceived transitions Handshake -> Active on the first data
// packet, and refreshes the inactivity timer.
func (l *Link) MarkDataReceived() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State == Handshake {
		l.State = Active
	}
	l.lastActivity = time.Now()
}

// Encrypt Fernet-seals plaintext under the session key. Only valid once
// the Link has a session key (Handshake or Active).
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessionKey == nil {
		return nil, rnserrors.New(rnserrors.LinkTimeout, "link has no session key yet (state %d)", l.State)
	}
	return rnscrypto.FernetEncrypt(l.sessionKey, plaintext)
}

// Decrypt reverses Encrypt.
func (l *Link) Decrypt(token []byte) ([]byte, error) {
	l.mu.Lock()
	key := l.sessionKey
	l.mu.Unlock()
	if key == nil {
		return nil, rnserrors.New(rnserrors.LinkTimeout, "link has no session key yet")
	}
	pt, err := rnscrypto.FernetDecrypt(key, token)
	if err != nil {
		return nil, rnserrors.New(rnserrors.InvalidToken, "%v", err)
	}
	return pt, nil
}

// CheckTimeout closes the link if it has been idle too long for its
// current state, reporting whether it closed it.
func (l *Link) CheckTimeout(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State == Closed {
		return false
	}
	limit := InactivityTimeout
	if l.State == Pending || l.State == Handshake {
		limit = HandshakeTimeout
	}
	if now.Sub(l.lastActivity) > limit {
		l.State = Closed
		return true
	}
	return false
}

// CurrentState reports the link's state under its own lock.
func (l *Link) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.State
}

// Close transitions the link to Closed unconditionally.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.State = Closed
}
