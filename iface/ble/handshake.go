package ble

import "time"

// IdentityLen is the size of the identity blob exchanged during the BLE
// handshake (spec.md §4.7.3).
const IdentityLen = 16

// HandshakeTimeout bounds how long an in-progress handshake may remain
// unresolved before it is considered failed.
const HandshakeTimeout = 10 * time.Second

// IsHandshakeFrame reports whether frame is a handshake write: exactly
// IdentityLen bytes, and the peer does not yet have an identity mapped.
func IsHandshakeFrame(frame []byte, peerHasIdentity bool) bool {
	return len(frame) == IdentityLen && !peerHasIdentity
}

// CompleteHandshake records the peer's identity and marks the connection
// handshake-complete (State Connected, LastSeen set to now). It returns
// nothing and raises no event itself.
func (p *Peer) CompleteHandshake(identity [IdentityLen]byte, now time.Time) {
	id := identity
	p.Identity = &id
	p.State = Connected
	p.LastSeen = now
}

// HandshakeTimedOut reports whether a peer stuck in Handshaking has
// exceeded HandshakeTimeout since LastSeen (the time the handshake began).
func (p *Peer) HandshakeTimedOut(now time.Time) bool {
	return p.State == Handshaking && now.Sub(p.LastSeen) > HandshakeTimeout
}
