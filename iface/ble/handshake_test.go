package ble

import (
	"testing"
	"time"
)

func TestIsHandshakeFrame(t *testing.T) {
	frame := make([]byte, IdentityLen)
	if !IsHandshakeFrame(frame, false) {
		t.Fatal("expected a 16-byte frame from an identity-less peer to be a handshake")
	}
	if IsHandshakeFrame(frame, true) {
		t.Fatal("expected a 16-byte frame to be rejected once an identity is already mapped")
	}
	if IsHandshakeFrame(make([]byte, 15), false) {
		t.Fatal("expected a non-16-byte frame to never be a handshake")
	}
}

func TestCompleteHandshake(t *testing.T) {
	p := &Peer{State: Handshaking}
	var id [IdentityLen]byte
	id[0] = 0xAB
	now := time.Now()
	p.CompleteHandshake(id, now)

	if p.State != Connected {
		t.Fatal("expected state Connected after a completed handshake")
	}
	if p.Identity == nil || p.Identity[0] != 0xAB {
		t.Fatal("expected the peer's identity to be recorded")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	now := time.Now()
	p := &Peer{State: Handshaking, LastSeen: now.Add(-2 * HandshakeTimeout)}
	if !p.HandshakeTimedOut(now) {
		t.Fatal("expected a stale handshake to be reported timed out")
	}

	fresh := &Peer{State: Handshaking, LastSeen: now}
	if fresh.HandshakeTimedOut(now) {
		t.Fatal("expected a fresh handshake not to be timed out")
	}

	connected := &Peer{State: Connected, LastSeen: now.Add(-2 * HandshakeTimeout)}
	if connected.HandshakeTimedOut(now) {
		t.Fatal("a Connected peer cannot be mid-handshake")
	}
}
