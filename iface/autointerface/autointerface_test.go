package autointerface

import (
	"testing"
	"time"
)

func TestMulticastGroupDeterministic(t *testing.T) {
	a := multicastGroup("reticulum")
	b := multicastGroup("reticulum")
	if a.String() != b.String() {
		t.Fatal("expected multicastGroup to be deterministic for the same group id")
	}
	if a[0] != 0xff || a[1] != 0x12 {
		t.Fatalf("expected an ff12::/16 multicast prefix, got %s", a.String())
	}
	other := multicastGroup("some-other-group")
	if a.String() == other.String() {
		t.Fatal("expected different group ids to produce different multicast groups")
	}
}

func TestDiscoveryTokenDeterministic(t *testing.T) {
	tok1 := discoveryToken("reticulum", "fe80::1")
	tok2 := discoveryToken("reticulum", "fe80::1")
	if tok1 != tok2 {
		t.Fatal("expected discoveryToken to be deterministic")
	}
	tok3 := discoveryToken("reticulum", "fe80::2")
	if tok1 == tok3 {
		t.Fatal("expected different addresses to produce different tokens")
	}
}

func TestIsDuplicateWithinTTL(t *testing.T) {
	a := New("reticulum", "", nil)
	frame := []byte("hello")

	if a.isDuplicate(frame) {
		t.Fatal("first occurrence should not be a duplicate")
	}
	if !a.isDuplicate(frame) {
		t.Fatal("second occurrence within TTL should be a duplicate")
	}
}

func TestIsDuplicateExpiresAfterTTL(t *testing.T) {
	a := New("reticulum", "", nil)
	frame := []byte("hello")
	a.isDuplicate(frame)

	a.dedup[0].at = time.Now().Add(-2 * dedupTTL)
	if a.isDuplicate(frame) {
		t.Fatal("expected the entry to have expired past its TTL")
	}
}

func TestIsDuplicateRingBounded(t *testing.T) {
	a := New("reticulum", "", nil)
	for i := 0; i < dedupSize+10; i++ {
		a.isDuplicate([]byte{byte(i)})
	}
	if len(a.dedup) > dedupSize {
		t.Fatalf("expected dedup ring capped at %d entries, got %d", dedupSize, len(a.dedup))
	}
}

func TestCarrierChangedReadAndClear(t *testing.T) {
	a := New("reticulum", "", nil)
	a.carrierChanged = true

	if !a.CarrierChanged() {
		t.Fatal("expected first read to observe the pending transition")
	}
	if a.CarrierChanged() {
		t.Fatal("expected the flag to clear after being read once")
	}
}

func TestPeerExpiry(t *testing.T) {
	a := New("reticulum", "", nil)
	a.peers["fe80::1"] = &Peer{LastHeard: time.Now().Add(-2 * PeeringTimeout)}
	a.peers["fe80::2"] = &Peer{LastHeard: time.Now()}

	a.expirePeers(time.Now())

	if _, ok := a.peers["fe80::1"]; ok {
		t.Fatal("expected the stale peer to have been expired")
	}
	if _, ok := a.peers["fe80::2"]; !ok {
		t.Fatal("expected the fresh peer to remain")
	}
}
