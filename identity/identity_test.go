package identity

import (
	"bytes"
	"testing"
	"time"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("ping")
	ct, err := alice.Encrypt(plaintext, bob.DHPublic())
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestEmptyPlaintextSurvives(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()
	ct, err := alice.Encrypt(nil, bob.DHPublic())
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if len(pt) != 0 {
		t.Fatalf("expected empty plaintext, got %q", pt)
	}
}

func TestIdentityHashesDiffer(t *testing.T) {
	seen := make(map[[HashLen]byte]bool)
	for i := 0; i < 10000; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatal(err)
		}
		h := id.Hash()
		if seen[h] {
			t.Fatalf("hash collision after %d identities", i)
		}
		seen[h] = true
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := Generate()
	msg := []byte("announce")
	sig := id.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestPrivateMaterialRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	blob := id.PrivateMaterial()
	restored, err := FromPrivateMaterial(blob)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Hash() != id.Hash() {
		t.Fatal("restored identity hash mismatch")
	}
	msg := []byte("x")
	if !restored.Verify(msg, id.Sign(msg)) {
		t.Fatal("restored identity should verify original signatures")
	}
}

func TestRatchetForwardSecrecy(t *testing.T) {
	// Bob rotates his ratchet five times; Alice encrypts one message to
	// each successive public ratchet. Bob must be able to decrypt every
	// message using the ratchet id carried by the packet to select the
	// right ring entry, even though only the newest ratchet is "current".
	bob := NewRing(time.Hour)
	if err := bob.Enable(); err != nil {
		t.Fatal(err)
	}

	var ciphertexts [][]byte
	var ids [][RatchetIDLen]byte
	for i := 0; i < 5; i++ {
		if err := bob.Rotate(true); err != nil {
			t.Fatal(err)
		}
		r := bob.Latest()
		ct, err := EncryptToRatchet([]byte{byte(i)}, r.Public())
		if err != nil {
			t.Fatal(err)
		}
		ciphertexts = append(ciphertexts, ct)
		ids = append(ids, r.ID())
	}

	for i, ct := range ciphertexts {
		recv := bob.Find(ids[i])
		if recv == nil {
			t.Fatalf("ratchet id %d not found in Bob's ring", i)
		}
		pt, err := recv.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if pt[0] != byte(i) {
			t.Fatalf("message %d mismatch: got %v", i, pt)
		}
	}
}

func TestGetRatchetIDDeterministic(t *testing.T) {
	ring := NewRing(time.Hour)
	_ = ring.Enable()
	id1 := GetRatchetID(ring.Latest().Public())
	id2 := GetRatchetID(ring.Latest().Public())
	if id1 != id2 {
		t.Fatal("ratchet id should be deterministic")
	}
	if len(id1) != RatchetIDLen {
		t.Fatalf("expected %d bytes, got %d", RatchetIDLen, len(id1))
	}
}

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing(time.Nanosecond)
	for i := 0; i < MaxRatchets+5; i++ {
		if err := ring.Rotate(true); err != nil {
			t.Fatal(err)
		}
	}
	if ring.Len() != MaxRatchets {
		t.Fatalf("expected ring capped at %d, got %d", MaxRatchets, ring.Len())
	}
}

func TestKnownDestinationsLRUEviction(t *testing.T) {
	kd := NewKnownDestinations()
	var first [HashLen]byte
	for i := 0; i < KnownDestinationsCacheSize+1; i++ {
		var h [HashLen]byte
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		if i == 0 {
			first = h
		}
		kd.Remember(h, []byte("pub"), nil, int64(i))
	}
	if _, ok := kd.Recall(first); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if kd.Len() != KnownDestinationsCacheSize {
		t.Fatalf("expected cache size %d, got %d", KnownDestinationsCacheSize, kd.Len())
	}
}
