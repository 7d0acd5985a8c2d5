package packet

import (
	"bytes"
	"testing"
	"time"

	"github.com/cvsouth/rns-go/identity"
)

func TestEncryptDecryptSingleStatic(t *testing.T) {
	bob, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	p := &Packet{HeaderType: Header1, DestinationType: DestSingle, PacketType: TypeData}
	if err := p.EncryptSingleStatic([]byte("payload"), bob.DHPublic()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pack(); err != nil {
		t.Fatal(err)
	}

	roundTripped, err := Unpack(p.Raw)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := roundTripped.DecryptSingle(bob, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("decrypted payload mismatch: got %q", pt)
	}
}

func TestEncryptDecryptSingleRatchet(t *testing.T) {
	ring := identity.NewRing(time.Hour)
	if err := ring.Enable(); err != nil {
		t.Fatal(err)
	}
	r := ring.Latest()

	p := &Packet{HeaderType: Header1, DestinationType: DestSingle, PacketType: TypeData}
	if err := p.EncryptSingleRatchet([]byte("ratcheted"), r.ID(), r.Public()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pack(); err != nil {
		t.Fatal(err)
	}

	roundTripped, err := Unpack(p.Raw)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := roundTripped.DecryptSingle(nil, ring)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("ratcheted")) {
		t.Fatalf("decrypted payload mismatch: got %q", pt)
	}
}

func TestDecryptSingleUnknownRatchet(t *testing.T) {
	ring := identity.NewRing(time.Hour)
	_ = ring.Enable()
	other := identity.NewRing(time.Hour)
	_ = other.Enable()

	p := &Packet{HeaderType: Header1, DestinationType: DestSingle, PacketType: TypeData}
	if err := p.EncryptSingleRatchet([]byte("x"), other.Latest().ID(), other.Latest().Public()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pack(); err != nil {
		t.Fatal(err)
	}

	roundTripped, err := Unpack(p.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := roundTripped.DecryptSingle(nil, ring); err == nil {
		t.Fatal("expected UnknownRatchet error")
	}
}

func TestProofBuildAndValidate(t *testing.T) {
	signer, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	original := &Packet{HeaderType: Header1, DestinationType: DestPlain, Plaintext: []byte("data")}
	if _, err := original.Pack(); err != nil {
		t.Fatal(err)
	}

	proof, err := BuildProof(original, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidateProof(proof, original, signer) {
		t.Fatal("expected proof to validate")
	}

	impostor, _ := identity.Generate()
	if ValidateProof(proof, original, impostor) {
		t.Fatal("expected proof to fail against the wrong signer")
	}
}
