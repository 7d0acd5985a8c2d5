package link

import (
	"bytes"
	"testing"
)

func TestResourceRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("reticulum mesh data "), 50)

	out, err := NewOutgoing(data, 32, false)
	if err != nil {
		t.Fatal(err)
	}

	adv := out.Advertisement()
	in, err := NewIncoming(adv)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < adv.PartCount; i++ {
		if err := in.ReceivePart(i, out.Part(i)); err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
	}
	if !in.Complete() {
		t.Fatal("expected transfer to be complete")
	}
	assembled, err := in.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled data does not match original")
	}
}

func TestResourceCompressedRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 100)

	out, err := NewOutgoing(data, DefaultPartSize, true)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Compressed {
		t.Fatal("expected outgoing resource to be marked compressed")
	}

	in, err := NewIncoming(out.Advertisement())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < out.Advertisement().PartCount; i++ {
		if err := in.ReceivePart(i, out.Part(i)); err != nil {
			t.Fatal(err)
		}
	}
	assembled, err := in.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("decompressed data does not match original")
	}
}

func TestResourceMissingParts(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	out, err := NewOutgoing(data, 100, false)
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewIncoming(out.Advertisement())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < out.Advertisement().PartCount; i++ {
		if i == 3 {
			continue
		}
		if err := in.ReceivePart(i, out.Part(i)); err != nil {
			t.Fatal(err)
		}
	}
	missing := in.Missing()
	if len(missing) != 1 || missing[0] != 3 {
		t.Fatalf("expected only part 3 missing, got %v", missing)
	}
	if in.Complete() {
		t.Fatal("expected transfer to be incomplete")
	}
	if _, err := in.Assemble(); err == nil {
		t.Fatal("expected Assemble to fail on an incomplete transfer")
	}
}

func TestResourceRejectsCorruptPart(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 500)
	out, err := NewOutgoing(data, 100, false)
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewIncoming(out.Advertisement())
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), out.Part(0)...)
	corrupt[0] ^= 0xFF
	if err := in.ReceivePart(0, corrupt); err == nil {
		t.Fatal("expected a corrupted part to be rejected")
	}
}

func TestResourceExceedsMaxParts(t *testing.T) {
	data := make([]byte, (MaxResourceParts+1)*10)
	if _, err := NewOutgoing(data, 10, false); err == nil {
		t.Fatal("expected NewOutgoing to reject a transfer requiring too many parts")
	}
}
