package lxmf

import (
	"bytes"
	"testing"
)

func TestMessagePackUnpackRoundTrip(t *testing.T) {
	var src, dst [16]byte
	src[0], dst[0] = 0xAA, 0xBB

	msg, err := NewMessage(src, dst, "hello", []byte("world"), map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	raw := msg.Pack()
	got, err := Unpack(raw)
	if err != nil {
		t.Fatal(err)
	}

	if got.SourceHash != src || got.DestinationHash != dst {
		t.Fatal("hash mismatch after round trip")
	}
	if got.Title != "hello" || !bytes.Equal(got.Content, []byte("world")) {
		t.Fatalf("content mismatch: %+v", got)
	}
	if got.Fields["k"] != "v" {
		t.Fatalf("expected field k=v, got %+v", got.Fields)
	}
}

func TestMessageHashDeterministic(t *testing.T) {
	var src, dst [16]byte
	msg, _ := NewMessage(src, dst, "t", []byte("c"), nil)
	h1 := msg.Hash()
	h2 := msg.Hash()
	if h1 != h2 {
		t.Fatal("expected Hash to be stable across calls")
	}
}

func TestMessageTooManyFieldsRejected(t *testing.T) {
	var src, dst [16]byte
	fields := make(map[string]string, MaxFields+1)
	for i := 0; i < MaxFields+1; i++ {
		fields[string(rune('a'+i))] = "x"
	}
	if _, err := NewMessage(src, dst, "t", nil, fields); err == nil {
		t.Fatal("expected too many fields to be rejected")
	}
}

func TestUnpackTruncated(t *testing.T) {
	if _, err := Unpack([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected a too-short buffer to be rejected")
	}
}
