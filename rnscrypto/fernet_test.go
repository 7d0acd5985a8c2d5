package rnscrypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, fernetKeyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestFernetRoundTrip(t *testing.T) {
	key := randKey(t)
	pt := []byte("the quick brown fox jumps over the lazy dog")
	ct, err := FernetEncrypt(key, pt)
	if err != nil {
		t.Fatal(err)
	}
	got, err := FernetDecrypt(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: got %q want %q", got, pt)
	}
}

func TestFernetEmptyPlaintext(t *testing.T) {
	key := randKey(t)
	ct, err := FernetEncrypt(key, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := FernetDecrypt(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %q", got)
	}
}

func TestFernetTamperedMACRejected(t *testing.T) {
	key := randKey(t)
	ct, err := FernetEncrypt(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xFF
	if _, err := FernetDecrypt(key, ct); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestFernetTamperedCiphertextRejected(t *testing.T) {
	key := randKey(t)
	ct, err := FernetEncrypt(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[20] ^= 0x01
	if _, err := FernetDecrypt(key, ct); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestFernetWrongKeyRejected(t *testing.T) {
	key := randKey(t)
	other := randKey(t)
	ct, err := FernetEncrypt(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FernetDecrypt(other, ct); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestBZ2RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("reticulum mesh routing "), 200)
	compressed, err := BZ2Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data: %d >= %d", len(compressed), len(data))
	}
	out, err := BZ2Decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("bz2 round trip mismatch")
	}
}
