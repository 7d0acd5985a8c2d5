package link

import (
	"testing"

	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/rnscrypto"
)

func FuzzAcceptRequest(f *testing.F) {
	id, _ := identity.Generate()
	eph, _ := rnscrypto.GenerateX25519()
	f.Add(eph.Public[:])
	f.Add([]byte{})
	f.Add([]byte{0x01, 0x02, 0x03})

	var destHash [16]byte
	f.Fuzz(func(t *testing.T, payload []byte) {
		// Must not panic on any input.
		_, _, _ = AcceptRequest(destHash, payload, id)
	})
}

func FuzzAcceptProof(f *testing.F) {
	id, _ := identity.Generate()
	eph, _ := rnscrypto.GenerateX25519()
	sig := id.Sign(eph.Public[:])
	f.Add(append(append([]byte{}, eph.Public[:]...), sig...))
	f.Add([]byte{})
	f.Add(make([]byte, 96))

	var destHash [16]byte
	f.Fuzz(func(t *testing.T, proof []byte) {
		l, _, err := Request(destHash)
		if err != nil {
			t.Fatal(err)
		}
		// Must not panic on any input.
		_ = l.AcceptProof(proof, id)
	})
}
