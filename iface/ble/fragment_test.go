package ble

import (
	"bytes"
	"testing"
	"time"
)

func TestFragmentSingleFragment(t *testing.T) {
	payload := []byte("short")
	frags := Fragment(payload, 64)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0][0] != FragEnd {
		t.Fatal("expected the sole fragment to be type END")
	}
}

func TestFragmentMultiFragmentExample(t *testing.T) {
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags := Fragment(payload, 23)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments for a 50-byte payload at mtu=23, got %d", len(frags))
	}
	if frags[0][0] != FragStart || fragmentSeq(frags[0]) != 0 || fragmentTotal(frags[0]) != 3 {
		t.Fatalf("unexpected first fragment header: %x", frags[0][:5])
	}
	if frags[1][0] != FragContinue || fragmentSeq(frags[1]) != 1 {
		t.Fatalf("unexpected middle fragment header: %x", frags[1][:5])
	}
	if frags[2][0] != FragEnd || fragmentSeq(frags[2]) != 2 {
		t.Fatalf("unexpected last fragment header: %x", frags[2][:5])
	}
	if len(frags[2])-FragmentHeaderLen != 14 {
		t.Fatalf("expected final fragment payload of 14 bytes, got %d", len(frags[2])-FragmentHeaderLen)
	}
}

func TestReassembleInOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("reticulum"), 10)
	frags := Fragment(payload, 23)
	p := &Peer{}
	now := time.Now()

	var out []byte
	for _, f := range frags {
		assembled, complete, err := p.Feed(f, now)
		if err != nil {
			t.Fatal(err)
		}
		if complete {
			out = assembled
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags := Fragment(payload, 23)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}

	p := &Peer{}
	now := time.Now()
	order := []int{2, 0, 1}
	var out []byte
	var completions int
	for _, idx := range order {
		assembled, complete, err := p.Feed(frags[idx], now)
		if err != nil {
			t.Fatal(err)
		}
		if complete {
			completions++
			out = assembled
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("out-of-order reassembly produced the wrong payload")
	}
}

func TestReassembleDuplicateFragmentIgnored(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 36)
	frags := Fragment(payload, 23)
	p := &Peer{}
	now := time.Now()

	if _, _, err := p.Feed(frags[0], now); err != nil {
		t.Fatal(err)
	}
	if _, complete, err := p.Feed(frags[0], now); err != nil || complete {
		t.Fatal("expected a duplicate fragment to be ignored, not completing the transfer")
	}
	if _, complete, err := p.Feed(frags[1], now); err != nil || !complete {
		t.Fatal("expected the transfer to complete after the remaining unique fragment")
	}
}

func TestReassemblyStartDiscardsPriorSession(t *testing.T) {
	payloadA := bytes.Repeat([]byte("a"), 40)
	payloadB := bytes.Repeat([]byte("b"), 40)
	fragsA := Fragment(payloadA, 23)
	fragsB := Fragment(payloadB, 23)

	p := &Peer{}
	now := time.Now()
	if _, _, err := p.Feed(fragsA[0], now); err != nil {
		t.Fatal(err)
	}

	var out []byte
	for _, f := range fragsB {
		assembled, complete, err := p.Feed(f, now)
		if err != nil {
			t.Fatal(err)
		}
		if complete {
			out = assembled
		}
	}
	if !bytes.Equal(out, payloadB) {
		t.Fatal("expected a new START to discard the prior incomplete session")
	}
}

func TestInvalidFragmentsRejected(t *testing.T) {
	p := &Peer{}
	now := time.Now()

	if _, _, err := p.Feed([]byte{0x01, 0x00}, now); err == nil {
		t.Fatal("expected a too-short frame to be rejected")
	}
	if _, _, err := p.Feed([]byte{0x09, 0, 0, 0, 1}, now); err == nil {
		t.Fatal("expected an unrecognized type byte to be rejected")
	}
}

func TestHeaderOnlyFragmentValid(t *testing.T) {
	frame := []byte{FragEnd, 0, 0, 0, 1}
	if !ValidFragment(frame) {
		t.Fatal("expected a 5-byte header-only END fragment to be valid")
	}
	p := &Peer{}
	payload, complete, err := p.Feed(frame, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !complete || len(payload) != 0 {
		t.Fatalf("expected an empty completed payload, got %v complete=%v", payload, complete)
	}
}

func TestReassemblyTimeout(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 40)
	frags := Fragment(payload, 23)
	p := &Peer{}
	now := time.Now()
	if _, _, err := p.Feed(frags[0], now); err != nil {
		t.Fatal(err)
	}
	later := now.Add(2 * ReassemblyTimeout)
	if !p.ReassemblyExpired(later) {
		t.Fatal("expected a stalled reassembly session to be reported expired")
	}
	if p.ReassemblyExpired(later) {
		t.Fatal("expected ReassemblyExpired to clear the session after reporting it once")
	}
}

func FuzzFragmentReassemble(f *testing.F) {
	f.Add([]byte("hello world"), 23)
	f.Add([]byte{}, 64)
	f.Add(bytes.Repeat([]byte{0xAB}, 1000), 512)

	f.Fuzz(func(t *testing.T, payload []byte, mtuSeed int) {
		mtu := (mtuSeed % 490) + 23
		if mtu < FragmentHeaderLen+1 {
			mtu = FragmentHeaderLen + 1
		}
		frags := Fragment(payload, mtu)

		p := &Peer{}
		now := time.Now()
		var out []byte
		var gotComplete bool
		for _, frag := range frags {
			assembled, complete, err := p.Feed(frag, now)
			if err != nil {
				t.Fatalf("unexpected error reassembling a self-produced fragment: %v", err)
			}
			if complete {
				gotComplete = true
				out = assembled
			}
		}
		if !gotComplete {
			t.Fatal("expected reassembly to complete")
		}
		if !bytes.Equal(out, payload) && !(len(out) == 0 && len(payload) == 0) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(out), len(payload))
		}
	})
}
