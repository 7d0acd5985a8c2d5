package link

import (
	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// MaxResourceParts bounds a Resource transfer's part count; the parts
// slice is pre-allocated to this size up front rather than grown
// (spec.md §4.6, §5 memory discipline).
const MaxResourceParts = 256

// DefaultPartSize is the payload size of one Resource part.
const DefaultPartSize = 400

const partHashLen = 16

// Advertisement is what a sender transmits before streaming a Resource,
// letting the receiver accept or reject the transfer.
type Advertisement struct {
	Hash       [16]byte
	PartCount  int
	TotalSize  int
	Compressed bool
	PartHashes [][partHashLen]byte
}

// Resource is a sequenced, hash-verified, optionally-compressed
// multi-packet transfer.
type Resource struct {
	Hash       [16]byte
	Compressed bool
	TotalSize  int

	parts      [][]byte
	partHashes [][partHashLen]byte
	have       []bool
}

// NewOutgoing splits data into parts of at most partSize bytes
// (optionally BZ2-compressing first), computing a truncated hash per
// part and an overall resource hash over the concatenation of part
// hashes.
func NewOutgoing(data []byte, partSize int, compress bool) (*Resource, error) {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	payload := data
	if compress {
		c, err := rnscrypto.BZ2Compress(data)
		if err != nil {
			return nil, err
		}
		payload = c
	}

	numParts := (len(payload) + partSize - 1) / partSize
	if numParts == 0 {
		numParts = 1
	}
	if numParts > MaxResourceParts {
		return nil, rnserrors.New(rnserrors.PoolExhausted, "resource requires %d parts, exceeds maximum %d", numParts, MaxResourceParts)
	}

	parts := make([][]byte, 0, numParts)
	hashes := make([][partHashLen]byte, 0, numParts)
	for i := 0; i < numParts; i++ {
		start := i * partSize
		end := start + partSize
		if end > len(payload) {
			end = len(payload)
		}
		part := append([]byte(nil), payload[start:end]...)
		parts = append(parts, part)
		var h [partHashLen]byte
		copy(h[:], rnscrypto.TruncatedHash(part, partHashLen))
		hashes = append(hashes, h)
	}

	material := make([]byte, 0, len(hashes)*partHashLen)
	for _, h := range hashes {
		material = append(material, h[:]...)
	}
	var resourceHash [16]byte
	copy(resourceHash[:], rnscrypto.TruncatedHash(material, 16))

	return &Resource{
		Hash:       resourceHash,
		Compressed: compress,
		TotalSize:  len(payload),
		parts:      parts,
		partHashes: hashes,
	}, nil
}

// Advertisement returns the metadata a receiver needs to accept/reject
// and verify incoming parts.
func (r *Resource) Advertisement() Advertisement {
	return Advertisement{
		Hash:       r.Hash,
		PartCount:  len(r.parts),
		TotalSize:  r.TotalSize,
		Compressed: r.Compressed,
		PartHashes: append([][partHashLen]byte(nil), r.partHashes...),
	}
}

// Part returns part i of an outgoing Resource for transmission.
func (r *Resource) Part(i int) []byte { return r.parts[i] }

// NewIncoming creates receiver-side transfer state from an accepted
// Advertisement.
func NewIncoming(adv Advertisement) (*Resource, error) {
	if adv.PartCount <= 0 || adv.PartCount > MaxResourceParts {
		return nil, rnserrors.New(rnserrors.PoolExhausted, "advertised part count %d out of bounds", adv.PartCount)
	}
	return &Resource{
		Hash:       adv.Hash,
		Compressed: adv.Compressed,
		TotalSize:  adv.TotalSize,
		parts:      make([][]byte, adv.PartCount),
		partHashes: append([][partHashLen]byte(nil), adv.PartHashes...),
		have:       make([]bool, adv.PartCount),
	}, nil
}

// ReceivePart verifies data against the advertised hash for part i and
// stores it. Returns InvalidToken if the hash does not match.
func (r *Resource) ReceivePart(i int, data []byte) error {
	if i < 0 || i >= len(r.parts) {
		return rnserrors.New(rnserrors.MalformedPacket, "resource part index %d out of range", i)
	}
	got := rnscrypto.TruncatedHash(data, partHashLen)
	var want [partHashLen]byte
	want = r.partHashes[i]
	for j := 0; j < partHashLen; j++ {
		if got[j] != want[j] {
			return rnserrors.New(rnserrors.InvalidToken, "resource part %d hash mismatch", i)
		}
	}
	r.parts[i] = append([]byte(nil), data...)
	r.have[i] = true
	return nil
}

// Missing returns the indices not yet received, for selective
// retransmission requests.
func (r *Resource) Missing() []int {
	var out []int
	for i, ok := range r.have {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

// Complete reports whether every part has been received.
func (r *Resource) Complete() bool {
	return len(r.Missing()) == 0
}

// Assemble concatenates every part (decompressing if the transfer was
// compressed) and verifies the result against the resource hash material.
// Callers must check Complete first.
func (r *Resource) Assemble() ([]byte, error) {
	if !r.Complete() {
		return nil, rnserrors.New(rnserrors.Truncated, "resource incomplete: %d parts missing", len(r.Missing()))
	}
	material := make([]byte, 0, len(r.partHashes)*partHashLen)
	for _, h := range r.partHashes {
		material = append(material, h[:]...)
	}
	sum := rnscrypto.TruncatedHash(material, 16)
	for j := range r.Hash {
		if sum[j] != r.Hash[j] {
			return nil, rnserrors.New(rnserrors.InvalidToken, "resource hash mismatch")
		}
	}
	var out []byte
	for _, p := range r.parts {
		out = append(out, p...)
	}
	if r.Compressed {
		d, err := rnscrypto.BZ2Decompress(out)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return out, nil
}
