// Package buf implements Bytes, a copy-on-write byte container.
//
// Storage is shared between Bytes values created from one another until a
// mutating operation needs an exclusive copy, at which point it is cloned
// once and the original is left untouched. This lets large payloads flow
// through the packet/link/resource pipeline by reference in the common
// (read-only) case while still giving every caller value semantics.
package buf

import (
	"encoding/hex"
	"sync/atomic"
)

// storage is the shared backing array plus a reference count. A store is
// writable in place only when refs == 1.
type storage struct {
	data []byte
	refs atomic.Int32
}

func newStorage(data []byte) *storage {
	s := &storage{data: data}
	s.refs.Store(1)
	return s
}

// Bytes is an ordered, fixed-size sequence of octets with copy-on-write
// mutation. The zero value is an empty, valid Bytes.
type Bytes struct {
	s    *storage
	off  int
	size int
}

// New copies raw into a fresh, exclusively-owned Bytes.
func New(raw []byte) Bytes {
	cp := alloc(len(raw))
	copy(cp, raw)
	return Bytes{s: newStorage(cp), size: len(cp)}
}

// FromHex decodes a hex string into Bytes.
func FromHex(s string) (Bytes, error) {
	d, err := hex.DecodeString(s)
	if err != nil {
		return Bytes{}, err
	}
	return Bytes{s: newStorage(d), size: len(d)}, nil
}

// Shallow returns a Bytes sharing b's storage (a cheap, reference-counted
// copy). Mutating the result never affects b: the first write performs
// copy-on-write.
func (b Bytes) Shallow() Bytes {
	if b.s != nil {
		b.s.refs.Add(1)
	}
	return b
}

// Len returns the number of bytes.
func (b Bytes) Len() int { return b.size }

// Bytes returns a read-only view of the contents. Callers must not mutate
// the returned slice.
func (b Bytes) Bytes() []byte {
	if b.s == nil {
		return nil
	}
	return b.s.data[b.off : b.off+b.size]
}

// ToHex returns the lowercase hex encoding of the contents.
func (b Bytes) ToHex() string {
	return hex.EncodeToString(b.Bytes())
}

// Left returns the first n bytes as a shallow (shared) slice. Panics if
// n > Len().
func (b Bytes) Left(n int) Bytes {
	return b.Mid(0, n)
}

// Mid returns the n bytes starting at offset as a shallow (shared) slice.
func (b Bytes) Mid(offset, n int) Bytes {
	if offset < 0 || n < 0 || offset+n > b.size {
		panic("buf: slice out of range")
	}
	if b.s != nil {
		b.s.refs.Add(1)
	}
	return Bytes{s: b.s, off: b.off + offset, size: n}
}

// writable returns an exclusively-owned byte slice of at least n bytes,
// cloning the backing storage first if it is shared. The returned slice
// aliases the live contents (first b.size bytes valid); growth beyond the
// current size is zero-filled.
func (b *Bytes) writable(n int) []byte {
	need := b.size
	if n > need {
		need = n
	}
	if b.s == nil {
		b.s = newStorage(alloc(need))
		b.off = 0
		b.size = need
		return b.s.data
	}
	shared := b.s.refs.Load() > 1
	if shared || len(b.s.data) < b.off+need {
		fresh := alloc(need)
		copy(fresh, b.s.data[b.off:b.off+b.size])
		if shared {
			b.s.refs.Add(-1)
		}
		b.s = newStorage(fresh)
		b.off = 0
	}
	if b.size < need {
		b.size = need
	}
	return b.s.data
}

// Append returns a new Bytes equal to b followed by more, performing
// copy-on-write if b's storage is shared with another live Bytes.
func (b Bytes) Append(more []byte) Bytes {
	out := b
	data := out.writable(out.size + len(more))
	copy(data[out.off+b.size:], more)
	out.size = b.size + len(more)
	return out
}

// Resize returns a Bytes of exactly n bytes: b's contents truncated or
// zero-extended.
func (b Bytes) Resize(n int) Bytes {
	out := b
	data := out.writable(n)
	if n > b.size {
		for i := b.size; i < n; i++ {
			data[out.off+i] = 0
		}
	}
	out.size = n
	return out
}

// Equal reports whether two Bytes hold identical contents.
func (b Bytes) Equal(other Bytes) bool {
	ba, bb := b.Bytes(), other.Bytes()
	if len(ba) != len(bb) {
		return false
	}
	for i := range ba {
		if ba[i] != bb[i] {
			return false
		}
	}
	return true
}
