// Package packet implements the Reticulum wire packet: header pack/unpack,
// packet hashing, SINGLE-destination encryption dispatch, and proof
// validation (spec.md §4.4).
package packet

import (
	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// Header type.
const (
	Header1 uint8 = 0 // destination hash only
	Header2 uint8 = 1 // destination hash + transport id
)

// Transport type (wire bit 0).
const (
	TransportBroadcast uint8 = 0
	TransportTransport uint8 = 1
)

// Destination type (wire bits 4-3).
const (
	DestSingle uint8 = 0
	DestGroup  uint8 = 1
	DestPlain  uint8 = 2
	DestLink   uint8 = 3
)

// Packet type (wire bits 2-1).
const (
	TypeData        uint8 = 0
	TypeAnnounce    uint8 = 1
	TypeLinkRequest uint8 = 2
	TypeProof       uint8 = 3
)

// Context codes, carried in the 1-byte context field that every header
// includes; receivers act on them only when ContextFlag is set. The packet-type field is only 2 bits and already saturated by the
// four types above, so sub-type signals within a type (e.g. a Link
// control message riding a DATA packet) are distinguished here instead.
const (
	ContextNone uint8 = 0x00
	// ContextPathRequest marks a DestPlain DATA packet as a PATH_REQUEST:
	// "does anyone know this destination hash" rather than plaintext
	// application payload (spec.md §4.5).
	ContextPathRequest uint8 = 0x01
	// ContextLinkClose marks a DestLink DATA packet as a LINK_CLOSE
	// signal rather than sealed Channel traffic (spec.md §4.5).
	ContextLinkClose uint8 = 0x03
)

const (
	// HashLen is the length, in bytes, of destination hashes, transport
	// ids, and packet hashes.
	HashLen = 16

	// MaxHops is the largest value the 1-byte hop counter may hold before
	// a packet is rejected outright (spec.md §8 boundary behavior).
	MaxHops = 127

	minHeader1Len = 2 + HashLen + 1 // flags+hops, dest hash, context
	minHeader2Len = minHeader1Len + HashLen
)

// Packet is a unit of transmission, wire-compatible with spec.md §4.4.
type Packet struct {
	HeaderType      uint8
	TransportType   uint8
	DestinationType uint8
	PacketType      uint8
	IFAC            bool
	ContextFlag     bool
	Hops            uint8
	ContextCode     uint8
	DestinationHash [HashLen]byte
	TransportID     [HashLen]byte // valid only if HeaderType == Header2
	hasTransportID  bool

	// Plaintext is the unencrypted payload (set by callers building a
	// packet, or by Unpack for PLAIN destinations and for ANNOUNCE,
	// LINKREQUEST and PROOF packets).
	Plaintext []byte
	// Ciphertext is the Fernet/ratchet token (set by EncryptSingleStatic/
	// EncryptSingleRatchet, or by Unpack for DATA to non-PLAIN destinations).
	Ciphertext []byte

	// Raw is the full wire frame: header || (plaintext|ciphertext). It is
	// populated by Pack and by Unpack.
	Raw []byte

	// hash is computed lazily by Pack/Unpack and is stable thereafter.
	hash    [HashLen]byte
	hashSet bool
}

// payload returns whatever body bytes this packet currently carries:
// Ciphertext if present, else Plaintext.
func (p *Packet) payload() []byte {
	if p.Ciphertext != nil {
		return p.Ciphertext
	}
	return p.Plaintext
}

// Pack serializes the header and payload into Raw and computes the packet
// hash. Hops is encoded as given; the hashable part always uses hops=0 so
// that hop-counting during transit does not change a packet's identity.
func (p *Packet) Pack() ([]byte, error) {
	if p.Hops > MaxHops {
		return nil, rnserrors.New(rnserrors.MalformedPacket, "hops %d exceeds maximum %d", p.Hops, MaxHops)
	}
	body := p.payload()
	hdrLen := minHeader1Len
	if p.HeaderType == Header2 {
		hdrLen = minHeader2Len
	}
	raw := make([]byte, hdrLen+len(body))
	p.writeHeader(raw, p.Hops)
	copy(raw[hdrLen:], body)
	p.Raw = raw

	hashable := make([]byte, len(raw))
	copy(hashable, raw)
	p.writeHeader(hashable, 0)
	sum := rnscrypto.FullHash(append(p.DestinationHash[:], hashable...))
	copy(p.hash[:], sum[:HashLen])
	p.hashSet = true

	return raw, nil
}

func (p *Packet) writeHeader(buf []byte, hops uint8) {
	var flags uint8
	if p.IFAC {
		flags |= 1 << 7
	}
	if p.HeaderType == Header2 {
		flags |= 1 << 6
	}
	if p.ContextFlag {
		flags |= 1 << 5
	}
	flags |= (p.DestinationType & 0x3) << 3
	flags |= (p.PacketType & 0x3) << 1
	flags |= p.TransportType & 0x1

	buf[0] = flags
	buf[1] = hops
	off := 2
	copy(buf[off:off+HashLen], p.DestinationHash[:])
	off += HashLen
	if p.HeaderType == Header2 {
		copy(buf[off:off+HashLen], p.TransportID[:])
		off += HashLen
	}
	buf[off] = p.ContextCode
}

// Hash returns the 16-byte packet hash. Pack or Unpack must be called
// first.
func (p *Packet) Hash() [HashLen]byte {
	return p.hash
}

// Unpack parses a wire frame into a Packet. It validates minimum length
// for the declared header type before touching the body.
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < minHeader1Len {
		return nil, rnserrors.New(rnserrors.Truncated, "frame too short for any header: %d bytes", len(raw))
	}
	flags := raw[0]
	p := &Packet{
		IFAC:            flags&(1<<7) != 0,
		ContextFlag:     flags&(1<<5) != 0,
		DestinationType: (flags >> 3) & 0x3,
		PacketType:      (flags >> 1) & 0x3,
		TransportType:   flags & 0x1,
		Hops:            raw[1],
	}
	if flags&(1<<6) != 0 {
		p.HeaderType = Header2
	} else {
		p.HeaderType = Header1
	}
	if p.Hops > MaxHops {
		return nil, rnserrors.New(rnserrors.MalformedPacket, "hops %d exceeds maximum %d", p.Hops, MaxHops)
	}

	hdrLen := minHeader1Len
	if p.HeaderType == Header2 {
		hdrLen = minHeader2Len
	}
	if len(raw) < hdrLen {
		return nil, rnserrors.New(rnserrors.Truncated, "frame too short for header type %d: %d bytes, need %d", p.HeaderType, len(raw), hdrLen)
	}

	off := 2
	copy(p.DestinationHash[:], raw[off:off+HashLen])
	off += HashLen
	if p.HeaderType == Header2 {
		copy(p.TransportID[:], raw[off:off+HashLen])
		p.hasTransportID = true
		off += HashLen
	}
	p.ContextCode = raw[off]
	off++

	body := raw[off:]
	if p.DestinationType == DestPlain || p.PacketType != TypeData {
		p.Plaintext = append([]byte(nil), body...)
	} else {
		p.Ciphertext = append([]byte(nil), body...)
	}
	p.Raw = append([]byte(nil), raw...)

	hashable := make([]byte, len(raw))
	copy(hashable, raw)
	p.writeHeader(hashable, 0)
	sum := rnscrypto.FullHash(append(p.DestinationHash[:], hashable...))
	copy(p.hash[:], sum[:HashLen])
	p.hashSet = true

	return p, nil
}

// HasTransportID reports whether TransportID was present on the wire
// (always true for HeaderType == Header2).
func (p *Packet) HasTransportID() bool { return p.hasTransportID }
