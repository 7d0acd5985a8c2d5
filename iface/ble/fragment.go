package ble

import (
	"encoding/binary"
	"time"

	"github.com/cvsouth/rns-go/rnserrors"
)

// FragmentHeaderLen is the 5-byte header prefixing every BLE fragment.
const FragmentHeaderLen = 5

// Fragment types (spec.md §4.7.3).
const (
	FragStart    byte = 0x01
	FragContinue byte = 0x02
	FragEnd      byte = 0x03
)

// ReassemblyTimeout is how long a per-peer reassembly session may sit idle
// before being dropped.
const ReassemblyTimeout = 30 * time.Second

// Fragment splits payload into MTU-5-byte chunks, each prefixed with the
// 5-byte header: type, sequence (BE), total fragment count (BE). A payload
// that fits in a single fragment uses type END, total=1, seq=0.
func Fragment(payload []byte, mtu int) [][]byte {
	chunkSize := mtu - FragmentHeaderLen
	if chunkSize <= 0 {
		chunkSize = 1
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	out := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		var typ byte
		switch {
		case total == 1:
			typ = FragEnd
		case seq == 0:
			typ = FragStart
		case seq == total-1:
			typ = FragEnd
		default:
			typ = FragContinue
		}

		frame := make([]byte, FragmentHeaderLen+len(chunk))
		frame[0] = typ
		binary.BigEndian.PutUint16(frame[1:3], uint16(seq))
		binary.BigEndian.PutUint16(frame[3:5], uint16(total))
		copy(frame[FragmentHeaderLen:], chunk)
		out = append(out, frame)
	}
	return out
}

// ValidFragment reports whether frame is a well-formed fragment: at least
// the header length, with a recognized type byte.
func ValidFragment(frame []byte) bool {
	if len(frame) < FragmentHeaderLen {
		return false
	}
	switch frame[0] {
	case FragStart, FragContinue, FragEnd:
		return true
	default:
		return false
	}
}

func fragmentSeq(frame []byte) int   { return int(binary.BigEndian.Uint16(frame[1:3])) }
func fragmentTotal(frame []byte) int { return int(binary.BigEndian.Uint16(frame[3:5])) }

// reassemblySession holds per-peer fragment reassembly state. Receipt of
// a START frame begins a new session, discarding any prior incomplete one.
// Out-of-order delivery is supported: each sequence slot fills exactly
// once, duplicates only refresh last-activity.
type reassemblySession struct {
	total        int
	slots        [][]byte
	have         []bool
	remaining    int
	lastActivity time.Time
}

func newReassemblySession(total int, now time.Time) *reassemblySession {
	return &reassemblySession{
		total:        total,
		slots:        make([][]byte, total),
		have:         make([]bool, total),
		remaining:    total,
		lastActivity: now,
	}
}

// Feed processes one fragment against the peer's reassembly state, creating
// a new session on START and returning the assembled payload once the last
// fragment arrives. Invalid fragments are dropped and reported with a
// MalformedPacket error (complete=false).
func (p *Peer) Feed(frame []byte, now time.Time) (payload []byte, complete bool, err error) {
	if !ValidFragment(frame) {
		return nil, false, rnserrors.New(rnserrors.MalformedPacket, "invalid BLE fragment: len=%d", len(frame))
	}

	if p.reassembly != nil && now.Sub(p.reassembly.lastActivity) > ReassemblyTimeout {
		p.reassembly = nil
	}

	typ := frame[0]
	seq := fragmentSeq(frame)
	total := fragmentTotal(frame)
	data := append([]byte(nil), frame[FragmentHeaderLen:]...)

	if typ == FragStart || (typ == FragEnd && total == 1) {
		p.reassembly = newReassemblySession(total, now)
	}
	if p.reassembly == nil {
		return nil, false, rnserrors.New(rnserrors.MalformedPacket, "BLE fragment %d received before START", seq)
	}

	s := p.reassembly
	s.lastActivity = now
	if seq < 0 || seq >= s.total {
		return nil, false, rnserrors.New(rnserrors.MalformedPacket, "BLE fragment sequence %d out of range [0,%d)", seq, s.total)
	}
	if !s.have[seq] {
		s.slots[seq] = data
		s.have[seq] = true
		s.remaining--
	}

	if s.remaining > 0 {
		return nil, false, nil
	}

	var out []byte
	for _, chunk := range s.slots {
		out = append(out, chunk...)
	}
	p.reassembly = nil
	return out, true, nil
}

// ReassemblyExpired reports whether p has a stalled reassembly session past
// ReassemblyTimeout, and clears it if so.
func (p *Peer) ReassemblyExpired(now time.Time) bool {
	if p.reassembly == nil {
		return false
	}
	if now.Sub(p.reassembly.lastActivity) <= ReassemblyTimeout {
		return false
	}
	p.reassembly = nil
	return true
}
