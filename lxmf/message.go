// Package lxmf implements the addressed-messaging layer on top of
// Transport destinations (spec.md §4.8): titled/content messages with an
// optional field map, an outbound delivery ring, direct-link delivery
// with propagation-node selection, and inbound dedup.
package lxmf

import (
	"time"

	"github.com/cvsouth/rns-go/rnscrypto"
	"github.com/cvsouth/rns-go/rnserrors"
)

// MaxFields bounds a Message's optional field map.
const MaxFields = 16

// Message is one LXMF message.
type Message struct {
	SourceHash      [16]byte
	DestinationHash [16]byte
	Title           string
	Content         []byte
	Timestamp       time.Time
	Fields          map[string]string

	hash    [16]byte
	hashSet bool
}

// NewMessage constructs a Message, rejecting a Fields map over MaxFields.
func NewMessage(source, dest [16]byte, title string, content []byte, fields map[string]string) (*Message, error) {
	if len(fields) > MaxFields {
		return nil, rnserrors.New(rnserrors.MalformedPacket, "lxmf message carries %d fields, exceeds maximum %d", len(fields), MaxFields)
	}
	return &Message{
		SourceHash:      source,
		DestinationHash: dest,
		Title:           title,
		Content:         append([]byte(nil), content...),
		Timestamp:       time.Now(),
		Fields:          fields,
	}, nil
}

// Hash is the message's stable identity for dedup and delivery receipts,
// computed over source, destination, title, content, and timestamp.
func (m *Message) Hash() [16]byte {
	if m.hashSet {
		return m.hash
	}
	material := make([]byte, 0, 32+len(m.Title)+len(m.Content)+8)
	material = append(material, m.SourceHash[:]...)
	material = append(material, m.DestinationHash[:]...)
	material = append(material, []byte(m.Title)...)
	material = append(material, m.Content...)
	ts := m.Timestamp.UnixNano()
	for i := 0; i < 8; i++ {
		material = append(material, byte(ts>>(56-8*i)))
	}
	copy(m.hash[:], rnscrypto.TruncatedHash(material, 16))
	m.hashSet = true
	return m.hash
}

// Pack serializes a Message to wire bytes for transmission over a Link
// Channel or Resource.
func (m *Message) Pack() []byte {
	title := []byte(m.Title)
	out := make([]byte, 0, 32+2+len(title)+2+len(m.Content)+8)
	out = append(out, m.SourceHash[:]...)
	out = append(out, m.DestinationHash[:]...)
	out = appendUint16Prefixed(out, title)
	out = appendUint16Prefixed(out, m.Content)
	ts := m.Timestamp.UnixNano()
	for i := 0; i < 8; i++ {
		out = append(out, byte(ts>>(56-8*i)))
	}
	out = appendFields(out, m.Fields)
	return out
}

// Unpack parses wire bytes produced by Pack back into a Message.
func Unpack(raw []byte) (*Message, error) {
	if len(raw) < 32+2+2+8 {
		return nil, rnserrors.New(rnserrors.Truncated, "lxmf message shorter than minimum header")
	}
	m := &Message{}
	copy(m.SourceHash[:], raw[0:16])
	copy(m.DestinationHash[:], raw[16:32])

	off := 32
	title, off, err := readUint16Prefixed(raw, off)
	if err != nil {
		return nil, err
	}
	m.Title = string(title)

	content, off, err := readUint16Prefixed(raw, off)
	if err != nil {
		return nil, err
	}
	m.Content = content

	if off+8 > len(raw) {
		return nil, rnserrors.New(rnserrors.Truncated, "lxmf message truncated before timestamp")
	}
	var ts int64
	for i := 0; i < 8; i++ {
		ts = ts<<8 | int64(raw[off+i])
	}
	m.Timestamp = time.Unix(0, ts)
	off += 8

	fields, err := readFields(raw, off)
	if err != nil {
		return nil, err
	}
	m.Fields = fields
	return m, nil
}

func appendUint16Prefixed(out []byte, data []byte) []byte {
	n := len(data)
	out = append(out, byte(n>>8), byte(n))
	return append(out, data...)
}

func readUint16Prefixed(raw []byte, off int) ([]byte, int, error) {
	if off+2 > len(raw) {
		return nil, 0, rnserrors.New(rnserrors.Truncated, "lxmf message truncated before length prefix")
	}
	n := int(raw[off])<<8 | int(raw[off+1])
	off += 2
	if off+n > len(raw) {
		return nil, 0, rnserrors.New(rnserrors.Truncated, "lxmf message truncated mid-field")
	}
	return append([]byte(nil), raw[off:off+n]...), off + n, nil
}

func appendFields(out []byte, fields map[string]string) []byte {
	out = append(out, byte(len(fields)))
	for k, v := range fields {
		out = appendUint16Prefixed(out, []byte(k))
		out = appendUint16Prefixed(out, []byte(v))
	}
	return out
}

func readFields(raw []byte, off int) (map[string]string, error) {
	if off >= len(raw) {
		return nil, rnserrors.New(rnserrors.Truncated, "lxmf message truncated before field count")
	}
	count := int(raw[off])
	off++
	if count == 0 {
		return nil, nil
	}
	fields := make(map[string]string, count)
	for i := 0; i < count; i++ {
		var key, val []byte
		var err error
		key, off, err = readUint16Prefixed(raw, off)
		if err != nil {
			return nil, err
		}
		val, off, err = readUint16Prefixed(raw, off)
		if err != nil {
			return nil, err
		}
		fields[string(key)] = string(val)
	}
	return fields, nil
}
