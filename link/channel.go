package link

import (
	"encoding/binary"
	"log/slog"

	"github.com/cvsouth/rns-go/rnserrors"
)

// txRxRingSize is the depth of a Channel's TX and RX ring buffers
// (spec.md §4.6).
const txRxRingSize = 16

// Envelope is one framed message on a Channel: a small registered type
// tag plus its payload.
type Envelope struct {
	Type    uint8
	Payload []byte
}

// Channel multiplexes typed, reliable, in-order message streams over a
// Link. Outbound messages queue on a bounded TX ring (backpressure:
// Send blocks if full, until a slot frees or the Channel is closed); inbound
// messages are decrypted and queued on a bounded RX ring for the
// application to drain via Receive.
type Channel struct {
	link     *Link
	logger   *slog.Logger
	sendFunc func(encrypted []byte) error

	registered map[uint8]bool

	tx     chan Envelope
	rx     chan Envelope
	closed chan struct{}
}

// NewChannel creates a Channel over l. sendFunc is called with the
// Fernet-sealed wire payload for every queued Send; it is the caller's
// responsibility to wrap that into a Packet addressed to the peer (the
// Channel itself does not know about Transport or packet framing).
func NewChannel(l *Link, sendFunc func(encrypted []byte) error, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		link:       l,
		logger:     logger,
		sendFunc:   sendFunc,
		registered: make(map[uint8]bool),
		tx:         make(chan Envelope, txRxRingSize),
		rx:         make(chan Envelope, txRxRingSize),
		closed:     make(chan struct{}),
	}
	go c.drainTX()
	return c
}

// Link returns the Channel's underlying Link, so callers driving its own
// idle-timeout/closure bookkeeping can reach it without threading a
// separate reference alongside the Channel.
func (c *Channel) Link() *Link {
	return c.link
}

// RegisterType declares msgType as acceptable on this Channel. Messages
// of unregistered types are dropped on delivery.
func (c *Channel) RegisterType(msgType uint8) {
	c.registered[msgType] = true
}

func (c *Channel) drainTX() {
	for {
		select {
		case env := <-c.tx:
			wire := encodeEnvelope(env)
			token, err := c.link.Encrypt(wire)
			if err != nil {
				c.logger.Warn("channel: failed to encrypt outbound envelope", "err", err)
				continue
			}
			if err := c.sendFunc(token); err != nil {
				c.logger.Warn("channel: send failed", "err", err)
			}
		case <-c.closed:
			return
		}
	}
}

// Send queues payload under msgType for transmission. It blocks if the TX
// ring is full, until a slot frees or the Channel is closed, mirroring
// the cooperative backpressure model of spec.md §4.6.
func (c *Channel) Send(msgType uint8, payload []byte) error {
	select {
	case c.tx <- Envelope{Type: msgType, Payload: payload}:
		return nil
	case <-c.closed:
		return rnserrors.New(rnserrors.LinkTimeout, "channel closed while sending")
	}
}

// Deliver is called by the caller's inbound path with an encrypted
// Channel frame received over the Link. It decrypts, validates the
// envelope, and enqueues it on the RX ring without blocking: if the RX
// ring is full the frame is dropped and logged, never blocking the
// network inbound path (spec.md §5 memory discipline: pools never
// block).
func (c *Channel) Deliver(encrypted []byte) error {
	wire, err := c.link.Decrypt(encrypted)
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(wire)
	if err != nil {
		return err
	}
	if !c.registered[env.Type] {
		return rnserrors.New(rnserrors.MalformedPacket, "channel: unregistered message type %d", env.Type)
	}
	select {
	case c.rx <- env:
	default:
		c.logger.Warn("channel: RX ring full, dropping envelope", "type", env.Type)
	}
	return nil
}

// Receive returns the next queued inbound envelope, or ok=false if none
// is currently queued.
func (c *Channel) Receive() (Envelope, bool) {
	select {
	case env := <-c.rx:
		return env, true
	default:
		return Envelope{}, false
	}
}

// Close stops the TX drain goroutine. Safe to call once.
func (c *Channel) Close() {
	close(c.closed)
}

// encodeEnvelope serializes an Envelope as type(1) || length(2, BE) ||
// payload.
func encodeEnvelope(env Envelope) []byte {
	out := make([]byte, 3+len(env.Payload))
	out[0] = env.Type
	binary.BigEndian.PutUint16(out[1:3], uint16(len(env.Payload)))
	copy(out[3:], env.Payload)
	return out
}

func decodeEnvelope(wire []byte) (Envelope, error) {
	if len(wire) < 3 {
		return Envelope{}, rnserrors.New(rnserrors.Truncated, "channel envelope shorter than header")
	}
	n := binary.BigEndian.Uint16(wire[1:3])
	if len(wire) != 3+int(n) {
		return Envelope{}, rnserrors.New(rnserrors.Truncated, "channel envelope length mismatch: header says %d, got %d", n, len(wire)-3)
	}
	return Envelope{Type: wire[0], Payload: append([]byte(nil), wire[3:]...)}, nil
}
