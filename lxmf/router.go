package lxmf

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/rns-go/link"
	"github.com/cvsouth/rns-go/rnserrors"
)

// Outbound ring, direct-link pool, and dedup ring sizes (spec.md §4.8).
const (
	OutboundRingSize  = 16
	DirectLinkPoolSize = 8
	DedupRingSize     = 64

	// LXMFChannelType tags LXMF message envelopes on a link.Channel.
	LXMFChannelType uint8 = 0x4C

	deliveryRetryInterval = 10 * time.Second
	maxDeliveryAttempts   = 5
)

// DeliveryState is where an outbound message sits in the delivery pipeline.
type DeliveryState int

const (
	Queued DeliveryState = iota
	Sending
	Delivered
	FailedOverToPropagation
	Failed
)

type outboundEntry struct {
	msg         *Message
	state       DeliveryState
	attempts    int
	lastAttempt time.Time
}

// Dialer establishes (or reuses) a delivery channel to a destination hash,
// returning a link.Channel ready for LXMFChannelType traffic. The concrete
// mechanics of opening the underlying Link and wiring its wire-send
// function belong to the caller (normally the node's transport
// integration), mirroring how destination.RequestHandler keeps app logic
// decoupled from transport plumbing.
type Dialer interface {
	Dial(destHash [16]byte) (*link.Channel, error)
}

// Router queues outbound LXMF messages, attempts direct-link delivery
// through a bounded pool of channels, and deduplicates inbound deliveries.
// When a message's delivery attempts are exhausted and a propagation node
// is selectable, its entry is marked FailedOverToPropagation; the message
// is not transmitted to that node, and the entry stays queued with direct
// delivery still retried.
type Router struct {
	mu sync.Mutex

	logger *slog.Logger
	dialer Dialer
	prop   *PropagationManager

	outbound []*outboundEntry

	linkOrder []string
	channels  map[string]*link.Channel

	dedup    [DedupRingSize][16]byte
	dedupSet map[[16]byte]bool
	dedupPos int

	onDeliver func(*Message)
}

// NewRouter creates a Router. dialer may be nil if the caller only intends
// to receive inbound messages.
func NewRouter(dialer Dialer, prop *PropagationManager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		dialer:   dialer,
		prop:     prop,
		channels: make(map[string]*link.Channel),
		dedupSet: make(map[[16]byte]bool),
	}
}

// OnDeliver installs the callback invoked for every new (non-duplicate)
// inbound message.
func (r *Router) OnDeliver(fn func(*Message)) {
	r.mu.Lock()
	r.onDeliver = fn
	r.mu.Unlock()
}

// Send queues msg for outbound delivery, returning PoolExhausted if the
// outbound ring is already full (spec.md §5 memory discipline: no dynamic
// growth, callers must check).
func (r *Router) Send(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbound) >= OutboundRingSize {
		return rnserrors.New(rnserrors.PoolExhausted, "lxmf outbound ring full (%d messages)", OutboundRingSize)
	}
	r.outbound = append(r.outbound, &outboundEntry{msg: msg, state: Queued})
	return nil
}

// Tick drives one non-blocking pass over the outbound queue, attempting
// direct delivery; once an entry's attempts are exhausted it is marked
// FailedOverToPropagation if a propagation node is selectable, else Failed.
func (r *Router) Tick(now time.Time) {
	r.mu.Lock()
	entries := append([]*outboundEntry(nil), r.outbound...)
	r.mu.Unlock()

	for _, e := range entries {
		if e.state == Delivered || e.state == Failed {
			continue
		}
		if now.Sub(e.lastAttempt) < deliveryRetryInterval {
			continue
		}
		r.attemptDelivery(e, now)
	}

	r.mu.Lock()
	kept := r.outbound[:0]
	for _, e := range r.outbound {
		if e.state != Delivered {
			kept = append(kept, e)
		}
	}
	r.outbound = kept
	r.mu.Unlock()
}

func (r *Router) attemptDelivery(e *outboundEntry, now time.Time) {
	e.lastAttempt = now
	e.attempts++

	ch, err := r.channelFor(e.msg.DestinationHash)
	if err == nil {
		if sendErr := ch.Send(LXMFChannelType, e.msg.Pack()); sendErr == nil {
			e.state = Delivered
			return
		}
	}

	if e.attempts < maxDeliveryAttempts {
		e.state = Sending
		return
	}

	if r.prop != nil {
		if node := r.prop.Select(); node != nil {
			e.state = FailedOverToPropagation
			r.logger.Info("lxmf: falling back to propagation node", "node", node.Name, "dest", e.msg.DestinationHash)
			return
		}
	}
	e.state = Failed
	r.logger.Warn("lxmf: message delivery failed", "dest", e.msg.DestinationHash, "attempts", e.attempts)
}

// channelFor returns a cached direct-link channel for destHash, dialing a
// new one (evicting the oldest entry if the pool is at DirectLinkPoolSize
// capacity) when none is cached.
func (r *Router) channelFor(destHash [16]byte) (*link.Channel, error) {
	r.mu.Lock()
	key := string(destHash[:])
	if ch, ok := r.channels[key]; ok {
		r.mu.Unlock()
		return ch, nil
	}
	dialer := r.dialer
	r.mu.Unlock()

	if dialer == nil {
		return nil, rnserrors.New(rnserrors.UnknownDestination, "lxmf: no dialer configured")
	}
	ch, err := dialer.Dial(destHash)
	if err != nil {
		return nil, err
	}
	ch.RegisterType(LXMFChannelType)

	r.mu.Lock()
	if len(r.linkOrder) >= DirectLinkPoolSize {
		oldest := r.linkOrder[0]
		r.linkOrder = r.linkOrder[1:]
		delete(r.channels, oldest)
	}
	r.linkOrder = append(r.linkOrder, key)
	r.channels[key] = ch
	r.mu.Unlock()
	return ch, nil
}

// Deliver hands an inbound, already-decrypted LXMF payload to the router.
// Duplicate messages (by hash, against the last DedupRingSize seen) are
// silently dropped.
func (r *Router) Deliver(raw []byte) error {
	msg, err := Unpack(raw)
	if err != nil {
		return err
	}
	h := msg.Hash()

	r.mu.Lock()
	if r.dedupSet[h] {
		r.mu.Unlock()
		return nil
	}
	evicted := r.dedup[r.dedupPos]
	delete(r.dedupSet, evicted)
	r.dedup[r.dedupPos] = h
	r.dedupSet[h] = true
	r.dedupPos = (r.dedupPos + 1) % DedupRingSize
	onDeliver := r.onDeliver
	r.mu.Unlock()

	if onDeliver != nil {
		onDeliver(msg)
	}
	return nil
}

// OutboundDepth reports how many messages are currently queued or pending
// (for diagnostics).
func (r *Router) OutboundDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbound)
}
