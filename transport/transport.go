// Package transport implements the routing hub: the fixed-size tables of
// spec.md §3, inbound dispatch, announce propagation, path requests, and
// the link-hop tracking used by transit nodes (spec.md §4.5).
package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/rns-go/destination"
	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/packet"
	"github.com/cvsouth/rns-go/rnserrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
)

// AnnounceRateWindow is the minimum interval between accepted announces
// from the same origin on the same outbound interface.
const AnnounceRateWindow = 6 * time.Minute

// PathRequestTimeout is how long an unresolved path request waits for a
// matching announce before failing pending sends.
const PathRequestTimeout = 10 * time.Second

// DedupTTL is a freshness window matching AutoInterface's data-path dedup
// TTL. The packet hashlist does not consult it: that ring is bounded by
// capacity (64 entries) only.
const DedupTTL = 750 * time.Millisecond

// LinkTableTimeout bounds how long a transit node holds open link-hop
// bookkeeping without traffic before evicting it and emitting LINK_CLOSE
// in both directions (spec.md §4.5).
const LinkTableTimeout = 5 * time.Minute

// Transport is the single struct owning every routing table, registered
// interface, and local destination — replacing the source's
// module-level globals per spec.md §9's redesign note.
type Transport struct {
	mu sync.Mutex

	logger *slog.Logger
	tables *Tables

	instanceID [identity.HashLen]byte
	transitEnabled bool

	interfaces []Interface
	localDests map[[destination.HashLen]byte]*localDestination

	linkHandlers map[[destination.HashLen]byte]func(iface Interface, requestPayload []byte) (proofPayload []byte, ok bool)
	linkData     map[[destination.HashLen]byte]func(ciphertext []byte)
	proofWaiters map[[packet.HashLen]byte]func(payload []byte)

	known *identity.KnownDestinations

	metrics *transportMetrics
}

type localDestination struct {
	dest    *destination.Destination
	onData  func(plaintext []byte, fromLink bool)
}

type transportMetrics struct {
	inboundTotal   *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	poolExhausted  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *transportMetrics {
	factory := promauto.With(reg)
	return &transportMetrics{
		inboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rns_transport_inbound_packets_total",
			Help: "Inbound packets processed per interface.",
		}, []string{"interface"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rns_transport_dropped_packets_total",
			Help: "Packets dropped per interface and reason.",
		}, []string{"interface", "reason"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rns_transport_errors_total",
			Help: "Packet-level errors per interface and kind.",
		}, []string{"interface", "kind"}),
		poolExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rns_transport_pool_exhausted_total",
			Help: "Pool-exhaustion events per table.",
		}, []string{"table"}),
	}
}

// New creates a Transport. reg may be nil, in which case metrics are
// registered against prometheus.DefaultRegisterer; logger may be nil, in
// which case slog.Default() is used.
func New(transitEnabled bool, reg prometheus.Registerer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var instanceID [identity.HashLen]byte
	copy(instanceID[:], xid.New().Bytes())
	return &Transport{
		logger:         logger,
		tables:         NewTables(),
		instanceID:     instanceID,
		transitEnabled: transitEnabled,
		localDests:     make(map[[destination.HashLen]byte]*localDestination),
		known:          identity.NewKnownDestinations(),
		metrics:        newMetrics(reg),
	}
}

// Interfaces returns a snapshot of every registered Interface, for
// callers (e.g. a freshly joined node announcing itself) that need to
// reach every live link directly rather than through the destination
// table.
func (t *Transport) Interfaces() []Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Interface(nil), t.interfaces...)
}

// Known returns the process-wide known-destinations cache Transport
// populates from verified announces, so callers (Link dialers, LXMF) can
// resolve a destination hash to its public material without duplicating
// announce-handling logic.
func (t *Transport) Known() *identity.KnownDestinations {
	return t.known
}

// RegisterInterface brings iface up and wires its inbound callback to
// this Transport.
func (t *Transport) RegisterInterface(iface Interface) error {
	if !iface.Start() {
		return rnserrors.New(rnserrors.InterfaceWriteFailure, "interface %q failed to start", iface.Name())
	}
	iface.SetReceiver(func(raw []byte) {
		t.HandleInbound(iface, raw)
	})
	t.mu.Lock()
	t.interfaces = append(t.interfaces, iface)
	t.mu.Unlock()
	return nil
}

// RegisterDestination marks dest as locally owned: inbound DATA for its
// hash is decrypted and handed to onData instead of being relayed.
func (t *Transport) RegisterDestination(dest *destination.Destination, onData func(plaintext []byte, fromLink bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDests[dest.Hash] = &localDestination{dest: dest, onData: onData}
}

// Tick drives every registered interface's Loop once, then runs
// Transport's own timeout/GC housekeeping. It must never block (spec.md
// §5 scheduling model).
func (t *Transport) Tick() {
	t.mu.Lock()
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.Unlock()

	for _, iface := range ifaces {
		iface.Loop()
	}
	t.expirePathRequests()
	t.expireHeldAnnounces()
	t.expireLinks()
}

// HandleInbound is the callback every Interface invokes with a raw frame.
// It implements the inbound path of spec.md §4.5.
func (t *Transport) HandleInbound(iface Interface, raw []byte) {
	t.metrics.inboundTotal.WithLabelValues(iface.Name()).Inc()

	p, err := packet.Unpack(raw)
	if err != nil {
		t.metrics.errorsTotal.WithLabelValues(iface.Name(), "malformed").Inc()
		t.logger.Debug("dropping malformed packet", "interface", iface.Name(), "err", err)
		return
	}

	hash := p.Hash()
	t.mu.Lock()
	isNew := t.tables.PacketHashlist.Insert(hash)
	t.mu.Unlock()
	if !isNew {
		t.metrics.droppedTotal.WithLabelValues(iface.Name(), "duplicate").Inc()
		return
	}

	switch p.PacketType {
	case packet.TypeData:
		t.handleData(iface, p)
	case packet.TypeAnnounce:
		t.handleAnnounce(iface, p)
	case packet.TypeLinkRequest:
		t.handleLinkRequest(iface, p)
	case packet.TypeProof:
		t.handleProof(iface, p)
	}
}

func (t *Transport) handleData(iface Interface, p *packet.Packet) {
	if p.DestinationType == packet.DestLink {
		if p.ContextFlag && p.ContextCode == packet.ContextLinkClose {
			t.handleLinkClose(iface, p)
			return
		}
		t.mu.Lock()
		onData, ok := t.linkData[p.DestinationHash]
		t.mu.Unlock()
		if ok {
			onData(p.Ciphertext)
		} else {
			t.metrics.droppedTotal.WithLabelValues(iface.Name(), "unknown-link").Inc()
		}
		return
	}

	if p.DestinationType == packet.DestPlain && p.ContextFlag && p.ContextCode == packet.ContextPathRequest {
		t.handlePathRequest(iface, p)
		return
	}

	t.mu.Lock()
	local, isLocal := t.localDests[p.DestinationHash]
	t.mu.Unlock()

	if isLocal {
		var plaintext []byte
		var err error
		if p.DestinationType == packet.DestPlain {
			plaintext = p.Plaintext
		} else {
			plaintext, err = p.DecryptSingle(local.dest.Identity, local.dest.Ratchets)
		}
		if err != nil {
			t.metrics.errorsTotal.WithLabelValues(iface.Name(), "decrypt").Inc()
			t.logger.Debug("dropping packet that failed to decrypt", "err", err)
			return
		}
		if local.onData != nil {
			local.onData(plaintext, false)
		}
		return
	}

	if !t.transitEnabled {
		t.metrics.droppedTotal.WithLabelValues(iface.Name(), "no-route").Inc()
		return
	}

	t.mu.Lock()
	route, ok := t.tables.Destinations.Get(p.DestinationHash)
	t.mu.Unlock()
	if !ok {
		t.metrics.droppedTotal.WithLabelValues(iface.Name(), "unknown-destination").Inc()
		return
	}
	if p.Hops >= packet.MaxHops {
		t.metrics.droppedTotal.WithLabelValues(iface.Name(), "max-hops").Inc()
		return
	}
	p.Hops++
	raw, err := p.Pack()
	if err != nil {
		t.metrics.errorsTotal.WithLabelValues(iface.Name(), "repack").Inc()
		return
	}
	if err := route.iface.SendOutgoing(raw); err != nil {
		t.metrics.errorsTotal.WithLabelValues(route.iface.Name(), "write").Inc()
		t.logger.Warn("interface write failed, dropping forwarded packet", "interface", route.iface.Name(), "err", err)
	}
}

func (t *Transport) handleLinkRequest(iface Interface, p *packet.Packet) {
	t.mu.Lock()
	handler, hasHandler := t.linkHandlers[p.DestinationHash]
	t.mu.Unlock()

	// A locally-owned destination accepting the Link wins over transit
	// bookkeeping for the same hash: the full Link state machine lives in
	// package link, Transport's job is only to hand it the request and
	// relay back whatever proof it produces.
	if hasHandler {
		proofPayload, ok := handler(iface, p.Plaintext)
		if !ok {
			return
		}
		proof := &packet.Packet{
			PacketType:      packet.TypeProof,
			DestinationType: packet.DestLink,
			DestinationHash: p.Hash(),
			Plaintext:       proofPayload,
		}
		if _, err := t.SendPacket(proof, iface, false); err != nil {
			t.logger.Warn("failed to send link proof", "err", err)
		}
		return
	}

	// Transit hop bookkeeping: record the two neighbor interfaces so a
	// later LINK_CLOSE can be propagated both ways.
	if !t.transitEnabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.tables.Links.Get(p.DestinationHash)
	if !ok {
		if !t.tables.Links.Put(p.DestinationHash, linkTableEntry{timestamped: timestamped{at: time.Now()}, ifaceA: iface}) {
			t.metrics.poolExhausted.WithLabelValues("link_table").Inc()
		}
		return
	}
	if existing.ifaceA != iface {
		existing.ifaceB = iface
		existing.at = time.Now()
		t.tables.Links.Put(p.DestinationHash, existing)
	}
}

// handleLinkClose processes an inbound LINK_CLOSE for a transit-tracked
// link hop: it forwards the close to whichever neighbor interface didn't
// just deliver it, then frees the table entry immediately rather than
// waiting for LinkTableTimeout (spec.md §4.5's "on disconnect or timeout").
func (t *Transport) handleLinkClose(iface Interface, p *packet.Packet) {
	t.mu.Lock()
	entry, ok := t.tables.Links.Get(p.DestinationHash)
	if ok {
		t.tables.Links.Delete(p.DestinationHash)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	other := entry.ifaceA
	if other == iface {
		other = entry.ifaceB
	}
	if other != nil {
		t.sendLinkCloseOn(other, p.DestinationHash)
	}
}

// SendLinkClose emits a LINK_CLOSE for linkID on iface, best-effort. Local
// Link owners (endpoints, not just transit hops) use this to signal
// closure to their one neighbor when they evict an idle Link themselves.
func (t *Transport) SendLinkClose(iface Interface, linkID [packet.HashLen]byte) {
	t.sendLinkCloseOn(iface, linkID)
}

// sendLinkCloseOn emits a LINK_CLOSE for linkID on iface, best-effort.
func (t *Transport) sendLinkCloseOn(iface Interface, linkID [packet.HashLen]byte) {
	closePkt := &packet.Packet{
		PacketType:      packet.TypeData,
		DestinationType: packet.DestLink,
		DestinationHash: linkID,
		ContextFlag:     true,
		ContextCode:     packet.ContextLinkClose,
	}
	raw, err := closePkt.Pack()
	if err != nil {
		return
	}
	if err := iface.SendOutgoing(raw); err != nil {
		t.logger.Warn("failed to propagate link close", "interface", iface.Name(), "err", err)
	}
}

// expireLinks evicts transit link-hop entries idle past LinkTableTimeout,
// propagating LINK_CLOSE to both neighbor interfaces before freeing the
// slot (spec.md §4.5).
func (t *Transport) expireLinks() {
	t.mu.Lock()
	now := time.Now()
	type stale struct {
		id    [packet.HashLen]byte
		entry linkTableEntry
	}
	var expired []stale
	t.tables.Links.Each(func(id [packet.HashLen]byte, e linkTableEntry) {
		if e.expired(LinkTableTimeout, now) {
			expired = append(expired, stale{id: id, entry: e})
		}
	})
	for _, s := range expired {
		t.tables.Links.Delete(s.id)
	}
	t.mu.Unlock()

	for _, s := range expired {
		if s.entry.ifaceA != nil {
			t.sendLinkCloseOn(s.entry.ifaceA, s.id)
		}
		if s.entry.ifaceB != nil {
			t.sendLinkCloseOn(s.entry.ifaceB, s.id)
		}
	}
}

// RegisterLinkHandler installs h to accept inbound Link requests
// addressed to destHash. h receives the interface the request arrived on
// (so a Channel built from the resulting Link can keep sending back over
// it) and the request payload, and returns the proof payload to send back
// (and ok=false to silently drop the request). Pairs with
// RegisterDestination to make a destination Link-reachable.
func (t *Transport) RegisterLinkHandler(destHash [destination.HashLen]byte, h func(iface Interface, requestPayload []byte) (proofPayload []byte, ok bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.linkHandlers == nil {
		t.linkHandlers = make(map[[destination.HashLen]byte]func(Interface, []byte) ([]byte, bool))
	}
	t.linkHandlers[destHash] = h
}

// RouteInterface returns the interface Transport would currently pick to
// reach destHash (its destination-table entry), if any. Callers that need
// to keep sending on the same interface a Link's handshake used (rather
// than re-resolving per packet) use this once after the handshake
// resolves.
func (t *Transport) RouteInterface(destHash [destination.HashLen]byte) (Interface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	route, ok := t.tables.Destinations.Get(destHash)
	if !ok {
		return nil, false
	}
	return route.iface, true
}

// RegisterLinkDataHandler installs fn to receive DestLink DATA packets
// addressed to linkID (the raw Fernet ciphertext of a Link payload, still
// sealed under the Link's session key). Pairs with link.Request/
// AcceptRequest, whose ID becomes the addressable hash once the
// handshake completes.
func (t *Transport) RegisterLinkDataHandler(linkID [destination.HashLen]byte, fn func(ciphertext []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.linkData == nil {
		t.linkData = make(map[[destination.HashLen]byte]func([]byte))
	}
	t.linkData[linkID] = fn
}

// UnregisterLinkDataHandler removes a previously registered link data
// handler, e.g. once a Link closes.
func (t *Transport) UnregisterLinkDataHandler(linkID [destination.HashLen]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.linkData, linkID)
}

// AwaitProof registers a one-shot callback invoked with a proof's payload
// once a packet carrying packetHash (as returned by SendPacket's
// expectProof bookkeeping) is proved. Link initiators use this to obtain
// the responder's proof payload; PacketReceipt alone only reports
// delivered/timed-out, not the payload.
func (t *Transport) AwaitProof(packetHash [packet.HashLen]byte, cb func(payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proofWaiters == nil {
		t.proofWaiters = make(map[[packet.HashLen]byte]func([]byte))
	}
	t.proofWaiters[packetHash] = cb
}

func (t *Transport) handleProof(iface Interface, p *packet.Packet) {
	t.mu.Lock()
	_, ok := t.tables.Reverse.Get(p.DestinationHash)
	if ok {
		t.tables.Reverse.Delete(p.DestinationHash)
	}
	receipt, hasReceipt := t.tables.Receipts.Get(p.DestinationHash)
	waiter, hasWaiter := t.proofWaiters[p.DestinationHash]
	if hasWaiter {
		delete(t.proofWaiters, p.DestinationHash)
	}
	t.mu.Unlock()

	if !ok {
		t.metrics.droppedTotal.WithLabelValues(iface.Name(), "no-reverse-route").Inc()
		return
	}
	if hasReceipt {
		receipt.MarkDelivered(time.Now())
		t.mu.Lock()
		t.tables.Receipts.Delete(p.DestinationHash)
		t.mu.Unlock()
	}
	if hasWaiter {
		waiter(p.Plaintext)
	}
}

// SendPacket transmits p, recording a reverse-table entry and a
// PacketReceipt if expectProof is true. next selects the outbound
// interface directly (used by callers who already resolved a route, e.g.
// Link traffic); if nil, the destination table is consulted.
func (t *Transport) SendPacket(p *packet.Packet, next Interface, expectProof bool) (*packet.PacketReceipt, error) {
	raw, err := p.Pack()
	if err != nil {
		return nil, err
	}
	hash := p.Hash()

	iface := next
	if iface == nil {
		t.mu.Lock()
		route, ok := t.tables.Destinations.Get(p.DestinationHash)
		t.mu.Unlock()
		if !ok {
			return nil, rnserrors.New(rnserrors.UnknownDestination, "no route to %x", p.DestinationHash)
		}
		iface = route.iface
	}

	if err := iface.SendOutgoing(raw); err != nil {
		t.metrics.errorsTotal.WithLabelValues(iface.Name(), "write").Inc()
		return nil, rnserrors.New(rnserrors.InterfaceWriteFailure, "%v", err)
	}

	var receipt *packet.PacketReceipt
	if expectProof {
		receipt = packet.NewPacketReceipt(p, time.Now())
		t.mu.Lock()
		if !t.tables.Reverse.Put(hash, reverseEntry{timestamped: timestamped{at: time.Now()}, iface: iface}) {
			t.metrics.poolExhausted.WithLabelValues("reverse_table").Inc()
		}
		if !t.tables.Receipts.Put(hash, receipt) {
			t.metrics.poolExhausted.WithLabelValues("receipts").Inc()
		}
		t.mu.Unlock()
	}
	return receipt, nil
}

func (t *Transport) expirePathRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.tables.PathRequests.EvictFunc(func(e pathRequestEntry) bool {
		if now.Sub(e.at) > e.timeout {
			if e.onTimeout != nil {
				e.onTimeout()
			}
			return true
		}
		return false
	})
}

func (t *Transport) expireHeldAnnounces() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.tables.HeldAnnounces.EvictFunc(func(e heldAnnounceEntry) bool {
		return now.Sub(e.at) > AnnounceRateWindow
	})
}
