package transport

import (
	"time"

	"github.com/cvsouth/rns-go/destination"
	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/packet"
)

// BuildAnnounce packs an ANNOUNCE packet for dest: the plaintext payload
// is the destination's public identity material (and, if ratchets are
// enabled, its current ratchet public key), signed by the owning
// Identity. Peers that receive it can verify authenticity and populate
// their known-destinations cache and destination table.
func BuildAnnounce(dest *destination.Destination) (*packet.Packet, error) {
	payload := append([]byte{}, dest.Identity.PublicMaterial()...)
	if dest.Ratchets != nil && dest.Ratchets.Latest() != nil {
		rp := dest.Ratchets.Latest().Public()
		payload = append(payload, rp[:]...)
	}
	sig := dest.Identity.Sign(payload)
	body := append(payload, sig...)

	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeAnnounce,
		DestinationHash: dest.Hash,
		Plaintext:       body,
	}
	if _, err := p.Pack(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseAnnounce splits an announce payload back into identity material,
// optional ratchet public key, and signature, verifying the signature
// against the embedded identity.
func parseAnnounce(payload []byte) (pubMaterial []byte, ratchetPub *[32]byte, ok bool) {
	const pubMaterialLen = 32 + 32 // ed25519 pub (32) + x25519 pub (32), per identity.PublicMaterial
	const sigLen = 64
	const ratchetPubLen = 32

	switch len(payload) {
	case pubMaterialLen + sigLen:
		pub := payload[:pubMaterialLen]
		sig := payload[pubMaterialLen:]
		id, err := identity.FromPublicMaterial(pub)
		if err != nil {
			return nil, nil, false
		}
		if !id.Verify(pub, sig) {
			return nil, nil, false
		}
		return pub, nil, true
	case pubMaterialLen + ratchetPubLen + sigLen:
		pub := payload[:pubMaterialLen]
		var rp [32]byte
		copy(rp[:], payload[pubMaterialLen:pubMaterialLen+ratchetPubLen])
		signedPart := payload[:pubMaterialLen+ratchetPubLen]
		sig := payload[pubMaterialLen+ratchetPubLen:]
		id, err := identity.FromPublicMaterial(pub)
		if err != nil {
			return nil, nil, false
		}
		if !id.Verify(signedPart, sig) {
			return nil, nil, false
		}
		return pub, &rp, true
	default:
		return nil, nil, false
	}
}

func (t *Transport) handleAnnounce(iface Interface, p *packet.Packet) {
	pub, ratchetPub, ok := parseAnnounce(p.Plaintext)
	if !ok {
		t.metrics.errorsTotal.WithLabelValues(iface.Name(), "bad-signature").Inc()
		return
	}

	now := time.Now()
	t.known.Remember(p.DestinationHash, pub, ratchetPub, now.Unix())

	t.mu.Lock()
	if !t.tables.Destinations.Put(p.DestinationHash, destinationEntry{
		timestamped:    timestamped{at: now},
		iface:          iface,
		hops:           p.Hops,
		hasTransportID: p.HasTransportID(),
		viaTransportID: p.TransportID,
	}) {
		t.metrics.poolExhausted.WithLabelValues("destination_table").Inc()
	}
	if !t.tables.Announces.Put(p.DestinationHash, announceEntry{timestamped: timestamped{at: now}, raw: append([]byte(nil), p.Raw...)}) {
		t.metrics.poolExhausted.WithLabelValues("announce_table").Inc()
	}
	var resolved func(destination.Destination)
	if pr, had := t.tables.PathRequests.Get(p.DestinationHash); had {
		t.tables.PathRequests.Delete(p.DestinationHash)
		resolved = pr.onResolve
	}
	t.mu.Unlock()

	if resolved != nil {
		resolved(destination.Destination{Hash: p.DestinationHash})
	}
	t.propagateAnnounce(iface, p)
}

// propagateAnnounce re-enqueues p on every other live interface, subject
// to the per-origin rate limit on each outbound interface.
func (t *Transport) propagateAnnounce(from Interface, p *packet.Packet) {
	t.mu.Lock()
	ifaces := append([]Interface(nil), t.interfaces...)
	rate, _ := t.tables.AnnounceRate.Get(p.DestinationHash)
	if rate.lastSent == nil {
		rate.lastSent = make(map[string]time.Time)
	}
	t.mu.Unlock()

	now := time.Now()
	raw := p.Raw
	for _, iface := range ifaces {
		if iface == from {
			continue
		}
		if last, seen := rate.lastSent[iface.Name()]; seen && now.Sub(last) < AnnounceRateWindow {
			continue
		}
		if err := iface.SendOutgoing(raw); err != nil {
			t.metrics.errorsTotal.WithLabelValues(iface.Name(), "write").Inc()
			continue
		}
		rate.lastSent[iface.Name()] = now
	}

	t.mu.Lock()
	if !t.tables.AnnounceRate.Put(p.DestinationHash, rate) {
		t.metrics.poolExhausted.WithLabelValues("announce_rate_table").Inc()
	}
	t.mu.Unlock()
}

// buildPathRequest packs a PATH_REQUEST: a DestPlain DATA packet carrying
// no payload, addressed to the unresolved destination hash itself and
// marked via ContextCode so a receiving transit node or destination owner
// can recognize it as "does anyone know this hash" rather than plaintext
// application data.
func buildPathRequest(destHash [destination.HashLen]byte) (*packet.Packet, error) {
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestPlain,
		PacketType:      packet.TypeData,
		ContextFlag:     true,
		ContextCode:     packet.ContextPathRequest,
		DestinationHash: destHash,
		Plaintext:       []byte{},
	}
	if _, err := p.Pack(); err != nil {
		return nil, err
	}
	return p, nil
}

// RequestPath issues a PATH_REQUEST for destHash if one is not already in
// flight: it records the pending entry (invoking onResolve once a
// matching announce arrives, onTimeout if none arrives within
// PathRequestTimeout) and floods the PATH_REQUEST packet on every
// registered interface.
func (t *Transport) RequestPath(destHash [destination.HashLen]byte, onResolve func(destination.Destination), onTimeout func()) bool {
	t.mu.Lock()
	if _, inFlight := t.tables.PathRequests.Get(destHash); inFlight {
		t.mu.Unlock()
		return true
	}
	ok := t.tables.PathRequests.Put(destHash, pathRequestEntry{
		timestamped: timestamped{at: time.Now()},
		timeout:     PathRequestTimeout,
		onResolve:   onResolve,
		onTimeout:   onTimeout,
	})
	if !ok {
		t.metrics.poolExhausted.WithLabelValues("path_requests").Inc()
	}
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.Unlock()

	p, err := buildPathRequest(destHash)
	if err != nil {
		t.logger.Warn("rns: failed to build path request", "err", err)
		return ok
	}
	for _, iface := range ifaces {
		if err := iface.SendOutgoing(p.Raw); err != nil {
			t.metrics.errorsTotal.WithLabelValues(iface.Name(), "write").Inc()
		}
	}
	return ok
}

// handlePathRequest answers an inbound PATH_REQUEST: if the destination is
// locally owned, or a recorded announce for it is on hand, the announce is
// replayed back on the interface the request arrived on; otherwise, if
// transit relaying is enabled, the request is flooded onward so a node
// further out can answer (spec.md §4.5).
func (t *Transport) handlePathRequest(iface Interface, p *packet.Packet) {
	t.mu.Lock()
	local, isLocal := t.localDests[p.DestinationHash]
	entry, known := t.tables.Announces.Get(p.DestinationHash)
	ifaces := append([]Interface(nil), t.interfaces...)
	transitEnabled := t.transitEnabled
	t.mu.Unlock()

	if isLocal {
		announce, err := BuildAnnounce(local.dest)
		if err != nil {
			return
		}
		if err := iface.SendOutgoing(announce.Raw); err != nil {
			t.metrics.errorsTotal.WithLabelValues(iface.Name(), "write").Inc()
		}
		return
	}
	if known {
		if err := iface.SendOutgoing(entry.raw); err != nil {
			t.metrics.errorsTotal.WithLabelValues(iface.Name(), "write").Inc()
		}
		return
	}
	if !transitEnabled {
		return
	}
	for _, other := range ifaces {
		if other == iface {
			continue
		}
		if err := other.SendOutgoing(p.Raw); err != nil {
			t.metrics.errorsTotal.WithLabelValues(other.Name(), "write").Inc()
		}
	}
}
