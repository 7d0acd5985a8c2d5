// Package main implements rnsd, the node bootstrap binary: it wires
// identity persistence, Transport, the configured interfaces, and the
// LXMF/control layers into a single running node (SPEC_FULL.md §D "node
// bootstrap"), the same staged-bring-up shape as cmd/tor-client/main.go.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/currantlabs/ble"

	"github.com/cvsouth/rns-go/config"
	"github.com/cvsouth/rns-go/destination"
	"github.com/cvsouth/rns-go/iface/autointerface"
	rnsble "github.com/cvsouth/rns-go/iface/ble"
	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/link"
	"github.com/cvsouth/rns-go/lxmf"
	"github.com/cvsouth/rns-go/packet"
	"github.com/cvsouth/rns-go/rnserrors"
	"github.com/cvsouth/rns-go/storage"
	"github.com/cvsouth/rns-go/transport"
)

// Node is a running RNS node: one Identity, one Transport, its registered
// interfaces, and the LXMF delivery stack built on top.
type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	storage storage.Adapter

	Identity  *identity.Identity
	Transport *transport.Transport
	Router    *lxmf.Router
	Prop      *lxmf.PropagationManager

	lxmfDest *destination.Destination

	mu       sync.Mutex
	apps     map[[destination.HashLen]byte]*destination.Destination
	channels []endpointChannel
}

// endpointChannel pairs a Channel with the interface its traffic (and any
// eventual LINK_CLOSE) goes out on, so Node.Tick can drive idle-timeout
// closure without re-resolving routes.
type endpointChannel struct {
	ch   *link.Channel
	next transport.Interface
}

// New constructs a Node from cfg: it loads or generates the node's
// Identity against the storage adapter, brings up Transport, registers
// every interface cfg.Interfaces names, and wires the LXMF router's
// direct-delivery Dialer through Transport's Link/Channel machinery.
// AutoInterface entries are started synchronously; a BLE entry requires a
// platform ble.Device and is left to a caller-specific main (see
// RegisterBLE) since no such device can be constructed from config alone.
func New(cfg config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	adapter, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	id, err := loadOrGenerateIdentity(adapter, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		storage:   adapter,
		Identity:  id,
		Transport: transport.New(cfg.TransitEnabled, nil, logger),
		Prop:      lxmf.NewPropagationManager(),
		apps:      make(map[[destination.HashLen]byte]*destination.Destination),
	}

	lxmfDest, err := destination.New(destination.Single, id, "lxmf", "delivery")
	if err != nil {
		return nil, fmt.Errorf("rnsd: create lxmf destination: %w", err)
	}
	n.lxmfDest = lxmfDest
	n.apps[lxmfDest.Hash] = lxmfDest
	n.Transport.RegisterDestination(lxmfDest, n.deliverDirect)
	n.Transport.RegisterLinkHandler(lxmfDest.Hash, n.acceptLinkRequest)

	if cfg.PropagationNode != "" {
		n.Prop.Pin(cfg.PropagationNode)
	}

	dialer := &transportDialer{node: n}
	n.Router = lxmf.NewRouter(dialer, n.Prop, logger)

	for _, ic := range cfg.Interfaces {
		switch ic.Type {
		case "autointerface":
			ai := autointerface.New(cfg.GroupID, ic.Name, logger)
			if err := n.Transport.RegisterInterface(ai); err != nil {
				return nil, fmt.Errorf("rnsd: register autointerface %q: %w", ic.Name, err)
			}
		case "ble":
			logger.Warn("rnsd: ble interface entries require a platform ble.Device and MAC; skipping config bring-up, call Node.RegisterBLE explicitly", "name", ic.Name)
		default:
			return nil, fmt.Errorf("rnsd: unknown interface type %q", ic.Type)
		}
	}

	return n, nil
}

// RegisterBLE brings up the BLE-Reticulum interface over device (already
// bound to a host adapter by the caller, e.g. via
// github.com/currantlabs/ble/linux.NewDevice()) using ourMAC for role
// arbitration. This is left to a caller-specific main rather than
// cfg.Interfaces bring-up because no platform ble.Device can be
// constructed from config alone.
func (n *Node) RegisterBLE(device ble.Device, ourMAC [6]byte) error {
	iface := rnsble.New(device, ourMAC, n.Identity.Hash(), n.logger)
	return n.Transport.RegisterInterface(iface)
}

func openStorage(cfg config.Config, logger *slog.Logger) (storage.Adapter, error) {
	if cfg.StorageDir == "" {
		logger.Warn("rnsd: no storage_dir configured, running memory-only (identity will not persist)")
		return nil, nil
	}
	adapter, err := storage.NewFilesystem(cfg.StorageDir)
	if err != nil {
		logger.Warn("rnsd: storage unavailable, degrading to memory-only", "err", err)
		return nil, nil
	}
	return adapter, nil
}

func loadOrGenerateIdentity(adapter storage.Adapter, logger *slog.Logger) (*identity.Identity, error) {
	if adapter == nil {
		return identity.Generate()
	}
	blob, err := adapter.ReadBlob(storage.IdentityKey)
	switch {
	case err == nil:
		id, perr := identity.FromPrivateMaterial(blob)
		if perr != nil {
			return nil, fmt.Errorf("rnsd: parse persisted identity: %w", perr)
		}
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		id, gerr := identity.Generate()
		if gerr != nil {
			return nil, gerr
		}
		if werr := adapter.WriteBlob(storage.IdentityKey, id.PrivateMaterial()); werr != nil {
			logger.Warn("rnsd: failed to persist new identity", "err", werr)
		}
		return id, nil
	default:
		logger.Warn("rnsd: identity storage unavailable, generating ephemeral identity", "err", err)
		return identity.Generate()
	}
}

// Tick drives one non-blocking scheduler tick: Transport (which in turn
// ticks every registered interface), the LXMF router's retry/fallback
// pass, and draining every open Channel's RX ring into the router
// (spec.md §5 single-threaded cooperative scheduling model).
func (n *Node) Tick() {
	n.Transport.Tick()
	n.Router.Tick(time.Now())

	n.mu.Lock()
	channels := append([]endpointChannel(nil), n.channels...)
	n.mu.Unlock()

	now := time.Now()
	var closed []endpointChannel
	for _, ec := range channels {
		for {
			env, ok := ec.ch.Receive()
			if !ok {
				break
			}
			if env.Type == lxmf.LXMFChannelType {
				if err := n.Router.Deliver(env.Payload); err != nil {
					n.logger.Debug("rnsd: dropping malformed lxmf delivery", "err", err)
				}
			}
		}
		if ec.ch.Link().CheckTimeout(now) {
			closed = append(closed, ec)
		}
	}
	for _, ec := range closed {
		n.closeChannel(ec)
	}
}

func (n *Node) addChannel(ch *link.Channel, next transport.Interface) {
	n.mu.Lock()
	n.channels = append(n.channels, endpointChannel{ch: ch, next: next})
	n.mu.Unlock()
}

// closeChannel tears down a locally owned Link that timed out: it stops
// the Channel's TX drain, unregisters Transport's link-data routing, and
// propagates LINK_CLOSE to the one neighbor interface this endpoint used
// (spec.md §4.5's close signal is not limited to transit hops).
func (n *Node) closeChannel(ec endpointChannel) {
	id := ec.ch.Link().ID
	ec.ch.Close()
	n.Transport.UnregisterLinkDataHandler(id)
	if ec.next != nil {
		n.Transport.SendLinkClose(ec.next, id)
	}

	n.mu.Lock()
	kept := n.channels[:0]
	for _, c := range n.channels {
		if c.ch != ec.ch {
			kept = append(kept, c)
		}
	}
	n.channels = kept
	n.mu.Unlock()
}

// deliverDirect is the onData callback for raw SINGLE-destination traffic
// addressed to the node's lxmf destination; LXMF itself is delivered over
// Link Channels, so this only matters for non-LXMF direct pings.
func (n *Node) deliverDirect(plaintext []byte, fromLink bool) {
	n.logger.Debug("rnsd: direct data delivered to lxmf destination", "bytes", len(plaintext), "from_link", fromLink)
}

// acceptLinkRequest is registered with Transport as the Link handler for
// the node's lxmf destination: it accepts the handshake, wires a Channel
// over the resulting Link, and registers it for inbound LXMF delivery.
func (n *Node) acceptLinkRequest(iface transport.Interface, requestPayload []byte) (proofPayload []byte, ok bool) {
	l, proof, err := link.AcceptRequest(n.lxmfDest.Hash, requestPayload, n.Identity)
	if err != nil {
		n.logger.Debug("rnsd: rejecting link request", "err", err)
		return nil, false
	}
	n.wireChannel(l, iface)
	return proof, true
}

// wireChannel builds a Channel over l, registers it for LXMF traffic, and
// hooks Transport's link-data routing so inbound ciphertext addressed to
// l.ID reaches it. next is the interface subsequent outbound traffic on
// this Link is sent over.
func (n *Node) wireChannel(l *link.Link, next transport.Interface) *link.Channel {
	ch := link.NewChannel(l, func(encrypted []byte) error {
		p := &packet.Packet{
			HeaderType:      packet.Header1,
			DestinationType: packet.DestLink,
			PacketType:      packet.TypeData,
			DestinationHash: l.ID,
			Ciphertext:      encrypted,
		}
		_, err := n.Transport.SendPacket(p, next, false)
		return err
	}, n.logger)
	ch.RegisterType(lxmf.LXMFChannelType)

	n.Transport.RegisterLinkDataHandler(l.ID, func(ciphertext []byte) {
		l.MarkDataReceived()
		if err := ch.Deliver(ciphertext); err != nil {
			n.logger.Debug("rnsd: channel delivery failed", "err", err)
		}
	})
	n.addChannel(ch, next)
	return ch
}

// awaitPath blocks until destHash resolves to a route via a PATH_REQUEST,
// or returns an error once Transport gives up waiting for a resolving
// announce (spec.md §4.5: "unresolved destination hashes trigger a
// PATH_REQUEST packet").
func (n *Node) awaitPath(destHash [destination.HashLen]byte) error {
	resolved := make(chan struct{}, 1)
	timedOut := make(chan struct{}, 1)
	n.Transport.RequestPath(destHash, func(destination.Destination) {
		select {
		case resolved <- struct{}{}:
		default:
		}
	}, func() {
		select {
		case timedOut <- struct{}{}:
		default:
		}
	})
	select {
	case <-resolved:
		return nil
	case <-timedOut:
		return rnserrors.New(rnserrors.UnknownDestination, "no path found to %x", destHash)
	}
}

// transportDialer implements lxmf.Dialer by driving a full Link handshake
// over Transport: LINKREQUEST, await PROOF, then a Channel wired for
// LXMFChannelType traffic.
type transportDialer struct {
	node *Node
}

func (d *transportDialer) Dial(destHash [16]byte) (*link.Channel, error) {
	n := d.node

	if _, routed := n.Transport.RouteInterface(destHash); !routed {
		if err := n.awaitPath(destHash); err != nil {
			return nil, err
		}
	}

	l, reqPayload, err := link.Request(destHash)
	if err != nil {
		return nil, err
	}

	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestSingle,
		PacketType:      packet.TypeLinkRequest,
		DestinationHash: destHash,
		Plaintext:       reqPayload,
	}
	if _, err := p.Pack(); err != nil {
		return nil, err
	}
	if _, err := n.Transport.SendPacket(p, nil, true); err != nil {
		return nil, err
	}

	proofCh := make(chan []byte, 1)
	n.Transport.AwaitProof(p.Hash(), func(payload []byte) {
		select {
		case proofCh <- payload:
		default:
		}
	})

	var proof []byte
	select {
	case proof = <-proofCh:
	case <-time.After(link.HandshakeTimeout):
		return nil, rnserrors.New(rnserrors.LinkTimeout, "link handshake to %x timed out", destHash)
	}

	remotePub, found := n.Transport.Known().Recall(destHash)
	if !found {
		return nil, rnserrors.New(rnserrors.UnknownDestination, "no known public material for %x", destHash)
	}
	remoteIdentity, err := identity.FromPublicMaterial(remotePub)
	if err != nil {
		return nil, fmt.Errorf("rnsd: parse remote identity for %x: %w", destHash, err)
	}
	if err := l.AcceptProof(proof, remoteIdentity); err != nil {
		return nil, err
	}

	next, _ := n.Transport.RouteInterface(destHash)
	return n.wireChannel(l, next), nil
}

// OpenDestination implements control.Handler: it creates (or returns the
// existing) local Single destination for appName/aspects, making it
// addressable over Transport.
func (n *Node) OpenDestination(appName string, aspects []string) (string, error) {
	dest, err := destination.New(destination.Single, n.Identity, appName, aspects...)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	if existing, ok := n.apps[dest.Hash]; ok {
		dest = existing
	} else {
		n.apps[dest.Hash] = dest
	}
	n.mu.Unlock()
	n.Transport.RegisterDestination(dest, n.deliverDirect)
	return hex.EncodeToString(dest.Hash[:]), nil
}

// Send implements control.Handler: it queues an LXMF message from the
// node's lxmf destination to destHashHex for delivery.
func (n *Node) Send(destHashHex, title string, content []byte) error {
	raw, err := hex.DecodeString(destHashHex)
	if err != nil || len(raw) != destination.HashLen {
		return fmt.Errorf("rnsd: bad destination hash %q", destHashHex)
	}
	var destHash [destination.HashLen]byte
	copy(destHash[:], raw)

	msg, err := lxmf.NewMessage(n.lxmfDest.Hash, destHash, title, content, nil)
	if err != nil {
		return err
	}
	return n.Router.Send(msg)
}

// Announce builds and sends an ANNOUNCE for the node's lxmf destination
// on every registered interface, the way a freshly joined node advertises
// itself (spec.md §4.5).
func (n *Node) Announce() error {
	p, err := transport.BuildAnnounce(n.lxmfDest)
	if err != nil {
		return err
	}
	// A locally originated announce has no destination-table route (it's
	// our own hash), so it goes out directly on every interface rather
	// than through SendPacket's route lookup.
	for _, iface := range n.Transport.Interfaces() {
		if err := iface.SendOutgoing(p.Raw); err != nil {
			n.logger.Warn("rnsd: announce failed on interface", "interface", iface.Name(), "err", err)
		}
	}
	return nil
}
