package ble

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/currantlabs/ble"
)

// GATT service and characteristic UUIDs (spec.md §4.7.3).
var (
	ServiceUUID  = ble.MustParse("37145b00442d4a94917f8f42c5da28e3")
	RXCharUUID   = ble.MustParse("37145b00442d4a94917f8f42c5da28e5")
	TXCharUUID   = ble.MustParse("37145b00442d4a94917f8f42c5da28e4")
	IdentityUUID = ble.MustParse("37145b00442d4a94917f8f42c5da28e6")
)

// Keepalive is the period and payload for the per-peer liveness ping.
const (
	KeepaliveInterval = 15 * time.Second
	keepaliveByte     = 0x00
)

type inboundFrame struct {
	mac     [6]byte
	payload []byte
}

// Interface implements transport.Interface over a BLE GATT link, wrapping
// a platform ble.Device supplied by the caller (obtained from e.g.
// github.com/currantlabs/ble/linux, which is platform/build-tag gated and
// therefore kept out of this package — the caller owns device bring-up,
// this package owns the Reticulum-over-BLE protocol: role arbitration,
// the identity handshake, fragmentation, scoring, and blacklist backoff).
type Interface struct {
	mu sync.Mutex

	device      ble.Device
	ourMAC      [6]byte
	ourIdentity [IdentityLen]byte
	logger      *slog.Logger

	peers map[[6]byte]*Peer
	conns map[[6]byte]ble.Client

	inbox    chan inboundFrame
	receiver func([]byte)

	lastKeepalive map[[6]byte]time.Time

	rxBytes, txBytes uint64
	online           bool

	cancelScan context.CancelFunc
	cancelAdv  context.CancelFunc
}

// New creates a BLE interface. device must already be bound to a host
// adapter (e.g. via github.com/currantlabs/ble/linux.NewDevice()); ourMAC
// is that adapter's own address, used for role arbitration; ourIdentity is
// the node's identity hash, written to a peer's RX characteristic (central
// role) and served from the Identity characteristic (peripheral role) as
// the BLE-Reticulum identity handshake (spec.md §4.7.3).
func New(device ble.Device, ourMAC [6]byte, ourIdentity [IdentityLen]byte, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		device:        device,
		ourMAC:        ourMAC,
		ourIdentity:   ourIdentity,
		logger:        logger,
		peers:         make(map[[6]byte]*Peer),
		conns:         make(map[[6]byte]ble.Client),
		inbox:         make(chan inboundFrame, 64),
		lastKeepalive: make(map[[6]byte]time.Time),
	}
}

func (b *Interface) Name() string { return "ble" }

// Start brings up advertising (peripheral role) and scanning (central
// role) concurrently; BLE-Reticulum nodes play both roles simultaneously
// and let MAC-based arbitration decide which side of each pairing
// initiates the connection.
func (b *Interface) Start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		b.logger.Error("ble: no device bound")
		return false
	}
	ble.SetDefaultDevice(b.device)

	svc := ble.NewService(ServiceUUID)
	rx := ble.NewCharacteristic(RXCharUUID)
	rx.HandleWrite(ble.WriteHandlerFunc(b.handleRXWrite))
	svc.AddCharacteristic(rx)
	svc.AddCharacteristic(ble.NewCharacteristic(TXCharUUID))
	identityChar := ble.NewCharacteristic(IdentityUUID)
	identityChar.HandleRead(ble.ReadHandlerFunc(b.handleIdentityRead))
	svc.AddCharacteristic(identityChar)
	if err := ble.AddService(svc); err != nil {
		b.logger.Error("ble: failed to register GATT service", "err", err)
		return false
	}

	advCtx, cancelAdv := context.WithCancel(context.Background())
	b.cancelAdv = cancelAdv
	go func() {
		if err := ble.AdvertiseServiceData16(advCtx, 0x1815, b.ourMAC[:]); err != nil && advCtx.Err() == nil {
			b.logger.Warn("ble: advertise stopped", "err", err)
		}
	}()

	scanCtx, cancelScan := context.WithCancel(context.Background())
	b.cancelScan = cancelScan
	go func() {
		filter := func(a ble.Advertisement) bool { return advertisesService(a, ServiceUUID) }
		if err := ble.Scan(scanCtx, true, b.handleAdvertisement, filter); err != nil && scanCtx.Err() == nil {
			b.logger.Warn("ble: scan stopped", "err", err)
		}
	}()

	b.online = true
	return true
}

func advertisesService(a ble.Advertisement, want ble.UUID) bool {
	for _, u := range a.Services() {
		if u.Equal(want) {
			return true
		}
	}
	return false
}

func (b *Interface) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelScan != nil {
		b.cancelScan()
	}
	if b.cancelAdv != nil {
		b.cancelAdv()
	}
	for mac, c := range b.conns {
		c.CancelConnection()
		delete(b.conns, mac)
	}
	b.online = false
}

func (b *Interface) SetReceiver(fn func([]byte)) {
	b.mu.Lock()
	b.receiver = fn
	b.mu.Unlock()
}

func (b *Interface) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// MTU reports the requested negotiation ceiling; the effective per-link
// MTU after negotiation is tracked per peer (spec.md: range 23-512,
// requested 517).
func (b *Interface) MTU() int { return 517 }

func (b *Interface) Bitrate() float64 { return 250_000 }

func (b *Interface) RxBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxBytes
}

func (b *Interface) TxBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txBytes
}

// Transit is false: a BLE link to discrete, individually-scored peers is
// not treated as a broadcast-capable transit medium by default.
func (b *Interface) Transit() bool { return false }

// SendOutgoing fragments raw per-peer MTU and writes each fragment to
// every currently connected peer's RX characteristic.
func (b *Interface) SendOutgoing(raw []byte) error {
	b.mu.Lock()
	conns := make(map[[6]byte]ble.Client, len(b.conns))
	for mac, c := range b.conns {
		conns[mac] = c
	}
	peers := b.peers
	b.mu.Unlock()

	var lastErr error
	for mac, c := range conns {
		p := peers[mac]
		mtu := 517
		if p != nil && p.MTU > 0 {
			mtu = p.MTU
		}
		for _, frag := range Fragment(raw, mtu) {
			if err := b.writeRX(c, frag); err != nil {
				lastErr = err
				continue
			}
			b.mu.Lock()
			b.txBytes += uint64(len(frag))
			b.mu.Unlock()
		}
	}
	return lastErr
}

func (b *Interface) writeRX(c ble.Client, data []byte) error {
	p, err := c.DiscoverProfile(false)
	if err != nil {
		return fmt.Errorf("ble: discover profile: %w", err)
	}
	ch := findCharacteristic(p, RXCharUUID)
	if ch == nil {
		return fmt.Errorf("ble: peer has no RX characteristic")
	}
	return c.WriteCharacteristic(ch, data, true)
}

func findCharacteristic(p *ble.Profile, uuid ble.UUID) *ble.Characteristic {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if c.UUID.Equal(uuid) {
				return c
			}
		}
	}
	return nil
}

// handleAdvertisement runs on the ble library's scan goroutine; it must do
// no blocking work. Role arbitration and the connect attempt are
// dispatched so the scan callback returns immediately.
func (b *Interface) handleAdvertisement(a ble.Advertisement) {
	mac := macFromAddr(a.Addr())
	if mac == b.ourMAC {
		return
	}

	b.mu.Lock()
	p, existed := b.peers[mac]
	if !existed {
		if len(b.peers) >= MaxPeers {
			b.mu.Unlock()
			return
		}
		p = &Peer{MAC: mac, State: Discovered}
		b.peers[mac] = p
	}
	p.LastSeen = time.Now()
	p.RSSI = a.RSSI()
	shouldInitiate := ShouldInitiateConnection(b.ourMAC, mac) && p.State == Discovered && !p.IsBlacklisted(time.Now())
	if shouldInitiate {
		p.State = Connecting
	}
	b.mu.Unlock()

	if shouldInitiate {
		go b.connect(a)
	}
}

func (b *Interface) connect(a ble.Advertisement) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mac := macFromAddr(a.Addr())

	c, err := ble.Dial(ctx, a.Addr())
	now := time.Now()
	b.mu.Lock()
	p := b.peers[mac]
	if p == nil {
		b.mu.Unlock()
		return
	}
	if err != nil {
		p.RecordFailure(now)
		b.mu.Unlock()
		b.logger.Warn("ble: connect failed", "mac", fmt.Sprintf("%x", mac), "err", err)
		return
	}
	p.RecordSuccess(now)
	p.Role = RoleCentral
	p.State = Handshaking
	b.conns[mac] = c
	b.mu.Unlock()

	if err := b.writeRX(c, b.ourIdentity[:]); err != nil {
		b.logger.Warn("ble: identity write failed", "err", err)
	}
}

// handleIdentityRead serves our identity hash to a peer reading our
// Identity characteristic (peripheral role of the handshake).
func (b *Interface) handleIdentityRead(req ble.Request, rsp ble.ResponseWriter) {
	b.mu.Lock()
	id := b.ourIdentity
	b.mu.Unlock()
	_, _ = rsp.Write(id[:])
}

// handleRXWrite runs on the ble library's GATT-server goroutine for
// inbound writes to our RX characteristic; it enqueues onto the bounded
// inbox for processing during Loop, never doing heap-sensitive work here.
func (b *Interface) handleRXWrite(req ble.Request, rsp ble.ResponseWriter) {
	mac := macFromAddr(req.Conn().RemoteAddr())
	data := append([]byte(nil), req.Data()...)
	select {
	case b.inbox <- inboundFrame{mac: mac, payload: data}:
	default:
		b.logger.Warn("ble: inbox full, dropping inbound frame", "mac", fmt.Sprintf("%x", mac))
	}
}

// macFromAddr parses a ble.Addr's textual MAC (e.g. "01:02:03:04:05:06")
// into the 6-byte form used for role arbitration and peer-table keys.
func macFromAddr(a ble.Addr) [6]byte {
	var mac [6]byte
	hw, err := net.ParseMAC(a.String())
	if err != nil || len(hw) != 6 {
		return mac
	}
	copy(mac[:], hw)
	return mac
}

// Loop drains the inbox, applies the handshake/fragmentation/keepalive
// state machine per peer, and expires stale sessions.
func (b *Interface) Loop() {
	for {
		select {
		case f := <-b.inbox:
			b.process(f)
		default:
			goto drained
		}
	}
drained:

	now := time.Now()
	b.mu.Lock()
	peers := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		if p.HandshakeTimedOut(now) {
			b.logger.Warn("ble: handshake timed out", "mac", fmt.Sprintf("%x", p.MAC))
			b.dropPeer(p.MAC)
			continue
		}
		if p.ReassemblyExpired(now) {
			b.logger.Warn("ble: reassembly timed out", "mac", fmt.Sprintf("%x", p.MAC))
		}
		if p.State == Connected {
			b.maybeKeepalive(p, now)
		}
	}
}

func (b *Interface) process(f inboundFrame) {
	b.mu.Lock()
	p, ok := b.peers[f.mac]
	b.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	if IsHandshakeFrame(f.payload, p.Identity != nil) {
		var id [IdentityLen]byte
		copy(id[:], f.payload)
		b.mu.Lock()
		p.CompleteHandshake(id, now)
		isCentral := p.Role == RoleCentral
		b.mu.Unlock()
		b.logger.Info("ble: handshake complete", "mac", fmt.Sprintf("%x", f.mac), "central", isCentral)
		return
	}

	if len(f.payload) == 1 && f.payload[0] == keepaliveByte {
		b.mu.Lock()
		p.LastSeen = now
		b.mu.Unlock()
		return
	}

	payload, complete, err := p.Feed(f.payload, now)
	if err != nil {
		b.logger.Warn("ble: dropping invalid fragment", "mac", fmt.Sprintf("%x", f.mac), "err", err)
		return
	}
	if !complete {
		return
	}

	b.mu.Lock()
	b.rxBytes += uint64(len(payload))
	recv := b.receiver
	b.mu.Unlock()
	if recv != nil {
		recv(payload)
	}
}

func (b *Interface) maybeKeepalive(p *Peer, now time.Time) {
	b.mu.Lock()
	last, ok := b.lastKeepalive[p.MAC]
	conn := b.conns[p.MAC]
	b.mu.Unlock()
	if ok && now.Sub(last) < KeepaliveInterval {
		return
	}
	if conn == nil {
		return
	}
	if err := b.writeRX(conn, []byte{keepaliveByte}); err != nil {
		b.logger.Warn("ble: keepalive failed", "mac", fmt.Sprintf("%x", p.MAC), "err", err)
		return
	}
	b.mu.Lock()
	b.lastKeepalive[p.MAC] = now
	b.mu.Unlock()
}

func (b *Interface) dropPeer(mac [6]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[mac]; ok {
		c.CancelConnection()
		delete(b.conns, mac)
	}
	delete(b.lastKeepalive, mac)
	if p, ok := b.peers[mac]; ok {
		p.State = Discovered
		p.Identity = nil
	}
}
