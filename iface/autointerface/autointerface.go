// Package autointerface implements the IPv6 link-local multicast discovery
// and carrier-detection sub-interface (spec.md §4.7.2).
package autointerface

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv6"
)

const (
	// DiscoveryPort is the multicast discovery port; the unicast discovery
	// port is DiscoveryPort+1.
	DiscoveryPort = 29716
	// DataPort is the unicast data port peers exchange framed packets on.
	DataPort = 42671

	AnnounceInterval   = 1600 * time.Millisecond
	PeeringTimeout     = 22 * time.Second
	MulticastEchoTimeout = 6500 * time.Millisecond
	PeerJobInterval    = 4 * time.Second

	dedupSize = 48
	dedupTTL  = 750 * time.Millisecond

	discoveryTokenLen = 32
)

// ReversePeeringInterval is how soon after learning of a new peer via
// multicast we must unicast our own discovery token back to it.
var ReversePeeringInterval = time.Duration(3.25 * float64(AnnounceInterval))

// Peer is a discovered AutoInterface neighbor.
type Peer struct {
	Addr       net.IP
	DataPort   int
	LastHeard  time.Time
}

type dedupEntry struct {
	hash [32]byte
	at   time.Time
}

// AutoInterface discovers peers over IPv6 link-local multicast and carries
// unicast data traffic to them once discovered. It implements
// transport.Interface without importing transport (see Interface contract
// note in DESIGN.md): the adapter only needs the shape, not the package.
type AutoInterface struct {
	mu sync.Mutex

	groupID    string
	ifaceName  string
	logger     *slog.Logger

	iface *net.Interface
	localAddr net.IP

	discoveryToken [discoveryTokenLen]byte
	mcastConn      *ipv6.PacketConn
	mcastAddr      *net.UDPAddr
	unicastConn    *net.UDPConn
	dataConn       *net.UDPConn

	peers map[string]*Peer

	multicastEchoTS       time.Time
	initialEchoReceived   bool
	firewallWarningLogged bool
	announcesSent         bool
	startedAt             time.Time

	carrierOK      bool
	carrierChanged bool

	lastPeerJob     time.Time
	lastAnnounceAt  time.Time

	dedup      []dedupEntry
	receiver   func([]byte)

	rxBytes, txBytes uint64
	online           bool
}

// New creates an AutoInterface bound to the named host network interface
// (empty selects the first link-local-capable interface found).
func New(groupID, ifaceName string, logger *slog.Logger) *AutoInterface {
	if groupID == "" {
		groupID = "reticulum"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoInterface{
		groupID:   groupID,
		ifaceName: ifaceName,
		logger:    logger,
		peers:     make(map[string]*Peer),
	}
}

func (a *AutoInterface) Name() string { return "autointerface/" + a.groupID }

// multicastGroup derives ff12:0:XXXX:XXXX:XXXX:XXXX:XXXX:XXXX from bytes
// 2..13 of SHA-256(group_id), placed as network-byte-order pairs.
func multicastGroup(groupID string) net.IP {
	sum := sha256.Sum256([]byte(groupID))
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xff, 0x12
	copy(ip[2:4], []byte{0, 0})
	copy(ip[4:16], sum[2:14])
	return ip
}

func discoveryToken(groupID, linkLocal string) [discoveryTokenLen]byte {
	return sha256.Sum256([]byte(groupID + linkLocal))
}

func linkLocalAddr(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipn.IP.To4() == nil && ipn.IP.IsLinkLocalUnicast() {
			return ipn.IP, nil
		}
	}
	return nil, fmt.Errorf("no link-local IPv6 address found on %s", ifi.Name)
}

func firstUsableInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if _, err := linkLocalAddr(&ifi); err == nil {
			return &ifi, nil
		}
	}
	return nil, fmt.Errorf("no multicast-capable interface with a link-local address")
}

// Start binds the multicast, unicast-discovery, and data sockets.
func (a *AutoInterface) Start() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ifi *net.Interface
	var err error
	if a.ifaceName != "" {
		ifi, err = net.InterfaceByName(a.ifaceName)
	} else {
		ifi, err = firstUsableInterface()
	}
	if err != nil {
		a.logger.Error("autointerface: no usable interface", "err", err)
		return false
	}
	local, err := linkLocalAddr(ifi)
	if err != nil {
		a.logger.Error("autointerface: resolving link-local address failed", "err", err)
		return false
	}

	if err := a.bind(ifi, local); err != nil {
		a.logger.Error("autointerface: bind failed", "err", err)
		return false
	}

	a.iface = ifi
	a.localAddr = local
	a.startedAt = time.Now()
	a.online = true
	a.logger.Info("autointerface started", "iface", ifi.Name, "addr", local.String(), "group", a.groupID)
	return true
}

func (a *AutoInterface) bind(ifi *net.Interface, local net.IP) error {
	group := multicastGroup(a.groupID)
	a.mcastAddr = &net.UDPAddr{IP: group, Port: DiscoveryPort, Zone: ifi.Name}
	a.discoveryToken = discoveryToken(a.groupID, local.String()+"%"+ifi.Name)

	pc, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", DiscoveryPort))
	if err != nil {
		return fmt.Errorf("listen multicast: %w", err)
	}
	p := ipv6.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		pc.Close()
		return fmt.Errorf("join multicast group: %w", err)
	}
	_ = p.SetMulticastLoopback(true)
	a.mcastConn = p

	uc, err := net.ListenUDP("udp6", &net.UDPAddr{IP: local, Port: DiscoveryPort + 1, Zone: ifi.Name})
	if err != nil {
		a.mcastConn.Close()
		return fmt.Errorf("listen unicast discovery: %w", err)
	}
	a.unicastConn = uc

	dc, err := net.ListenUDP("udp6", &net.UDPAddr{IP: local, Port: DataPort, Zone: ifi.Name})
	if err != nil {
		a.unicastConn.Close()
		a.mcastConn.Close()
		return fmt.Errorf("listen data: %w", err)
	}
	a.dataConn = dc
	return nil
}

func (a *AutoInterface) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mcastConn != nil {
		a.mcastConn.Close()
	}
	if a.unicastConn != nil {
		a.unicastConn.Close()
	}
	if a.dataConn != nil {
		a.dataConn.Close()
	}
	a.online = false
}

func (a *AutoInterface) SetReceiver(fn func([]byte)) {
	a.mu.Lock()
	a.receiver = fn
	a.mu.Unlock()
}

func (a *AutoInterface) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *AutoInterface) MTU() int { return 1280 }

func (a *AutoInterface) Bitrate() float64 { return 10_000_000 }

func (a *AutoInterface) RxBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rxBytes
}

func (a *AutoInterface) TxBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txBytes
}

func (a *AutoInterface) Transit() bool { return true }

// SendOutgoing writes raw to every known peer's data socket. Duplicate
// suppression on this interface's inbound path uses a 48-entry/750ms
// dedup ring, mirrored here defensively on the send side is unnecessary
// since Transport itself owns the packet hashlist.
func (a *AutoInterface) SendOutgoing(raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dataConn == nil {
		return fmt.Errorf("autointerface: not started")
	}
	var lastErr error
	for _, p := range a.peers {
		dst := &net.UDPAddr{IP: p.Addr, Port: DataPort, Zone: a.iface.Name}
		n, err := a.dataConn.WriteTo(raw, dst)
		if err != nil {
			lastErr = err
			continue
		}
		a.txBytes += uint64(n)
	}
	return lastErr
}

// announce transmits the discovery token on the multicast group.
func (a *AutoInterface) announce() {
	a.mu.Lock()
	conn := a.mcastConn
	addr := a.mcastAddr
	token := a.discoveryToken
	a.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.WriteTo(token[:], nil, addr); err != nil {
		a.logger.Warn("autointerface: announce failed", "err", err)
		return
	}
	a.mu.Lock()
	a.announcesSent = true
	a.mu.Unlock()
}

// Loop performs one non-blocking service tick: drains any pending datagrams,
// runs the carrier/peer-expiry state machine, and re-announces on schedule.
func (a *AutoInterface) Loop() {
	a.mu.Lock()
	started := a.mcastConn != nil
	a.mu.Unlock()
	if !started {
		return
	}

	a.drainMulticast()
	a.drainUnicast()
	a.drainData()

	now := time.Now()
	a.mu.Lock()
	dueAnnounce := now.Sub(a.lastAnnounceAt) >= AnnounceInterval
	if dueAnnounce {
		a.lastAnnounceAt = now
	}
	a.mu.Unlock()
	if dueAnnounce {
		a.announce()
	}
	a.mu.Lock()
	sinceEcho := now.Sub(a.multicastEchoTS)
	announcesSent := a.announcesSent
	if announcesSent && sinceEcho > MulticastEchoTimeout && a.carrierOK {
		a.carrierOK = false
		a.carrierChanged = true
		a.logger.Warn("autointerface: carrier lost", "group", a.groupID)
	} else if announcesSent && sinceEcho <= MulticastEchoTimeout && !a.carrierOK {
		a.carrierOK = true
		a.carrierChanged = true
		a.logger.Info("autointerface: carrier recovered", "group", a.groupID)
	}
	if !a.initialEchoReceived && !a.firewallWarningLogged && now.Sub(a.startedAt) > 3*AnnounceInterval {
		a.firewallWarningLogged = true
		a.logger.Warn("autointerface: no multicast echo received; check firewall/multicast routing")
	}
	runPeerJob := now.Sub(a.lastPeerJob) >= PeerJobInterval
	if runPeerJob {
		a.lastPeerJob = now
	}
	a.mu.Unlock()

	if runPeerJob {
		a.expirePeers(now)
		a.detectAddressChange()
	}
}

func (a *AutoInterface) drainMulticast() {
	a.mu.Lock()
	conn := a.mcastConn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	buf := make([]byte, discoveryTokenLen+16)
	_ = conn.SetReadDeadline(time.Now())
	for {
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if newPeer := a.handleDiscovery(buf[:n], src, true); newPeer != nil {
			a.sendReversePeering(newPeer)
		}
	}
}

func (a *AutoInterface) drainUnicast() {
	a.mu.Lock()
	conn := a.unicastConn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	buf := make([]byte, discoveryTokenLen+16)
	_ = conn.SetReadDeadline(time.Now())
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		a.handleDiscovery(buf[:n], src, false)
	}
}

// handleDiscovery records src as a peer and returns it when this is the
// first time it has been heard from over multicast, so the caller can send
// a unicast reverse-peering token (spec.md §4.7.2 state machine).
func (a *AutoInterface) handleDiscovery(frame []byte, src net.Addr, multicast bool) *Peer {
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok || len(frame) != discoveryTokenLen {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if udpAddr.IP.Equal(a.localAddr) {
		if multicast {
			a.multicastEchoTS = time.Now()
			a.initialEchoReceived = true
		}
		return nil
	}

	// Tokens are derived per-sender from their own link-local address, so
	// any well-formed 32-byte frame from a distinct source is accepted as
	// a peer announce rather than compared against our own token.
	key := udpAddr.IP.String()
	peer, existed := a.peers[key]
	if !existed {
		peer = &Peer{Addr: append(net.IP(nil), udpAddr.IP...), DataPort: DataPort}
		a.peers[key] = peer
		a.logger.Info("autointerface: new peer", "addr", key)
	}
	peer.LastHeard = time.Now()
	if !existed && multicast {
		return peer
	}
	return nil
}

// sendReversePeering unicasts our discovery token to a newly-seen peer's
// unicast discovery port, within ReversePeeringInterval of learning about it.
func (a *AutoInterface) sendReversePeering(p *Peer) {
	a.mu.Lock()
	conn := a.unicastConn
	ifi := a.iface
	token := a.discoveryToken
	a.mu.Unlock()
	if conn == nil || ifi == nil {
		return
	}
	dst := &net.UDPAddr{IP: p.Addr, Port: DiscoveryPort + 1, Zone: ifi.Name}
	if _, err := conn.WriteToUDP(token[:], dst); err != nil {
		a.logger.Warn("autointerface: reverse-peering send failed", "peer", p.Addr.String(), "err", err)
	}
}

func (a *AutoInterface) drainData() {
	a.mu.Lock()
	conn := a.dataConn
	recv := a.receiver
	a.mu.Unlock()
	if conn == nil {
		return
	}
	buf := make([]byte, 65536)
	_ = conn.SetReadDeadline(time.Now())
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)

		a.mu.Lock()
		a.rxBytes += uint64(n)
		dup := a.isDuplicate(frame)
		a.mu.Unlock()
		if dup || recv == nil {
			continue
		}
		recv(frame)
	}
}

// isDuplicate checks frame against the 48-entry/750ms dedup ring and
// records it if new. Caller holds a.mu.
func (a *AutoInterface) isDuplicate(frame []byte) bool {
	h := sha256.Sum256(frame)
	now := time.Now()

	kept := a.dedup[:0]
	dup := false
	for _, e := range a.dedup {
		if now.Sub(e.at) > dedupTTL {
			continue
		}
		if e.hash == h {
			dup = true
		}
		kept = append(kept, e)
	}
	a.dedup = kept
	if !dup {
		if len(a.dedup) >= dedupSize {
			a.dedup = a.dedup[1:]
		}
		a.dedup = append(a.dedup, dedupEntry{hash: h, at: now})
	}
	return dup
}

func (a *AutoInterface) expirePeers(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, p := range a.peers {
		if now.Sub(p.LastHeard) > PeeringTimeout {
			delete(a.peers, k)
			a.logger.Info("autointerface: peer expired", "addr", k)
		}
	}
}

func (a *AutoInterface) detectAddressChange() {
	a.mu.Lock()
	ifi := a.iface
	prev := a.localAddr
	a.mu.Unlock()
	if ifi == nil {
		return
	}
	current, err := linkLocalAddr(ifi)
	if err != nil || current.Equal(prev) {
		return
	}

	a.logger.Warn("autointerface: link-local address changed, rebinding", "old", prev.String(), "new", current.String())
	a.mu.Lock()
	if a.mcastConn != nil {
		a.mcastConn.Close()
	}
	if a.unicastConn != nil {
		a.unicastConn.Close()
	}
	a.mu.Unlock()

	if err := a.bind(ifi, current); err != nil {
		a.logger.Error("autointerface: rebind failed", "err", err)
		return
	}
	a.mu.Lock()
	a.localAddr = current
	a.carrierChanged = true
	a.mu.Unlock()
}

// CarrierOK reports the current carrier state.
func (a *AutoInterface) CarrierOK() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.carrierOK
}

// CarrierChanged is read-and-clear: the first reader after a transition
// sees true, subsequent readers see false until the next transition.
func (a *AutoInterface) CarrierChanged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.carrierChanged
	a.carrierChanged = false
	return v
}

// Peers returns a snapshot of currently known peers.
func (a *AutoInterface) Peers() []Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, *p)
	}
	return out
}
