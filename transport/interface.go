package transport

// Interface is the common link-layer adapter contract every concrete
// transport (TCP socket, IPv6 multicast, BLE GATT) implements. Transport
// drives every registered Interface from a single cooperative scheduler
// tick via Loop; interfaces never mutate Transport's routing state
// directly — they hand inbound frames upward through the receiver
// installed by SetReceiver.
type Interface interface {
	Name() string

	// Start brings the interface up, returning false if it could not.
	Start() bool
	Stop()

	// Loop performs one non-blocking service tick: draining any buffered
	// inbound bytes, running timers, retrying sends. It must never block.
	Loop()

	// SendOutgoing writes a fully-framed packet to the wire.
	SendOutgoing(raw []byte) error

	// SetReceiver installs the callback Transport uses to receive inbound
	// frames from this interface. Called once at registration.
	SetReceiver(func(raw []byte))

	Online() bool
	MTU() int
	Bitrate() float64
	RxBytes() uint64
	TxBytes() uint64

	// Transit reports whether this interface may carry transit (non-local)
	// traffic — a broadcast-capable link like AutoInterface typically is,
	// a point-to-point BLE link to a single peer may be configured not to.
	Transit() bool
}
