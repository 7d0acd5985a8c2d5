package transport

import (
	"time"

	"github.com/cvsouth/rns-go/destination"
	"github.com/cvsouth/rns-go/packet"
)

// Table capacities (spec.md §3).
const (
	announceTableSize     = 8
	destinationTableSize  = 16
	reverseTableSize      = 8
	linkTableSize         = 8
	heldAnnouncesSize     = 8
	tunnelsSize           = 16
	announceRateSize      = 8
	pathRequestsSize      = 8
	receiptsSize          = 8
	packetHashlistSize    = 64
	discoveryPRTagsSize   = 32
	minAnnounceRateWindow = time.Second
)

// announceEntry is a queued announce retransmission.
type announceEntry struct {
	timestamped
	raw        []byte
	backoff    time.Duration
	retriesLeft int
}

// destinationEntry is a route: the interface and neighbor address to reach
// a destination hash.
type destinationEntry struct {
	timestamped
	iface       Interface
	neighborMAC string // opaque next-hop identifier (MAC, socket id, etc.)
	viaTransportID [packet.HashLen]byte
	hasTransportID bool
	hops        uint8
}

// reverseEntry records where a PROOF for an outgoing packet should return.
type reverseEntry struct {
	timestamped
	iface          Interface
	receiverToken  string
}

// linkTableEntry tracks a transit link hop: the two neighbor interfaces a
// transit node relays link traffic between.
type linkTableEntry struct {
	timestamped
	ifaceA, ifaceB Interface
}

// heldAnnounceEntry is a rate-limited pending announce awaiting release.
type heldAnnounceEntry struct {
	timestamped
	raw []byte
}

// tunnelEntry binds a tunnel id to a remote transport instance id.
type tunnelEntry struct {
	timestamped
	remoteTransportID [packet.HashLen]byte
}

// announceRateEntry is the last-announce time from a given origin on a
// given outbound interface.
type announceRateEntry struct {
	lastSent map[string]time.Time // keyed by outbound interface name
}

// pathRequestEntry is an in-flight PATH_REQUEST awaiting a resolving
// announce.
type pathRequestEntry struct {
	timestamped
	timeout  time.Duration
	onResolve func(destination.Destination)
	onTimeout func()
}

// Tables is Transport's full set of fixed-size slot arrays (spec.md §3),
// held as plain fields on a single struct per the "shared mutable
// globals -> single struct" redesign note rather than module-level
// state.
type Tables struct {
	Announces      *slotArray[[packet.HashLen]byte, announceEntry]
	Destinations   *slotArray[[destination.HashLen]byte, destinationEntry]
	Reverse        *slotArray[[packet.HashLen]byte, reverseEntry]
	Links          *slotArray[[packet.HashLen]byte, linkTableEntry]
	HeldAnnounces  *slotArray[[packet.HashLen]byte, heldAnnounceEntry]
	Tunnels        *slotArray[[packet.HashLen]byte, tunnelEntry]
	AnnounceRate   *slotArray[[destination.HashLen]byte, announceRateEntry]
	PathRequests   *slotArray[[destination.HashLen]byte, pathRequestEntry]
	Receipts       *slotArray[[packet.HashLen]byte, *packet.PacketReceipt]
	PacketHashlist *hashRing[[packet.HashLen]byte]
	DiscoveryTags  *hashRing[string]
}

// NewTables allocates every table at its spec-mandated fixed capacity.
func NewTables() *Tables {
	return &Tables{
		Announces:      newSlotArray[[packet.HashLen]byte, announceEntry](announceTableSize),
		Destinations:   newSlotArray[[destination.HashLen]byte, destinationEntry](destinationTableSize),
		Reverse:        newSlotArray[[packet.HashLen]byte, reverseEntry](reverseTableSize),
		Links:          newSlotArray[[packet.HashLen]byte, linkTableEntry](linkTableSize),
		HeldAnnounces:  newSlotArray[[packet.HashLen]byte, heldAnnounceEntry](heldAnnouncesSize),
		Tunnels:        newSlotArray[[packet.HashLen]byte, tunnelEntry](tunnelsSize),
		AnnounceRate:   newSlotArray[[destination.HashLen]byte, announceRateEntry](announceRateSize),
		PathRequests:   newSlotArray[[destination.HashLen]byte, pathRequestEntry](pathRequestsSize),
		Receipts:       newSlotArray[[packet.HashLen]byte, *packet.PacketReceipt](receiptsSize),
		PacketHashlist: newHashRing[[packet.HashLen]byte](packetHashlistSize),
		DiscoveryTags:  newHashRing[string](discoveryPRTagsSize),
	}
}
