// Package destination implements addressable endpoints: deterministic
// hashing from an owning identity plus a name, the four destination
// behaviors, and the bounded per-destination pools (spec.md §3).
package destination

import (
	"fmt"
	"strings"
	"time"

	"github.com/cvsouth/rns-go/identity"
	"github.com/cvsouth/rns-go/rnscrypto"
)

// Behavior is one of the four destination kinds.
type Behavior uint8

const (
	Single Behavior = iota // default: end-to-end encrypted to the owning Identity
	Group
	Plain // unencrypted
	Link  // ephemeral, backs a link.Link session
)

const (
	// HashLen is the length of a destination hash and a name hash.
	HashLen     = 16
	nameHashLen = 10

	maxRequestHandlers = 8
	maxPathResponses   = 8
)

// RequestHandler answers an inbound request addressed to this destination's
// app, returning the response payload.
type RequestHandler struct {
	Path    string
	Handler func(requestData []byte) []byte
}

// PathResponse is a record of a response received to a request this
// destination issued, kept so a later duplicate/retransmit can be matched
// without re-invoking application logic.
type PathResponse struct {
	RequestHash [HashLen]byte
	ReceivedAt  time.Time
	Data        []byte
}

// Destination is a named endpoint derived from an Identity (or, for Plain
// destinations, from the name alone) plus an application name and zero or
// more aspects.
type Destination struct {
	Behavior Behavior
	FullName string
	NameHash [nameHashLen]byte
	Hash     [HashLen]byte

	// Identity is the owning Identity for Single/Group/Link destinations;
	// nil for Plain destinations. Remote Single destinations known only by
	// public material (see FromKnown) carry a public-only Identity.
	Identity *identity.Identity

	Ratchets *identity.Ring

	requestHandlers *slotPool[RequestHandler]
	pathResponses   *slotPool[PathResponse]
}

// fullName joins an app name and its aspects the way RNS addresses do:
// "appname.aspect1.aspect2".
func fullName(appName string, aspects ...string) string {
	parts := append([]string{appName}, aspects...)
	return strings.Join(parts, ".")
}

// computeNameHash returns the first 10 bytes of SHA-256(full name).
func computeNameHash(full string) [nameHashLen]byte {
	var h [nameHashLen]byte
	copy(h[:], rnscrypto.TruncatedHash([]byte(full), nameHashLen))
	return h
}

// computeHash derives the 16-byte destination hash. For Plain destinations
// (no owning identity) the hash is truncated_hash(name_hash) over the name
// hash alone; for every other behavior it is truncated_hash(name_hash ||
// identity_hash).
func computeHash(behavior Behavior, nameHash [nameHashLen]byte, idHash *[identity.HashLen]byte) [HashLen]byte {
	var out [HashLen]byte
	if behavior == Plain || idHash == nil {
		material := make([]byte, 0, nameHashLen)
		material = append(material, nameHash[:]...)
		copy(out[:], rnscrypto.TruncatedHash(material, HashLen))
		return out
	}
	material := make([]byte, 0, nameHashLen+identity.HashLen)
	material = append(material, nameHash[:]...)
	material = append(material, idHash[:]...)
	copy(out[:], rnscrypto.TruncatedHash(material, HashLen))
	return out
}

// New creates a Destination owned by id (required for Single/Group/Link;
// ignored for Plain, where it may be nil).
func New(behavior Behavior, id *identity.Identity, appName string, aspects ...string) (*Destination, error) {
	if behavior != Plain && id == nil {
		return nil, fmt.Errorf("destination: behavior %d requires an owning identity", behavior)
	}
	full := fullName(appName, aspects...)
	nh := computeNameHash(full)

	var idHash *[identity.HashLen]byte
	if id != nil {
		h := id.Hash()
		idHash = &h
	}

	d := &Destination{
		Behavior:        behavior,
		FullName:        full,
		NameHash:        nh,
		Hash:            computeHash(behavior, nh, idHash),
		Identity:        id,
		requestHandlers: newSlotPool[RequestHandler](maxRequestHandlers),
		pathResponses:   newSlotPool[PathResponse](maxPathResponses),
	}
	if behavior == Single || behavior == Group {
		d.Ratchets = identity.NewRing(identity.DefaultRatchetInterval)
	}
	return d, nil
}

// FromKnown builds a remote Single destination reference from public
// material recalled out of identity.KnownDestinations, without requiring
// the local caller to hold the private key.
func FromKnown(appName string, aspects []string, pub *identity.Identity) (*Destination, error) {
	return New(Single, pub, appName, aspects...)
}

// RegisterRequestHandler adds h to this destination's bounded handler
// pool. Returns false if the pool is already full (spec.md memory
// discipline: no dynamic growth, null-sentinel on exhaustion).
func (d *Destination) RegisterRequestHandler(h RequestHandler) bool {
	return d.requestHandlers.Add(h)
}

// HandlerFor returns the registered handler for path, or nil.
func (d *Destination) HandlerFor(path string) *RequestHandler {
	for _, h := range d.requestHandlers.Items() {
		if h.Path == path {
			return &h
		}
	}
	return nil
}

// RecordPathResponse stores a received response in the bounded pool.
// Returns false if the pool is full.
func (d *Destination) RecordPathResponse(pr PathResponse) bool {
	return d.pathResponses.Add(pr)
}

// PathResponses returns the currently retained responses.
func (d *Destination) PathResponses() []PathResponse {
	return d.pathResponses.Items()
}

// EnableRatchets activates forward-secrecy ratcheting for a Single/Group
// destination that did not request it at construction time, or is a
// no-op if already enabled.
func (d *Destination) EnableRatchets(interval time.Duration) error {
	if d.Behavior != Single && d.Behavior != Group {
		return fmt.Errorf("destination: ratchets only apply to Single/Group destinations")
	}
	if d.Ratchets == nil {
		d.Ratchets = identity.NewRing(interval)
	}
	return d.Ratchets.Enable()
}
