package identity

import (
	"container/list"
	"sync"
)

// KnownDestinationsCacheSize is the bounded size of the process-wide
// known-destinations cache (spec.md §3).
const KnownDestinationsCacheSize = 192

// knownEntry is one row of the known-destinations cache.
type knownEntry struct {
	destHash   [HashLen]byte
	publicKey  []byte
	ratchetPub *[32]byte
	lastSeen   int64
}

// KnownDestinations is a bounded LRU-by-last-seen cache mapping
// destination hash to public material and optional ratchet public key. It
// is serialized by a single mutex acquired only for the duration of a
// lookup/insert (spec.md §5).
type KnownDestinations struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[[HashLen]byte]*list.Element
}

// NewKnownDestinations creates an empty cache.
func NewKnownDestinations() *KnownDestinations {
	return &KnownDestinations{
		order:   list.New(),
		entries: make(map[[HashLen]byte]*list.Element),
	}
}

// Remember records (or refreshes) the public key and optional ratchet
// public key for a destination hash, evicting the least-recently-seen
// entry if the cache is full.
func (kd *KnownDestinations) Remember(destHash [HashLen]byte, publicKey []byte, ratchetPub *[32]byte, now int64) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	if el, ok := kd.entries[destHash]; ok {
		e := el.Value.(*knownEntry)
		e.publicKey = publicKey
		if ratchetPub != nil {
			e.ratchetPub = ratchetPub
		}
		e.lastSeen = now
		kd.order.MoveToFront(el)
		return
	}

	if len(kd.entries) >= KnownDestinationsCacheSize {
		oldest := kd.order.Back()
		if oldest != nil {
			kd.order.Remove(oldest)
			delete(kd.entries, oldest.Value.(*knownEntry).destHash)
		}
	}

	e := &knownEntry{destHash: destHash, publicKey: publicKey, ratchetPub: ratchetPub, lastSeen: now}
	el := kd.order.PushFront(e)
	kd.entries[destHash] = el
}

// RememberRatchet installs a process-wide known ratchet public key for a
// destination hash without requiring the full public key (spec.md §4.3
// remember_ratchet).
func (kd *KnownDestinations) RememberRatchet(destHash [HashLen]byte, ratchetPub [32]byte, now int64) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	rp := ratchetPub
	if el, ok := kd.entries[destHash]; ok {
		e := el.Value.(*knownEntry)
		e.ratchetPub = &rp
		e.lastSeen = now
		kd.order.MoveToFront(el)
		return
	}
	if len(kd.entries) >= KnownDestinationsCacheSize {
		oldest := kd.order.Back()
		if oldest != nil {
			kd.order.Remove(oldest)
			delete(kd.entries, oldest.Value.(*knownEntry).destHash)
		}
	}
	e := &knownEntry{destHash: destHash, ratchetPub: &rp, lastSeen: now}
	el := kd.order.PushFront(e)
	kd.entries[destHash] = el
}

// RecallRatchet returns the cached ratchet public key for a destination
// hash, or (zero, false) if absent.
func (kd *KnownDestinations) RecallRatchet(destHash [HashLen]byte) ([32]byte, bool) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	el, ok := kd.entries[destHash]
	if !ok {
		return [32]byte{}, false
	}
	e := el.Value.(*knownEntry)
	kd.order.MoveToFront(el)
	if e.ratchetPub == nil {
		return [32]byte{}, false
	}
	return *e.ratchetPub, true
}

// Recall returns the cached public key material for a destination hash.
func (kd *KnownDestinations) Recall(destHash [HashLen]byte) ([]byte, bool) {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	el, ok := kd.entries[destHash]
	if !ok {
		return nil, false
	}
	e := el.Value.(*knownEntry)
	kd.order.MoveToFront(el)
	if e.publicKey == nil {
		return nil, false
	}
	return e.publicKey, true
}

// Len reports how many destinations are currently cached.
func (kd *KnownDestinations) Len() int {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return len(kd.entries)
}
