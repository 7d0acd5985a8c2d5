// Package storage defines the persistence adapter contract (spec.md §6):
// a small read_blob/write_blob/list_keys/delete surface that keeps the
// core opaque to whatever backs it. Callers that cannot reach a working
// adapter degrade to memory-only operation rather than halting
// (StorageUnavailable, spec.md §7).
package storage

import "github.com/cvsouth/rns-go/rnserrors"

// Well-known key prefixes for the persisted state spec.md §6 enumerates.
const (
	IdentityKey             = "identity"
	KnownDestinationsPrefix = "known_destinations/"
	LXMFMessagePrefix       = "lxmf_messages/"
)

// Adapter is the storage contract the core depends on. Any key-value
// store or filesystem can implement it; the core makes no assumptions
// beyond these four operations.
type Adapter interface {
	ReadBlob(key string) ([]byte, error)
	WriteBlob(key string, data []byte) error
	ListKeys(prefix string) ([]string, error)
	Delete(key string) error
}

// ErrUnavailable wraps a backend failure as StorageUnavailable, the
// error kind callers should check for to trigger memory-only degradation.
func ErrUnavailable(context string, cause error) error {
	return rnserrors.Wrap(rnserrors.StorageUnavailable, cause, "storage: %s", context)
}
