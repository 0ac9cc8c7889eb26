// Package norcow defines the append-only flash abstraction storage.Core
// is built on top of, per spec.md §6.1. spec.md treats norcow as an
// external collaborator consumed only through its contract; this package
// is that contract plus two implementations so the rest of the module has
// something real to run against.
package norcow

import "errors"

// ErrNotFound is returned by Get when no live entry exists for a key.
var ErrNotFound = errors.New("norcow: entry not found")

// ErrTooShort is returned by UpdateBytes/UpdateWord when the target
// entry is not long enough to hold the write at the given offset.
var ErrTooShort = errors.New("norcow: write exceeds entry length")

// Store is the flash contract from spec.md §6.1. Every operation here
// corresponds 1:1 to a row in that table.
type Store interface {
	// Init mounts the store and returns the on-flash format version.
	Init() (version uint32, err error)

	// Get returns a copy of the live entry for key, or ErrNotFound.
	Get(key uint16) (value []byte, err error)

	// Set creates or overwrites the entry for key.
	Set(key uint16, value []byte) error

	// SetEx is like Set but also reports whether key already existed,
	// which authenticator.SetNew needs to decide whether to fold the key
	// into STORAGE_TAG (spec.md §4.2's set(k,v,len) operation).
	SetEx(key uint16, value []byte) (existedBefore bool, err error)

	// Delete removes the entry for key. Deleting a key that does not
	// exist is not an error.
	Delete(key uint16) error

	// Iterate calls fn once per live entry, in implementation-defined
	// order, stopping early if fn returns false. Implementations must
	// present a stable snapshot: fn must not observe the effects of a
	// concurrent mutation of the store made during the same Iterate call
	// (moot in this single-threaded module, but a property authenticator
	// relies on).
	Iterate(fn func(key uint16, value []byte) bool) error

	// UpdateWord writes word at the given byte offset within the entry
	// for key, in place, without reallocating the entry. Real flash can
	// only clear bits without an erase cycle; spec.md §9 requires
	// implementations over a backend without that restriction to emulate
	// it, which both implementations here do: a write may only turn 1
	// bits into 0 bits, never the reverse.
	UpdateWord(key uint16, offset int, word uint32) error

	// UpdateBytes is UpdateWord's byte-granularity sibling; both
	// implementations here route UpdateWord through it. The value envelope
	// does not use it: protected values are sealed whole and written with
	// Set/SetEx. Same clear-only discipline applies.
	UpdateBytes(key uint16, offset int, data []byte) error

	// Wipe erases every entry.
	Wipe() error

	// UpgradeFinish commits a layout-version bump (spec.md §4.8).
	UpgradeFinish(newVersion uint32) error
}

// clearOnlyMerge returns the byte-wise AND of existing and incoming,
// so that a call to UpdateBytes/UpdateWord can only ever clear bits that
// are currently set, modeling real flash's erase-before-set requirement.
// Both backends share this helper so their write-in-place semantics can't
// drift apart.
func clearOnlyMerge(existing, incoming []byte) []byte {
	out := make([]byte, len(existing))
	for i := range existing {
		out[i] = existing[i] & incoming[i]
	}
	return out
}
