// Package authenticator maintains STORAGE_TAG, the whole-storage
// authentication invariant from spec.md §4.2: an HMAC over the XOR of a
// per-key HMAC computed for every protected key currently in flash. It is
// what makes silently adding, removing, or swapping a protected entry
// detectable without needing to authenticate every value against every
// other value.
//
// Grounded on the teacher's kat-tests.go (KATVector/compute-compare-report
// shape) and kdf-compliance.go (one struct, one pure derivation method per
// concern). The teacher inlines SHA-256 compression by hand to save a
// per-key setup cost (its hsm-integration.go-adjacent phase3 file imports
// crypto/subtle for related constant-time work); this module uses
// crypto/hmac directly instead; the construction and security property are
// unchanged and manual block inlining in Go would only reintroduce the
// fault surface the rest of this module works hard to close.
package authenticator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"eamsa512/internal/faultguard"
	"eamsa512/internal/norcow"
)

// tagKey is the reserved flash key storing STORAGE_TAG (spec.md §3).
const tagKey uint16 = 0x0005

// TagSize is the on-flash size of STORAGE_TAG: an HMAC-SHA256 output
// truncated to 128 bits, matching the 16-byte entry in spec.md's data
// model table (the running sum kept in memory stays the full 32 bytes).
const TagSize = 16

// IsProtected reports whether key's entries contribute to STORAGE_TAG:
// neither public (APP bit 0x80 set) nor in the reserved APP=0x00
// namespace, per spec.md §3.
func IsProtected(key uint16) bool {
	app := byte(key >> 8)
	if app == 0x00 {
		return false
	}
	return app&0x80 == 0
}

// Authenticator owns the in-memory running sum and the flash store it
// reads/writes STORAGE_TAG through. Like the rest of this module's state
// it is single-owner, non-concurrent-safe by design (spec.md §5).
type Authenticator struct {
	store norcow.Store
	guard *faultguard.Guard
	sum   [32]byte
}

// New returns an Authenticator bound to store, routing detected anomalies
// through guard.
func New(store norcow.Store, guard *faultguard.Guard) *Authenticator {
	return &Authenticator{store: store, guard: guard}
}

func perKeyHMAC(sak [16]byte, key uint16) [32]byte {
	var keyBuf [2]byte
	binary.LittleEndian.PutUint16(keyBuf[:], key)

	mac := hmac.New(sha256.New, sak[:])
	mac.Write(keyBuf[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func storageTag(sak [16]byte, sum [32]byte) [TagSize]byte {
	mac := hmac.New(sha256.New, sak[:])
	mac.Write(sum[:])
	full := mac.Sum(nil)
	var tag [TagSize]byte
	copy(tag[:], full[:TagSize])
	return tag
}

func xorInto(dst *[32]byte, src [32]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Init establishes STORAGE_TAG over the empty protected-key set: the
// running sum is zero and the tag is HMAC-SAK(0), used when wipe/initial
// provisioning starts the flash layout from scratch.
func (a *Authenticator) Init(sak [16]byte) error {
	a.sum = [32]byte{}
	tag := storageTag(sak, a.sum)
	return a.store.Set(tagKey, tag[:])
}

// Update folds key into the running sum and rewrites STORAGE_TAG,
// per spec.md §4.2's update(k). A no-op for public or reserved keys.
func (a *Authenticator) Update(sak [16]byte, key uint16) error {
	if !IsProtected(key) {
		return nil
	}
	xorInto(&a.sum, perKeyHMAC(sak, key))
	tag := storageTag(sak, a.sum)
	return a.store.Set(tagKey, tag[:])
}

// SetNew writes value at key and, only if the key did not already exist,
// folds it into STORAGE_TAG — spec.md's "atomic w.r.t. tag" set(k,v,len).
// If the fold fails, the newly created entry is deleted to preserve the
// invariant that STORAGE_TAG always matches the live protected key set.
func (a *Authenticator) SetNew(sak [16]byte, key uint16, value []byte) error {
	existed, err := a.store.SetEx(key, value)
	if err != nil {
		return err
	}
	if existed {
		return nil
	}
	if err := a.Update(sak, key); err != nil {
		_ = a.store.Delete(key)
		return err
	}
	return nil
}

// Delete removes key and updates STORAGE_TAG the same way SetNew does:
// XOR is its own inverse, so folding the same per-key HMAC back in
// removes it from the sum.
func (a *Authenticator) Delete(sak [16]byte, key uint16) error {
	if err := a.store.Delete(key); err != nil {
		return err
	}
	return a.Update(sak, key)
}

// Get performs the single linear scan spec.md §4.2 describes: it
// recomputes the running sum over every protected key present in flash,
// verifies it against the stored STORAGE_TAG, repopulates the in-memory
// sum on success, and returns the requested key's value in the same pass.
//
// key == 0 is the unlock-time priming call: key 0 is in the reserved
// APP=0x00 namespace and is never protected, and Get(0) always returns
// found == false, even if an entry at key 0 exists; it exists purely to
// run the scan-and-verify for its side effect on the running sum, per
// spec.md §4.2.
func (a *Authenticator) Get(sak [16]byte, key uint16) (value []byte, found bool, err error) {
	var sum [32]byte
	var storedTag []byte
	var gotValue []byte
	foundValue := false
	consideredProtected := false

	walkErr := a.store.Iterate(func(k uint16, v []byte) bool {
		if k == tagKey {
			storedTag = append([]byte(nil), v...)
			return true
		}
		if k == key {
			gotValue = append([]byte(nil), v...)
			foundValue = true
		}
		if IsProtected(k) {
			xorInto(&sum, perKeyHMAC(sak, k))
			if k == key {
				consideredProtected = true
			}
		}
		return true
	})
	if walkErr != nil {
		a.guard.Trip(fmt.Sprintf("authenticator iteration error: %v", walkErr), faultguard.Collaborators{})
	}

	if consideredProtected && !foundValue {
		// The scan counted this key's HMAC into the sum but never
		// captured its value in the same pass: the store reported an
		// entry that isn't really there, which is exactly the
		// "inconsistent iteration" fault spec.md §4.2 calls out.
		a.guard.Trip("authenticator: key counted but not observed", faultguard.Collaborators{})
	}

	if storedTag == nil {
		a.guard.Trip("authenticator: STORAGE_TAG entry missing", faultguard.Collaborators{})
	}

	tag := storageTag(sak, sum)
	if !faultguard.ConstantTimeEqual(tag[:], storedTag) {
		a.guard.Trip("authenticator: STORAGE_TAG mismatch", faultguard.Collaborators{})
	}

	a.sum = sum

	if key == 0 || !foundValue {
		return nil, false, nil
	}
	return gotValue, true, nil
}

// Sum returns a copy of the current in-memory running sum, mostly useful
// for tests asserting invariant 1 from spec.md §8.
func (a *Authenticator) Sum() [32]byte {
	return a.sum
}
