// Package pin implements the PIN lifecycle from spec.md §4.5: set_pin,
// unlock, the brute-force-resistant storage_unlock wrapper, change_pin,
// and the has_pin/get_pin_rem queries, wired to the PIN log, the key
// derivation, and the authenticator's running sum.
//
// Grounded on the teacher's key-lifecycle.go KeyLifecycleManager (the
// load-derive-verify-transition sequence) and example/key-rotation.go's
// KeyState machine, repurposed from a concurrent multi-key registry to
// this module's single PIN slot — the registry's mutex is dropped per
// spec.md §5's single-threaded, single-owner model.
package pin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"eamsa512/internal/authenticator"
	"eamsa512/internal/envelope"
	"eamsa512/internal/faultguard"
	"eamsa512/internal/hal"
	"eamsa512/internal/kdf"
	"eamsa512/internal/norcow"
	"eamsa512/internal/pinlog"
)

const (
	edekPVCKey   uint16 = 0x0002
	pinNotSetKey uint16 = 0x0003
	versionKey   uint16 = 0x0004

	randomSaltSize   = 4
	cachedKeysSize   = 48 // DEK (32B) ‖ SAK (16B)
	pvcSize          = 8
	edekPVCEntrySize = randomSaltSize + cachedKeysSize + pvcSize
)

// EmptyPINSentinel is the integer PIN value meaning "no PIN set", per
// spec.md §3. Callers must encode user-entered PINs so this value is
// unreachable.
const EmptyPINSentinel uint32 = 1

var (
	// ErrWrongPIN is returned by Unlock/StorageUnlock when the supplied
	// PIN does not match the stored one. It is a plain error, not a fault:
	// an incorrect PIN is expected traffic, not an anomaly.
	ErrWrongPIN = errors.New("pin: incorrect PIN")
	// ErrNotUnlocked is returned by ChangePIN when called before a
	// successful unlock.
	ErrNotUnlocked = errors.New("pin: storage is not unlocked")
)

// CachedKeys is spec.md's cached_keys: DEK ‖ SAK, held in memory only
// while unlocked.
type CachedKeys struct {
	DEK [32]byte
	SAK [16]byte
}

// Bytes packs DEK‖SAK into the 48-byte layout EDEK_PVC encrypts.
func (c *CachedKeys) Bytes() [cachedKeysSize]byte {
	var b [cachedKeysSize]byte
	copy(b[:32], c.DEK[:])
	copy(b[32:], c.SAK[:])
	return b
}

// SetBytes unpacks a 48-byte DEK‖SAK plaintext into c.
func (c *CachedKeys) SetBytes(b []byte) {
	copy(c.DEK[:], b[:32])
	copy(c.SAK[:], b[32:48])
}

// Zero overwrites DEK and SAK, per spec.md §5's "zeroized on lock/wipe".
func (c *CachedKeys) Zero() {
	hal.Zeroize(c.DEK[:])
	hal.Zeroize(c.SAK[:])
}

func zeroUint32(p *uint32) {
	*p = 0
	runtime.KeepAlive(p)
}

// Lifecycle owns cached_keys, the unlocked flag, and the collaborators
// needed to derive, verify, and rotate the PIN. Single-owner,
// non-concurrent-safe, per spec.md §5.
type Lifecycle struct {
	store        norcow.Store
	guard        *faultguard.Guard
	auth         *authenticator.Authenticator
	plog         *pinlog.Log
	hw           hal.Clock
	hardwareSalt [32]byte

	cachedKeys CachedKeys
	unlocked   bool

	// ActiveVersion is norcow_active_version: the on-flash format version
	// this running build expects, checked against the decrypted VERSION
	// entry at the end of unlock(). Set once by storage.Core after the
	// upgrade path (if any) has run.
	ActiveVersion uint32
}

// New returns a Lifecycle bound to its collaborators. hardwareSalt is
// spec.md §3's SHA-256-of-hardware-secret, computed once at process
// start and held for the process lifetime.
func New(store norcow.Store, guard *faultguard.Guard, auth *authenticator.Authenticator, plog *pinlog.Log, hw hal.Clock, hardwareSalt [32]byte, activeVersion uint32) *Lifecycle {
	return &Lifecycle{store: store, guard: guard, auth: auth, plog: plog, hw: hw, hardwareSalt: hardwareSalt, ActiveVersion: activeVersion}
}

// Unlocked reports whether cleartext key material is currently cached.
func (l *Lifecycle) Unlocked() bool { return l.unlocked }

// CachedKeys returns the currently cached DEK/SAK. Callers must not hold
// onto the returned value past a Lock/Wipe.
func (l *Lifecycle) CachedKeys() CachedKeys { return l.cachedKeys }

// SeedRandomKeys draws a fresh random DEK and SAK directly into the
// cache. It is used only on freshly erased or not yet migrated flash:
// by reprovision (reached from storage.Core.Wipe and the retry-budget
// wipe) and by storage.Core's version-0 upgrade.
func (l *Lifecycle) SeedRandomKeys() error {
	if err := l.hw.RandomBytes(l.cachedKeys.DEK[:]); err != nil {
		return err
	}
	return l.hw.RandomBytes(l.cachedKeys.SAK[:])
}

// Lock zeroizes cached key material and clears the unlocked flag,
// per spec.md §5.
func (l *Lifecycle) Lock() {
	l.cachedKeys.Zero()
	l.unlocked = false
}

// SetPIN implements spec.md §4.5's set_pin(pin): it re-encrypts the
// already-cached DEK/SAK under a freshly salted KEK and writes a new
// EDEK_PVC entry. It does not change DEK/SAK themselves, so it can be
// used both for the user's change_pin flow and for initial provisioning
// immediately after SeedRandomKeys.
func (l *Lifecycle) SetPIN(pin uint32) error {
	defer zeroUint32(&pin)

	var randomSalt [randomSaltSize]byte
	if err := l.hw.RandomBytes(randomSalt[:]); err != nil {
		return err
	}

	derived := kdf.Derive(pin, l.hardwareSalt, randomSalt)
	defer derived.Zero()

	plaintext := l.cachedKeys.Bytes()
	defer hal.Zeroize(plaintext[:])

	ciphertext, pvc, err := sealTruncated(derived.KEK, derived.IV(), plaintext[:])
	if err != nil {
		return err
	}

	entry := make([]byte, 0, edekPVCEntrySize)
	entry = append(entry, randomSalt[:]...)
	entry = append(entry, ciphertext...)
	entry = append(entry, pvc[:]...)
	if err := l.store.Set(edekPVCKey, entry); err != nil {
		return err
	}

	notSet := byte(0x00)
	if pin == EmptyPINSentinel {
		notSet = 0x01
	}
	return l.store.Set(pinNotSetKey, []byte{notSet})
}

// unlock implements spec.md §4.5's unlock(pin): no brute-force
// accounting, just the cryptographic verify-and-populate sequence.
// StorageUnlock is the public entry point; this is split out so
// change_pin's defense-in-depth re-verification and StorageUnlock share
// one implementation.
func (l *Lifecycle) unlock(pin uint32) error {
	defer zeroUint32(&pin)
	defer faultguard.WaitRandom()

	entry, err := l.store.Get(edekPVCKey)
	if err != nil {
		return err
	}
	if len(entry) != edekPVCEntrySize {
		l.guard.Trip("pin: EDEK_PVC entry has the wrong length", faultguard.Collaborators{IncrementFails: l.incrementFailsCollaborator()})
	}

	var randomSalt [randomSaltSize]byte
	copy(randomSalt[:], entry[:randomSaltSize])
	ciphertext := append([]byte(nil), entry[randomSaltSize:randomSaltSize+cachedKeysSize]...)
	storedPVC := entry[randomSaltSize+cachedKeysSize:]

	derived := kdf.Derive(pin, l.hardwareSalt, randomSalt)
	defer derived.Zero()

	plaintext, tag8, err := openTruncated(derived.KEK, derived.IV(), ciphertext)
	if err != nil {
		return err
	}
	defer hal.Zeroize(plaintext)

	if !faultguard.ConstantTimeEqual(tag8[:], storedPVC) {
		return ErrWrongPIN
	}

	l.cachedKeys.SetBytes(plaintext)

	if _, _, err := l.auth.Get(l.cachedKeys.SAK, 0); err != nil {
		return err
	}

	if err := l.verifyVersion(); err != nil {
		return err
	}

	return nil
}

func (l *Lifecycle) verifyVersion() error {
	raw, err := l.store.Get(versionKey)
	if err != nil {
		return err
	}
	plain, err := envelope.Open(l.cachedKeys.DEK, versionKey, raw)
	if err != nil {
		l.guard.Trip("pin: VERSION entry failed to authenticate", faultguard.Collaborators{IncrementFails: l.incrementFailsCollaborator()})
	}
	if len(plain) != 4 {
		l.guard.Trip("pin: VERSION entry has the wrong length", faultguard.Collaborators{IncrementFails: l.incrementFailsCollaborator()})
	}
	version := uint32(plain[0]) | uint32(plain[1])<<8 | uint32(plain[2])<<16 | uint32(plain[3])<<24
	if version != l.ActiveVersion {
		l.guard.Trip(fmt.Sprintf("pin: VERSION mismatch: flash has %d, active is %d", version, l.ActiveVersion), faultguard.Collaborators{IncrementFails: l.incrementFailsCollaborator()})
	}
	return nil
}

func (l *Lifecycle) incrementFailsCollaborator() func() error {
	return func() error {
		_, err := l.plog.Increase()
		return err
	}
}

func (l *Lifecycle) wipeCollaborator() func() error {
	return func() error {
		return l.store.Wipe()
	}
}

// reprovision implements spec.md's wipe() as a single operation: erase
// flash, then reinitialize it to factory defaults (fresh random DEK/SAK,
// a freshly established STORAGE_TAG, VERSION rewritten under the new
// DEK, a zeroed PIN log, and the empty-PIN sentinel). storage.Core's
// user-invoked Wipe and this package's own retry-budget wipeAndHalt both
// need flash left in that same state afterward — spec.md never
// describes an erase-only variant — so both call this rather than
// duplicating the sequence.
func (l *Lifecycle) reprovision() error {
	if err := l.store.Wipe(); err != nil {
		return err
	}
	if err := l.SeedRandomKeys(); err != nil {
		return err
	}
	if err := l.auth.Init(l.cachedKeys.SAK); err != nil {
		return err
	}

	var versionBytes [4]byte
	binary.LittleEndian.PutUint32(versionBytes[:], l.ActiveVersion)
	blob, err := envelope.Seal(l.cachedKeys.DEK, versionKey, versionBytes[:])
	if err != nil {
		return err
	}
	if err := l.store.Set(versionKey, blob); err != nil {
		return err
	}

	if err := l.plog.Init(0, l.hw.RandomBytes); err != nil {
		return err
	}
	return l.SetPIN(EmptyPINSentinel)
}

// Reprovision exposes reprovision to storage.Core, so the public Wipe
// API and this package's internal fault-triggered wipes share one
// factory-reset sequence instead of two.
func (l *Lifecycle) Reprovision() error {
	return l.reprovision()
}

// StorageUnlock is the public wrapper from spec.md §4.5: it adds
// brute-force resistance (backoff sleep, retry counting, wipe-at-budget)
// around unlock(). progress is invoked each second while sleeping and
// once more at the end with (0, 1000); pass nil to skip UI callbacks.
func (l *Lifecycle) StorageUnlock(pin uint32, progress hal.ProgressFunc) error {
	defer zeroUint32(&pin)

	ctr := l.plog.GetFails()
	if ctr >= pinlog.PINMaxTries {
		l.wipeAndHalt("pin: retry budget already exhausted")
	}

	var sleepSeconds uint32
	if ctr > 0 {
		sleepSeconds = 1 << uint(ctr-1)
		if hw, ok := l.hw.(*hal.Hardware); ok {
			hw.LogAudit("pin_retry_backoff", fmt.Sprintf("attempt %d: sleeping %ds before verification", ctr+1, sleepSeconds))
		}
	}
	l.hw.Sleep(time.Duration(sleepSeconds)*time.Second, progress)

	newCtr, err := l.plog.Increase()
	if err != nil {
		return err
	}
	if newCtr != ctr+1 {
		l.guard.Trip("pin: retry counter did not advance by exactly one", faultguard.Collaborators{WipeAll: l.wipeCollaborator()})
	}

	if err := l.unlock(pin); err != nil {
		if newCtr >= pinlog.PINMaxTries {
			l.wipeAndHalt("pin: retry budget exhausted on failed attempt")
		}
		return ErrWrongPIN
	}

	l.unlocked = true
	return l.plog.Reset(l.hw.RandomBytes)
}

func (l *Lifecycle) wipeAndHalt(reason string) {
	err := l.reprovision()
	l.cachedKeys.Zero()
	l.unlocked = false
	if err != nil {
		reason = fmt.Sprintf("%s (reprovisioning after wipe also failed: %v)", reason, err)
	}
	panic(&faultguard.Halted{Reason: reason, Wiped: true})
}

// ChangePIN implements spec.md §4.5's change_pin(old, new): it requires
// an already-unlocked session, re-verifies old via the full
// StorageUnlock path for defense in depth, then calls SetPIN(new).
func (l *Lifecycle) ChangePIN(old, newPIN uint32, progress hal.ProgressFunc) error {
	defer zeroUint32(&old)
	defer zeroUint32(&newPIN)

	if !l.unlocked {
		return ErrNotUnlocked
	}
	if err := l.StorageUnlock(old, progress); err != nil {
		return err
	}
	return l.SetPIN(newPIN)
}

// HasPIN implements spec.md §4.5's has_pin(): true iff the PIN_NOT_SET
// byte is 0x00 (i.e. a real PIN, not the empty sentinel, is set).
func (l *Lifecycle) HasPIN() (bool, error) {
	b, err := l.store.Get(pinNotSetKey)
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		l.guard.Trip("pin: PIN_NOT_SET entry has the wrong length", faultguard.Collaborators{})
	}
	return b[0] == 0x00, nil
}

// PINRemaining implements spec.md §4.5's get_pin_rem(): PIN_MAX_TRIES
// minus the current consumed-attempt count, or 0 if reading the count
// faults (the one place this module intentionally absorbs a fault-guard
// panic instead of propagating it, per spec.md's explicit "0 on error").
func (l *Lifecycle) PINRemaining() (remaining int) {
	defer func() {
		if recover() != nil {
			remaining = 0
		}
	}()
	return pinlog.PINMaxTries - l.plog.GetFails()
}
