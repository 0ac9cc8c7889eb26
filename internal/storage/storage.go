// Package storage implements storage.Core, the public boundary from
// spec.md §6.2: a PIN-gated encrypted key-value store wired from
// faultguard, norcow, authenticator, pinlog, kdf, envelope, and pin.
//
// Every exported method returns bool (or void), per spec.md §6.2 — a
// deliberate, spec-mandated divergence from idiomatic Go's (value, error)
// convention. Internally every collaborator package uses ordinary Go
// errors and a single panic type (*faultguard.Halted) for the
// unrecoverable fault class; Core's job is to sit at the boundary and
// collapse that three-way model (benign / authentication / fault, per
// spec.md §7) down to the bool the public signatures demand, the same
// way the teacher's main.go collapses its internal call chains down to a
// process exit code at the one place a human actually reads the result.
package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"eamsa512/internal/authenticator"
	"eamsa512/internal/envelope"
	"eamsa512/internal/faultguard"
	"eamsa512/internal/hal"
	"eamsa512/internal/norcow"
	"eamsa512/internal/pin"
	"eamsa512/internal/pinlog"
)

// ActiveVersion is the on-flash format version this build writes and
// expects, checked against the decrypted VERSION entry on every unlock
// and bumped to by the version-0 upgrade path in upgrade.go.
const ActiveVersion uint32 = 1

// Core is the owned, non-concurrent-safe context spec.md §5 describes:
// one struct holding every piece of state the original firmware keeps as
// process-wide globals. It must not be shared across goroutines.
type Core struct {
	store norcow.Store
	guard *faultguard.Guard
	auth  *authenticator.Authenticator
	plog  *pinlog.Log
	hw    hal.Clock

	lifecycle *pin.Lifecycle

	initialized bool
}

// New returns a Core bound to store. hw may be nil, in which case a
// default Hardware wrapping slog's default logger is used. hw is typed
// as hal.Clock (rather than *hal.Hardware) so a test exercising the
// retry-budget-exhaustion path can substitute a fake with an instant
// Sleep instead of waiting out a real exponential backoff across sixteen
// attempts.
func New(store norcow.Store, hw hal.Clock) *Core {
	if hw == nil {
		hw = hal.New(nil)
	}
	guard := faultguard.New()
	return &Core{
		store: store,
		guard: guard,
		auth:  authenticator.New(store, guard),
		plog:  pinlog.New(store, guard),
		hw:    hw,
	}
}

// guardedBool runs fn, recovering a *faultguard.Halted panic and turning
// it into a plain false: every public method that can reach a fault-guard
// trip wraps its real logic in this so a halt never escapes the API
// boundary as a panic, matching spec.md §7's Fault row ("return false").
// Any other panic is not ours to swallow and is re-raised.
func (c *Core) guardedBool(fn func() bool) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			if h, ok := r.(*faultguard.Halted); ok {
				c.recordFault(h)
				result = false
				return
			}
			panic(r)
		}
	}()
	return fn()
}

// recordFault surfaces a fault-guard halt to the hardware audit trail,
// classified as "wipe" or "fault" depending on whether storage was
// actually erased. Every public method's guardedBool, and Init's own
// recover below, funnel through this one choke point, so every
// faultguard.Trip and wipeAndHalt call site in the module is covered
// without a LogAudit call at each one individually. A no-op if hw isn't
// a *hal.Hardware (a test fake, typically, which carries no trail).
func (c *Core) recordFault(h *faultguard.Halted) {
	hw, ok := c.hw.(*hal.Hardware)
	if !ok {
		return
	}
	eventType := "fault"
	if h.Wiped {
		eventType = "wipe"
	}
	hw.LogAudit(eventType, h.Error())
}

// Init mounts the flash store, derives hardware_salt from hardwareSecret,
// and runs the version-0 upgrade path (upgrade.go) if the mounted flash
// predates ActiveVersion. It corresponds to spec.md §6.2's init(), which
// has no success/failure return in the original ABI; this port still
// surfaces a Go error for the narrow set of failures a caller can
// actually act on (a flash backend that can't be mounted at all), which
// is distinct from the three-way fault model used everywhere else:
// nothing has been derived or verified yet at this point, so there is
// no PIN state to protect and no anomaly to classify.
func (c *Core) Init(progress hal.ProgressFunc, hardwareSecret []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h, ok := r.(*faultguard.Halted)
			if !ok {
				panic(r)
			}
			c.recordFault(h)
			err = h
		}
	}()

	version, ierr := c.store.Init()
	if ierr != nil {
		return fmt.Errorf("storage: mount flash: %w", ierr)
	}

	hardwareSalt := sha256.Sum256(hardwareSecret)
	c.lifecycle = pin.New(c.store, c.guard, c.auth, c.plog, c.hw, hardwareSalt, ActiveVersion)

	if version != ActiveVersion {
		if version != 0 {
			return fmt.Errorf("storage: unsupported on-flash version %d", version)
		}
		if uerr := c.runUpgrade(progress); uerr != nil {
			c.wipeAndHalt(fmt.Sprintf("storage: upgrade failed: %v", uerr))
		}
	}

	c.initialized = true
	return nil
}

func (c *Core) wipeAndHalt(reason string) {
	_ = c.store.Wipe()
	if c.lifecycle != nil {
		c.lifecycle.Lock()
	}
	panic(&faultguard.Halted{Reason: reason, Wiped: true})
}

// Unlock implements spec.md §6.2's unlock(pin): the brute-force-resistant
// storage_unlock sequence, collapsed to bool.
func (c *Core) Unlock(pinValue uint32) bool {
	return c.guardedBool(func() bool {
		if !c.initialized {
			return false
		}
		return c.lifecycle.StorageUnlock(pinValue, nil) == nil
	})
}

// UnlockWithProgress is Unlock, additionally driving progress while the
// retry backoff sleeps. Kept distinct from Unlock so the common call site
// (tests, a scripted CLI run) isn't forced to pass a callback it doesn't
// use.
func (c *Core) UnlockWithProgress(pinValue uint32, progress hal.ProgressFunc) bool {
	return c.guardedBool(func() bool {
		if !c.initialized {
			return false
		}
		return c.lifecycle.StorageUnlock(pinValue, progress) == nil
	})
}

// HasPIN implements spec.md §6.2's has_pin().
func (c *Core) HasPIN() bool {
	return c.guardedBool(func() bool {
		if !c.initialized {
			return false
		}
		has, err := c.lifecycle.HasPIN()
		return err == nil && has
	})
}

// PINRemaining implements spec.md §6.2's get_pin_rem(). It never faults:
// pin.Lifecycle.PINRemaining already absorbs its own fault-guard panic
// and returns 0, per spec.md's "0 on error".
func (c *Core) PINRemaining() uint32 {
	if !c.initialized {
		return 0
	}
	remaining := c.lifecycle.PINRemaining()
	if remaining < 0 {
		return 0
	}
	return uint32(remaining)
}

// ChangePIN implements spec.md §6.2's change_pin(old, new).
func (c *Core) ChangePIN(old, newPIN uint32) bool {
	return c.guardedBool(func() bool {
		if !c.initialized {
			return false
		}
		return c.lifecycle.ChangePIN(old, newPIN, nil) == nil
	})
}

// Get implements spec.md §6.2's get(key, ...): reserved keys are never
// visible to callers, public keys are readable regardless of lock state,
// and protected keys require an unlocked session and go through the
// value envelope. A decrypt/authentication failure on a protected entry
// is not ordinary traffic the way a wrong PIN is — spec.md §7 routes it
// through the fault guard rather than a quiet false.
func (c *Core) Get(key uint16) (value []byte, ok bool) {
	ok = c.guardedBool(func() bool {
		if !c.initialized || isReserved(key) {
			return false
		}

		if isPublic(key) {
			v, err := c.store.Get(key)
			if err != nil {
				return false
			}
			value = v
			return true
		}

		// Neither reserved nor public: this is the protected branch.
		// isProtected delegates to authenticator.IsProtected rather than
		// repeating the byte-mask logic above, so a future drift between
		// the two packages' ideas of "protected" is caught here instead
		// of silently running an unprotected key through the encrypted
		// value envelope.
		if !isProtected(key) || !c.lifecycle.Unlocked() {
			return false
		}
		raw, err := c.store.Get(key)
		if err != nil {
			return false
		}
		plain, err := envelope.Open(c.lifecycle.CachedKeys().DEK, key, raw)
		if err != nil {
			c.guard.Trip("storage: value envelope failed to authenticate", faultguard.Collaborators{})
		}
		value = plain
		return true
	})
	return value, ok
}

// Set implements spec.md §6.2's set(key, val, len): requires an unlocked
// session; public keys are written as plain flash, protected keys go
// through the value envelope and the authenticator's tag-fold-on-create
// bookkeeping.
func (c *Core) Set(key uint16, val []byte) bool {
	return c.guardedBool(func() bool {
		if !c.initialized || !c.lifecycle.Unlocked() || isReserved(key) {
			return false
		}

		if isPublic(key) {
			return c.store.Set(key, val) == nil
		}
		if !isProtected(key) {
			return false
		}

		blob, err := envelope.Seal(c.lifecycle.CachedKeys().DEK, key, val)
		if err != nil {
			return false
		}
		return c.auth.SetNew(c.lifecycle.CachedKeys().SAK, key, blob) == nil
	})
}

// Delete implements spec.md §6.2's delete(key): requires an unlocked
// session; protected deletes update STORAGE_TAG via the authenticator.
func (c *Core) Delete(key uint16) bool {
	return c.guardedBool(func() bool {
		if !c.initialized || !c.lifecycle.Unlocked() || isReserved(key) {
			return false
		}

		if isPublic(key) {
			return c.store.Delete(key) == nil
		}
		if !isProtected(key) {
			return false
		}
		return c.auth.Delete(c.lifecycle.CachedKeys().SAK, key) == nil
	})
}

// Wipe implements spec.md §6.2's wipe(): erases flash, clears caches, and
// reinitializes to a factory state with a fresh random DEK/SAK and the
// empty-PIN sentinel, ready for immediate use. Delegates to
// lifecycle.Reprovision so the user-invoked path and the internal
// retry-budget-exhaustion wipe in pin.Lifecycle both leave flash in
// exactly the same factory-reset state.
func (c *Core) Wipe() {
	c.guardedBool(func() bool {
		if !c.initialized {
			return false
		}
		c.lifecycle.Lock()
		if err := c.lifecycle.Reprovision(); err != nil {
			c.wipeAndHalt(fmt.Sprintf("storage: re-provisioning after wipe failed: %v", err))
		}
		// Reprovision leaves the fresh DEK/SAK in the cache; drop them so
		// key material is held only while unlocked.
		c.lifecycle.Lock()
		return true
	})
}

func (c *Core) writeVersion() error {
	var versionBytes [4]byte
	binary.LittleEndian.PutUint32(versionBytes[:], ActiveVersion)
	blob, err := envelope.Seal(c.lifecycle.CachedKeys().DEK, versionKey, versionBytes[:])
	if err != nil {
		return err
	}
	return c.store.Set(versionKey, blob)
}

// AuditLog exposes the hardware collaborator's audit trail, used by
// cmd/eamsa512ctl's -summary output. Returns nil if hw was constructed as
// something other than *hal.Hardware (a test fake, typically), which
// carries no audit trail of its own.
func (c *Core) AuditLog() []hal.AuditEntry {
	if h, ok := c.hw.(*hal.Hardware); ok {
		return h.AuditLog()
	}
	return nil
}

// ActiveFlashVersion reports the on-flash format version Core is running
// against, used by cmd/eamsa512ctl's -summary output.
func (c *Core) ActiveFlashVersion() uint32 {
	return ActiveVersion
}
