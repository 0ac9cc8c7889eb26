package pin

import (
	"log/slog"
	"testing"
	"time"

	"eamsa512/internal/authenticator"
	"eamsa512/internal/envelope"
	"eamsa512/internal/faultguard"
	"eamsa512/internal/hal"
	"eamsa512/internal/norcow"
	"eamsa512/internal/pinlog"
)

// fakeClock satisfies hal.Clock with an instant Sleep, so a test driving
// many StorageUnlock attempts in a row doesn't have to wait out a real
// exponential backoff across sixteen retries. RandomBytes still delegates
// to a real Hardware, since the PIN/DEK/SAK material these tests derive
// does need to be unpredictable.
type fakeClock struct {
	hw *hal.Hardware
}

func newFakeClock() *fakeClock { return &fakeClock{hw: hal.New(nil)} }

func (f *fakeClock) RandomBytes(buf []byte) error { return f.hw.RandomBytes(buf) }

func (f *fakeClock) Sleep(total time.Duration, progress hal.ProgressFunc) {
	if progress != nil {
		progress(0, 1000)
	}
}

func recoverHalt(t *testing.T) {
	if r := recover(); r != nil {
		if _, ok := r.(*faultguard.Halted); !ok {
			t.Fatalf("unexpected panic: %v", r)
		}
	}
}

// newProvisioned builds a Lifecycle the way storage.Core.Wipe is expected
// to: fresh flash, a random DEK/SAK seeded directly into cache, STORAGE_TAG
// and VERSION initialized, and the empty-PIN sentinel set.
func newProvisioned(t *testing.T) *Lifecycle {
	t.Helper()
	store := norcow.NewMemoryStore(1)
	guard := faultguard.New()
	auth := authenticator.New(store, guard)
	plog := pinlog.New(store, guard)
	hw := hal.New(slog.Default())
	clock := newFakeClock()

	var hwSalt [32]byte
	if err := hw.RandomBytes(hwSalt[:]); err != nil {
		t.Fatal(err)
	}

	const activeVersion = 1
	l := New(store, guard, auth, plog, clock, hwSalt, activeVersion)

	if err := plog.Init(0, hw.RandomBytes); err != nil {
		t.Fatal(err)
	}
	if err := l.SeedRandomKeys(); err != nil {
		t.Fatal(err)
	}
	if err := auth.Init(l.cachedKeys.SAK); err != nil {
		t.Fatal(err)
	}

	var versionBytes [4]byte
	versionBytes[0] = byte(activeVersion)
	blob, err := envelope.Seal(l.cachedKeys.DEK, 0x0004, versionBytes[:])
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(0x0004, blob); err != nil {
		t.Fatal(err)
	}

	if err := l.SetPIN(EmptyPINSentinel); err != nil {
		t.Fatal(err)
	}
	l.unlocked = false
	l.cachedKeys.Zero()

	return l
}

func TestStorageUnlockWithEmptyPINSucceeds(t *testing.T) {
	l := newProvisioned(t)

	if err := l.StorageUnlock(EmptyPINSentinel, nil); err != nil {
		t.Fatalf("StorageUnlock: %v", err)
	}
	if !l.Unlocked() {
		t.Fatal("expected Unlocked() == true after a successful StorageUnlock")
	}
}

func TestStorageUnlockWithWrongPINFails(t *testing.T) {
	l := newProvisioned(t)

	err := l.StorageUnlock(9999, nil)
	if err != ErrWrongPIN {
		t.Fatalf("StorageUnlock with wrong PIN = %v, want ErrWrongPIN", err)
	}
	if l.Unlocked() {
		t.Fatal("Unlocked() must stay false after a failed attempt")
	}
}

func TestPINRemainingDecreasesOnFailureAndResetsOnSuccess(t *testing.T) {
	l := newProvisioned(t)

	before := l.PINRemaining()
	if err := l.StorageUnlock(9999, nil); err != ErrWrongPIN {
		t.Fatalf("expected ErrWrongPIN, got %v", err)
	}
	after := l.PINRemaining()
	if after != before-1 {
		t.Fatalf("PINRemaining after one failure = %d, want %d", after, before-1)
	}

	if err := l.StorageUnlock(EmptyPINSentinel, nil); err != nil {
		t.Fatalf("StorageUnlock with correct PIN: %v", err)
	}
	if got := l.PINRemaining(); got != pinlog.PINMaxTries {
		t.Fatalf("PINRemaining after successful unlock = %d, want %d", got, pinlog.PINMaxTries)
	}
}

func TestChangePINRequiresUnlocked(t *testing.T) {
	l := newProvisioned(t)
	if err := l.ChangePIN(EmptyPINSentinel, 4242, nil); err != ErrNotUnlocked {
		t.Fatalf("ChangePIN before unlock = %v, want ErrNotUnlocked", err)
	}
}

func TestChangePINThenUnlockWithNewPIN(t *testing.T) {
	l := newProvisioned(t)
	if err := l.StorageUnlock(EmptyPINSentinel, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.ChangePIN(EmptyPINSentinel, 4242, nil); err != nil {
		t.Fatalf("ChangePIN: %v", err)
	}

	l.Lock()
	if err := l.StorageUnlock(4242, nil); err != nil {
		t.Fatalf("StorageUnlock(4242) after ChangePIN: %v", err)
	}

	l.Lock()
	if err := l.StorageUnlock(EmptyPINSentinel, nil); err != ErrWrongPIN {
		t.Fatalf("old PIN should no longer work, got %v", err)
	}
}

func TestHasPINReflectsEmptySentinel(t *testing.T) {
	l := newProvisioned(t)
	has, err := l.HasPIN()
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("HasPIN() should be false while PIN is the empty sentinel")
	}

	if err := l.StorageUnlock(EmptyPINSentinel, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.ChangePIN(EmptyPINSentinel, 4242, nil); err != nil {
		t.Fatal(err)
	}
	has, err = l.HasPIN()
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("HasPIN() should be true once a real PIN is set")
	}
}

func TestStorageUnlockWipesAtRetryBudget(t *testing.T) {
	defer recoverHalt(t)

	l := newProvisioned(t)
	for i := 0; i < pinlog.PINMaxTries; i++ {
		err := l.StorageUnlock(9999, nil)
		if err != nil && err != ErrWrongPIN {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	t.Fatal("expected a wipe-and-halt panic once the retry budget was exhausted")
}
