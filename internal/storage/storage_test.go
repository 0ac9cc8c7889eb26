// Boundary-scenario tests driving storage.Core end-to-end against
// MemoryStore, one test per row of spec.md §8's boundary-scenario table.
//
// Grounded on the teacher's kat-tests.go KATTestSuite shape (one vector,
// one expected outcome, run end to end with no mocking of the crypto
// underneath it) adapted from a table of cryptographic test vectors into
// a table of storage-lifecycle scenarios.
package storage

import (
	"testing"
	"time"

	"eamsa512/internal/hal"
	"eamsa512/internal/norcow"
)

// fakeClock satisfies hal.Clock with an instant Sleep, so the
// sixteen-wrong-unlocks boundary scenario doesn't have to wait out a
// real exponential backoff. RandomBytes still delegates to a real
// Hardware, since the PIN/DEK/SAK material these tests derive does need
// to be unpredictable.
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

func freshCore(t *testing.T) *Core {
	t.Helper()
	store := norcow.NewMemoryStore(0)
	c := New(store, newFakeClock())
	if err := c.Init(nil, []byte("test hardware secret")); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

// Scenario 1: init fresh; has_pin() -> false.
func TestBoundaryFreshHasNoPIN(t *testing.T) {
	c := freshCore(t)
	if c.HasPIN() {
		t.Fatal("HasPIN() should be false on freshly provisioned flash")
	}
}

// Scenario 2: init fresh; get(0x0101,...) while locked -> false.
func TestBoundaryGetProtectedWhileLockedFails(t *testing.T) {
	c := freshCore(t)
	if _, ok := c.Get(0x0101); ok {
		t.Fatal("Get on a protected key should fail while locked")
	}
}

// Scenario 3: init fresh; unlock(1); set(0x0101,"hi",2); get(0x0101,...) -> "hi".
func TestBoundaryUnlockSetGetRoundTrips(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed on a freshly provisioned device")
	}
	if !c.Set(0x0101, []byte("hi")) {
		t.Fatal("Set(0x0101) should succeed once unlocked")
	}
	got, ok := c.Get(0x0101)
	if !ok {
		t.Fatal("Get(0x0101) should succeed after Set")
	}
	if string(got) != "hi" {
		t.Fatalf("Get(0x0101) = %q, want %q", got, "hi")
	}
}

// Scenario 4: init fresh; unlock(2) -> false; get_pin_rem() = 15.
func TestBoundaryWrongPINDecreasesRemaining(t *testing.T) {
	c := freshCore(t)
	if c.Unlock(2) {
		t.Fatal("Unlock(2) should fail against the empty-PIN sentinel")
	}
	if got := c.PINRemaining(); got != 15 {
		t.Fatalf("PINRemaining() = %d, want 15", got)
	}
}

// Scenario 5: init fresh; 16 wrong unlocks in a row -> final call wipes;
// has_pin() = false.
//
// A real PIN is set (and a protected value written) before the sixteen
// wrong attempts: with the empty-PIN sentinel still active, HasPIN()
// reads false whether or not a wipe ever actually happens, which would
// let this test pass even if storage_unlock silently fault-halted instead
// of wiping on the sixteenth attempt. Asserting HasPIN()==false here, that
// the old PIN no longer unlocks anything, that the empty-PIN sentinel
// works again, and that the previously-stored protected value is gone is
// what actually distinguishes "wiped and re-provisioned" from "merely
// halted".
func TestBoundarySixteenWrongUnlocksWipe(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.ChangePIN(1, 4242) {
		t.Fatal("ChangePIN(1, 4242) should succeed")
	}
	if !c.Set(0x0101, []byte("secret")) {
		t.Fatal("Set(0x0101) should succeed")
	}
	c.lifecycle.Lock()

	for i := 0; i < 16; i++ {
		c.Unlock(9999)
	}

	if c.HasPIN() {
		t.Fatal("HasPIN() should be false after the retry-budget wipe")
	}
	if c.Unlock(4242) {
		t.Fatal("the pre-wipe PIN should no longer unlock anything")
	}
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed against the post-wipe empty PIN")
	}
	if _, ok := c.Get(0x0101); ok {
		t.Fatal("the pre-wipe protected value should not have survived the wipe")
	}
}

// Scenario 6: unlock(1); set(0x8101,"x",1); lock; get(0x8101,...) -> "x"
// (public readable while locked).
func TestBoundaryPublicKeyReadableWhileLocked(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.Set(0x8101, []byte("x")) {
		t.Fatal("Set(0x8101) should succeed once unlocked")
	}
	c.lifecycle.Lock()

	got, ok := c.Get(0x8101)
	if !ok {
		t.Fatal("Get(0x8101) should succeed while locked: public keys are always readable")
	}
	if string(got) != "x" {
		t.Fatalf("Get(0x8101) = %q, want %q", got, "x")
	}
}

// Scenario 7: corrupt one byte of STORAGE_TAG; unlock(1); get(<any
// protected>) -> fault handler triggered, device halts.
func TestBoundaryCorruptedStorageTagHalts(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.Set(0x0101, []byte("hi")) {
		t.Fatal("Set(0x0101) should succeed")
	}
	c.lifecycle.Lock()

	tag, err := c.store.Get(0x0005)
	if err != nil {
		t.Fatalf("reading STORAGE_TAG: %v", err)
	}
	corrupted := append([]byte(nil), tag...)
	corrupted[0] ^= 0xFF
	if err := c.store.Set(0x0005, corrupted); err != nil {
		t.Fatalf("corrupting STORAGE_TAG: %v", err)
	}

	// unlock() itself runs the authenticator's priming scan
	// (auth.Get(sak, 0)), which recomputes the running sum and checks
	// it against STORAGE_TAG — so the corruption is caught here, before
	// any session is ever established, and Unlock reports failure via
	// the fault-guard-to-bool collapse rather than succeeding.
	if c.Unlock(1) {
		t.Fatal("Unlock(1) should fail once STORAGE_TAG has been corrupted")
	}

	if _, ok := c.Get(0x0101); ok {
		t.Fatal("Get should not report success after STORAGE_TAG was corrupted")
	}
}

// Scenario 8: change_pin(1, 4242); wipe-in-memory; unlock(4242) ->
// success; unlock(1) subsequently fails.
func TestBoundaryChangePINThenRestartUnlocksWithNewPINOnly(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.ChangePIN(1, 4242) {
		t.Fatal("ChangePIN(1, 4242) should succeed")
	}

	// "wipe-in-memory": drop the cached session the way a process
	// restart would, without touching the underlying flash.
	c.lifecycle.Lock()

	if !c.Unlock(4242) {
		t.Fatal("Unlock(4242) should succeed with the new PIN")
	}
	c.lifecycle.Lock()

	if c.Unlock(1) {
		t.Fatal("Unlock(1) should fail once the PIN has been changed away from it")
	}
}

// Invariant 7 (spec.md §8): wipe() followed by has_pin() returns false;
// unlock(1) succeeds.
func TestInvariantWipeResetsToEmptyPIN(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.ChangePIN(1, 4242) {
		t.Fatal("ChangePIN should succeed")
	}
	c.Wipe()

	if c.HasPIN() {
		t.Fatal("HasPIN() should be false immediately after Wipe")
	}
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed against the post-wipe empty PIN")
	}
}

// Invariant 6 (spec.md §8): swapping the ciphertext of two protected
// keys causes both to fail decryption, because each entry's AAD is
// bound to its own key id.
func TestInvariantSwappedCiphertextFailsAADBinding(t *testing.T) {
	c := freshCore(t)
	if !c.Unlock(1) {
		t.Fatal("Unlock(1) should succeed")
	}
	if !c.Set(0x0101, []byte("first")) {
		t.Fatal("Set(0x0101) should succeed")
	}
	if !c.Set(0x0102, []byte("second")) {
		t.Fatal("Set(0x0102) should succeed")
	}

	a, err := c.store.Get(0x0101)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.store.Get(0x0102)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.store.Set(0x0101, b); err != nil {
		t.Fatal(err)
	}
	if err := c.store.Set(0x0102, a); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(0x0101); ok {
		t.Fatal("Get(0x0101) should fail after its ciphertext was swapped with 0x0102's")
	}
	if _, ok := c.Get(0x0102); ok {
		t.Fatal("Get(0x0102) should fail after its ciphertext was swapped with 0x0101's")
	}
}
