package norcow

import "testing"

func TestMemoryStoreSetExReportsExistence(t *testing.T) {
	m := NewMemoryStore(1)

	existed, err := m.SetEx(0x0101, []byte("a"))
	if err != nil || existed {
		t.Fatalf("first SetEx: existed=%v err=%v, want false/nil", existed, err)
	}

	existed, err = m.SetEx(0x0101, []byte("b"))
	if err != nil || !existed {
		t.Fatalf("second SetEx: existed=%v err=%v, want true/nil", existed, err)
	}
}

func TestMemoryStoreUpdateWordOnlyClearsBits(t *testing.T) {
	m := NewMemoryStore(1)
	if err := m.Set(1, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatal(err)
	}

	// Clearing bits works.
	if err := m.UpdateWord(1, 0, 0x00FF00FF); err != nil {
		t.Fatal(err)
	}
	v, _ := m.Get(1)
	want := []byte{0xFF, 0x00, 0xFF, 0x00}
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("after clear: got %x want %x", v, want)
		}
	}

	// Attempting to set a bit back to 1 must not succeed: ANDing in a
	// word that tries to raise a cleared bit leaves it cleared.
	if err := m.UpdateWord(1, 0, 0xFFFFFFFF); err != nil {
		t.Fatal(err)
	}
	v, _ = m.Get(1)
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("bit resurrected by UpdateWord: got %x want %x", v, want)
		}
	}
}

func TestMemoryStoreIterateAndDelete(t *testing.T) {
	m := NewMemoryStore(1)
	m.Set(1, []byte("one"))
	m.Set(2, []byte("two"))
	m.Set(3, []byte("three"))

	if err := m.Delete(2); err != nil {
		t.Fatal(err)
	}

	seen := map[uint16]bool{}
	m.Iterate(func(k uint16, v []byte) bool {
		seen[k] = true
		return true
	})
	if seen[2] {
		t.Fatal("deleted key still observed by Iterate")
	}
	if !seen[1] || !seen[3] {
		t.Fatalf("expected keys 1 and 3, got %v", seen)
	}
}

func TestMemoryStoreWipe(t *testing.T) {
	m := NewMemoryStore(1)
	m.Set(1, []byte("x"))
	if err := m.Wipe(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after wipe, got %v", err)
	}
}
