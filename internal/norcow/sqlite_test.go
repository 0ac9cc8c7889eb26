package norcow

import (
	"path/filepath"
	"testing"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "norcow.db")
	s, err := OpenSQLiteStore(path, 1)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreInitReturnsSeededVersion(t *testing.T) {
	s := openTestSQLiteStore(t)
	version, err := s.Init()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("Init() version = %d, want 1", version)
	}
}

func TestSQLiteStoreSetGetDeleteRoundTrips(t *testing.T) {
	s := openTestSQLiteStore(t)

	if err := s.Set(0x0101, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(0x0101)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("Get = %q, want %q", got, "hello")
	}

	if err := s.Delete(0x0101); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(0x0101); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreUpdateWordOnlyClearsBits(t *testing.T) {
	s := openTestSQLiteStore(t)
	if err := s.Set(1, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateWord(1, 0, 0x00FF00FF); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xFF, 0x00, 0xFF, 0x00}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after clear: got %x want %x", got, want)
		}
	}
}

func TestSQLiteStoreWipeRemovesAllEntries(t *testing.T) {
	s := openTestSQLiteStore(t)
	if err := s.Set(0x0101, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(0x0102, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Wipe(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(0x0101); err != ErrNotFound {
		t.Fatalf("Get(0x0101) after Wipe = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(0x0102); err != ErrNotFound {
		t.Fatalf("Get(0x0102) after Wipe = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreUpgradeFinishPersistsVersion(t *testing.T) {
	s := openTestSQLiteStore(t)
	if err := s.UpgradeFinish(2); err != nil {
		t.Fatal(err)
	}
	version, err := s.Init()
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Fatalf("version after UpgradeFinish = %d, want 2", version)
	}
}
