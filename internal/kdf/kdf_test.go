package kdf

import "testing"

func TestDeriveIsDeterministic(t *testing.T) {
	hwSalt := [32]byte{1, 2, 3}
	randSalt := [4]byte{9, 9, 9, 9}

	a := Derive(1234, hwSalt, randSalt)
	b := Derive(1234, hwSalt, randSalt)

	if a.KEK != b.KEK || a.KEIV != b.KEIV {
		t.Fatal("Derive is not deterministic for identical inputs")
	}
}

func TestDeriveKEKAndKEIVAreIndependent(t *testing.T) {
	hwSalt := [32]byte{1, 2, 3}
	randSalt := [4]byte{9, 9, 9, 9}

	d := Derive(1234, hwSalt, randSalt)
	if d.KEK == d.KEIV {
		t.Fatal("KEK and KEIV must differ (distinct info bytes)")
	}
}

func TestDeriveChangesWithPIN(t *testing.T) {
	hwSalt := [32]byte{1, 2, 3}
	randSalt := [4]byte{9, 9, 9, 9}

	a := Derive(1234, hwSalt, randSalt)
	b := Derive(4321, hwSalt, randSalt)
	if a.KEK == b.KEK {
		t.Fatal("different PINs produced the same KEK")
	}
}

func TestDeriveChangesWithSalt(t *testing.T) {
	hwSalt := [32]byte{1, 2, 3}

	a := Derive(1234, hwSalt, [4]byte{1, 1, 1, 1})
	b := Derive(1234, hwSalt, [4]byte{2, 2, 2, 2})
	if a.KEK == b.KEK {
		t.Fatal("different random salts produced the same KEK")
	}
}

func TestIVTakesLeadingTwelveBytesOfKEIV(t *testing.T) {
	d := Derive(1234, [32]byte{1}, [4]byte{1})
	iv := d.IV()
	for i := 0; i < IVSize; i++ {
		if iv[i] != d.KEIV[i] {
			t.Fatalf("IV()[%d] = %x, want KEIV[%d] = %x", i, iv[i], i, d.KEIV[i])
		}
	}
}

func TestZeroClearsBothOutputs(t *testing.T) {
	d := Derive(1234, [32]byte{1}, [4]byte{1})
	d.Zero()
	var zero [KeySize]byte
	if d.KEK != zero || d.KEIV != zero {
		t.Fatal("Zero did not clear KEK/KEIV")
	}
}
