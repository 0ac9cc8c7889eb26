// Package kdf derives the key-encryption key and its IV from a PIN, per
// spec.md §4.4: two independent PBKDF2-HMAC-SHA256 runs over the same
// password and salt, distinguished only by a trailing info byte, so a
// single PIN entry costs 20000 total iterations split across two
// purpose-separated outputs instead of one 20000-iteration run reused for
// both.
//
// Grounded on the teacher's kdf-compliance.go (one pure derivation
// function per concern, explicit NIST-style parameter struct) and on
// golang.org/x/crypto/pbkdf2 as used elsewhere in the retrieved pack
// (poaiw-blockchain-paw's x/compute/setup/keygen.go, other_examples
// abb7ef34's security/audit.go) for the primitive itself.
package kdf

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/pbkdf2"
)

// Iterations is the per-output PBKDF2 round count; two outputs (KEK and
// KEIV) are derived, for 2*Iterations total per PIN entry.
const Iterations = 10000

// KeySize is the byte length of both KEK and KEIV.
const KeySize = 32

// IVSize is the ChaCha20-Poly1305 nonce length carved out of KEIV's
// leading bytes.
const IVSize = 12

const (
	infoKEK  = 1
	infoKEIV = 2
)

// Derived holds the two independent outputs of a single derive_kek call.
// Both are sized for direct use: KEK as a ChaCha20-Poly1305 key, KEIV's
// first IVSize bytes as its nonce.
type Derived struct {
	KEK  [KeySize]byte
	KEIV [KeySize]byte
}

// IV returns the 12-byte nonce carved out of KEIV, per spec.md §4.4 step 3.
func (d *Derived) IV() [IVSize]byte {
	var iv [IVSize]byte
	copy(iv[:], d.KEIV[:IVSize])
	return iv
}

// Zero overwrites both outputs so a deferred caller can destroy derived
// key material as soon as it's no longer needed.
func (d *Derived) Zero() {
	for i := range d.KEK {
		d.KEK[i] = 0
	}
	for i := range d.KEIV {
		d.KEIV[i] = 0
	}
}

// Derive runs derive_kek(pin, randomSalt): builds salt = hardwareSalt ‖
// randomSalt, then two PBKDF2-HMAC-SHA256 passes over the PIN (encoded as
// a 4-byte little-endian word) distinguished by a trailing info byte.
// pin, the assembled salt, and the little-endian password buffer are all
// zeroed before returning, regardless of outcome, per spec.md §4.4 step 4.
func Derive(pin uint32, hardwareSalt [32]byte, randomSalt [4]byte) Derived {
	defer func() { pin = 0 }()

	var password [4]byte
	binary.LittleEndian.PutUint32(password[:], pin)
	defer zero(password[:])

	salt := make([]byte, 0, len(hardwareSalt)+len(randomSalt))
	salt = append(salt, hardwareSalt[:]...)
	salt = append(salt, randomSalt[:]...)
	defer zero(salt)

	var out Derived
	copy(out.KEK[:], deriveOne(password[:], salt, infoKEK))
	copy(out.KEIV[:], deriveOne(password[:], salt, infoKEIV))
	return out
}

// deriveOne runs a single PBKDF2-HMAC-SHA256 pass with info appended to
// the salt, the mechanism spec.md uses to obtain two independent outputs
// from one password/salt pair without a second random value.
func deriveOne(password, salt []byte, info byte) []byte {
	saltWithInfo := make([]byte, len(salt)+1)
	copy(saltWithInfo, salt)
	saltWithInfo[len(salt)] = info
	defer zero(saltWithInfo)
	return pbkdf2.Key(password, saltWithInfo, Iterations, KeySize, sha256.New)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
