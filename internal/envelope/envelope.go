// Package envelope implements the per-entry value encryption from
// spec.md §4.6: IV (12B) ‖ ChaCha20-Poly1305 ciphertext (len B) ‖ Poly1305
// tag (16B), with the 16-bit key id bound in as AAD so a ciphertext moved
// from one key to another fails authentication instead of silently
// decrypting under the wrong key's policy.
//
// Grounded on other_examples' DataDog-go-secure-sdk internal/crypto/d4
// AEAD-over-stream package (the nearest pack file actually using
// golang.org/x/crypto/chacha20poly1305) for the cipher plumbing, adapted
// from its general-purpose chunked stream cipher down to this module's
// fixed single-shot envelope with a 2-byte AAD binding instead of d4's
// per-chunk key schedule.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// IVSize and TagSize are the envelope's fixed framing sizes; Overhead is
// the total bytes added beyond the plaintext length.
const (
	IVSize   = chacha20poly1305.NonceSize // 12
	TagSize  = chacha20poly1305.Overhead  // 16
	Overhead = IVSize + TagSize
)

// ErrTooShort is returned by Open when blob cannot possibly contain an
// IV and a tag.
var ErrTooShort = fmt.Errorf("envelope: entry shorter than IV+tag (%d bytes)", Overhead)

func aad(key uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], key)
	return b[:]
}

// Seal encrypts plaintext under dek, binding key as AAD, and returns
// IV ‖ ciphertext ‖ tag ready to write to flash as-is. A fresh random IV
// is drawn for every call; reusing a (dek, IV) pair is a forbidden
// confidentiality break, so this is the only place an IV is generated.
func Seal(dek [32]byte, key uint16, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(dek[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}

	var iv [IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("envelope: draw IV: %w", err)
	}

	out := make([]byte, IVSize, IVSize+len(plaintext)+TagSize)
	copy(out, iv[:])
	out = aead.Seal(out, iv[:], plaintext, aad(key))
	return out, nil
}

// Open decrypts and authenticates blob (as produced by Seal) under dek
// and key. Any failure — too-short input or a Poly1305 mismatch, which
// also catches an IV/ciphertext/tag swapped in from a different key's
// entry — is reported as an error; the caller is responsible for
// zeroizing any partial output and routing the failure through the fault
// guard, per spec.md §4.6's read path.
func Open(dek [32]byte, key uint16, blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrTooShort
	}
	aead, err := chacha20poly1305.New(dek[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}

	iv := blob[:IVSize]
	ciphertextAndTag := blob[IVSize:]
	plaintext, err := aead.Open(nil, iv, ciphertextAndTag, aad(key))
	if err != nil {
		return nil, fmt.Errorf("envelope: authentication failed: %w", err)
	}
	return plaintext, nil
}
