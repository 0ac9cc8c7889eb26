// Package legacybench preserves the block mixer this repo used before it
// adopted ChaCha20-Poly1305 for value encryption (see internal/envelope).
//
// It is not used to protect any wallet data. It exists so the envelope
// package's throughput can be benchmarked against the thing it replaced,
// and so the replacement decision recorded in DESIGN.md has a reachable,
// runnable baseline rather than just a comment. Do not wire this into
// storage.Core: it has never been reviewed as a cipher and spec.md
// names ChaCha20-Poly1305 as the required primitive.
package legacybench

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// mixState is the 4x4 word state the diagonal/cross-diagonal/final steps
// operate on, seeded from two 128-bit round keys and a nonce.
type mixState struct {
	words [4][4]uint32
}

func newMixState(key1, key2, nonce [16]byte) *mixState {
	s := &mixState{}
	for col := 0; col < 4; col++ {
		s.words[0][col] = binary.LittleEndian.Uint32(key1[col*4 : col*4+4])
		s.words[1][col] = binary.LittleEndian.Uint32(key2[col*4 : col*4+4])
		s.words[2][col] = binary.LittleEndian.Uint32(nonce[col*4 : col*4+4])
	}
	return s
}

func rotl32(v uint32, n uint) uint32 { return (v << n) | (v >> (32 - n)) }

// diagonalStep mixes each word with two of its own rotations.
func (s *mixState) diagonalStep() {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := s.words[i][j]
			s.words[i][j] ^= rotl32(v, 7) ^ rotl32(v, 1)
		}
	}
}

// crossDiagonalStep mixes each word with its neighbors on both diagonals.
func (s *mixState) crossDiagonalStep() {
	next := s.words
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := s.words[i][j]
			nv := s.words[(i+1)%4][(j+1)%4]
			pv := s.words[(i+3)%4][(j+3)%4]
			next[i][j] = v ^ (v + nv) ^ (v + pv)
		}
	}
	s.words = next
}

// finalStep mixes each row against itself (a cheap row transform).
func (s *mixState) finalStep() {
	row := s.words
	for i := 0; i < 4; i++ {
		r := row[i]
		s.words[i][0] = r[0] ^ (r[1] + r[2] + r[3])
		s.words[i][1] = r[1] ^ (r[0] + r[2] + r[3])
		s.words[i][2] = r[2] ^ (r[0] + r[1] + r[3])
		s.words[i][3] = r[3] ^ (r[0] + r[1] + r[2])
	}
}

func (s *mixState) round() {
	s.diagonalStep()
	s.crossDiagonalStep()
	s.finalStep()
}

func (s *mixState) output() [64]byte {
	var out [64]byte
	idx := 0
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			binary.LittleEndian.PutUint32(out[idx:idx+4], s.words[i][j])
			idx += 4
		}
	}
	return out
}

func rotl8(v byte) byte { return (v << 1) | (v >> 7) }

// mixRounds runs the 11-round left-branch mixer used by MixBlock.
func mixRounds(input [64]byte, keys [11][16]byte) [64]byte {
	left, right := input[:32], input[32:]
	state := newMixState(keys[7], keys[8], keys[9])

	for round := 0; round < 11; round++ {
		state.round()
		out := state.output()
		for i := 0; i < 32; i++ {
			left[i] ^= out[i]
			right[i] ^= out[i+32]
		}
		keys[7][round%16] = rotl8(keys[7][round%16])
		keys[8][round%16] = rotl8(keys[8][round%16])
	}

	var result [64]byte
	copy(result[:32], left)
	copy(result[32:], right)
	return result
}

// sboxTable is a placeholder substitution table: eight 256-entry boxes
// filled from a simple affine formula in init rather than fixed tables
// (only the baseline behavior matters for the benchmark, not the exact
// substitution).
var sboxTable = [8][256]byte{}

func init() {
	for b := 0; b < 8; b++ {
		for i := 0; i < 256; i++ {
			sboxTable[b][i] = byte((i*7 + b*31) & 0xff)
		}
	}
}

func applySBoxes(input [64]byte) [64]byte {
	var out [64]byte
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			out[i*8+j] = sboxTable[j][input[i*8+j]]
		}
	}
	return out
}

var bitPermutation = func() [512]int {
	var p [512]int
	for i := range p {
		p[i] = (i*173 + 5) % 512
	}
	return p
}()

func applyBitPermutation(input [64]byte) [64]byte {
	var bits [512]byte
	for i := 0; i < 64; i++ {
		for j := 0; j < 8; j++ {
			bits[i*8+j] = (input[i] >> uint(7-j)) & 1
		}
	}
	var permuted [512]byte
	for i, src := range bitPermutation {
		permuted[i] = bits[src]
	}
	var out [64]byte
	for i := 0; i < 64; i++ {
		var v byte
		for j := 0; j < 8; j++ {
			v |= permuted[i*8+j] << uint(7-j)
		}
		out[i] = v
	}
	return out
}

func rightBranch(input [64]byte, rounds int) [64]byte {
	out := input
	for i := 0; i < rounds; i++ {
		out = applySBoxes(out)
		out = applyBitPermutation(out)
		for j := range out {
			out[j] ^= byte(0x55 ^ (i % 256))
		}
	}
	return out
}

func rotateKey(k [16]byte, n uint) [16]byte {
	var out [16]byte
	for i := range k {
		out[i] = rotl8(k[i])
	}
	return out
}

// MixBlock runs the legacy 16-round Feistel-style mixer over a 64-byte
// block. It has no authentication and is not constant-time; see the
// package doc comment for why nothing calls this outside benchmarks.
func MixBlock(input [64]byte, keys [11][16]byte) [64]byte {
	var left, right [32]byte
	copy(left[:], input[:32])
	copy(right[:], input[32:])

	for round := 0; round < 16; round++ {
		var leftIn [64]byte
		copy(leftIn[:32], left[:])
		leftOut := mixRounds(leftIn, keys)

		var rightIn [64]byte
		copy(rightIn[:32], right[:])
		rightOut := rightBranch(rightIn, 1)

		var mixed [32]byte
		for i := range mixed {
			mixed[i] = left[i] ^ rightOut[i]
		}
		left = mixed
		copy(right[:], leftOut[:32])

		for i := range keys {
			keys[i] = rotateKey(keys[i], 1)
		}
	}

	var result [64]byte
	copy(result[:32], left[:])
	copy(result[32:], right[:])
	return result
}

// MACBlock is the legacy authentication tag this repo computed alongside
// MixBlock before STORAGE_TAG/the value envelope replaced it: a SHA3-512
// hash over an auth key keyed with the block counter, then plaintext,
// ciphertext, and the counter again. Benchmarked the same way MixBlock
// is — authenticator.go's HMAC-SHA256 running sum is what actually
// guards flash integrity now.
func MACBlock(authKey [64]byte, plaintext, ciphertext [64]byte, counter uint64) [64]byte {
	h := sha3.New512()

	var keyed [64]byte
	for i := range keyed {
		keyed[i] = authKey[i] ^ byte(counter>>(uint(i%8)*8))
	}
	h.Write(keyed[:])
	h.Write(plaintext[:])
	h.Write(ciphertext[:])

	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)
	h.Write(counterBytes[:])

	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
