// Package xxh64 implements the 64-bit xxHash algorithm as a block-oriented
// streaming engine.
//
// The cardinality estimators in this module derive both the bucket index and
// the rank of an element from a single 64-bit hash, so the quality of the
// whole estimate depends on the output bits being uniformly distributed. The
// output of this package is bit-for-bit identical to the reference xxHash64,
// which means a seed and a byte stream hash to the same value in every
// implementation that speaks the format.
//
// Pipeline
// ========
//
//	+--------+     +----------------------+     +-------------------+
//	|  New   | --> | Update (32-byte      | --> | Final (0..31 tail |
//	| (seed) |     | blocks, any number)  |     | bytes) -> uint64  |
//	+--------+     +----------------------+     +-------------------+
//
// Four 64-bit accumulators consume each 32-byte block as four little-endian
// lanes. Final folds the accumulators, mixes in the remaining tail bytes using
// the largest aligned chunks first (8, then 4, then 1 byte) and runs a final
// avalanche.
//
// Hash64 and Hash64WithSeed run the whole pipeline over a byte slice. Digest
// wraps a State with a partial-block buffer so arbitrary writes can be
// streamed through it.
package xxh64

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

const (
	prime1 uint64 = 11400714785074694791
	prime2 uint64 = 14029467366897019727
	prime3 uint64 = 1609587929392839161
	prime4 uint64 = 9650029242287828579
	prime5 uint64 = 2870177450012600261

	// BlockSize is the number of bytes Update consumes per mixing step.
	BlockSize = 32
)

// ErrUnaligned is returned by Update when the input is not a whole number of
// blocks.
var ErrUnaligned = errors.New("xxh64: input is not a multiple of the block size")

// State holds the running accumulators of a streaming hash.
type State struct {
	seed  uint64
	v1    uint64
	v2    uint64
	v3    uint64
	v4    uint64
	total uint64 // bytes consumed by Update
}

// New returns a State initialized from seed.
func New(seed uint64) *State {
	s := &State{}
	s.Reset(seed)
	return s
}

// Reset reinitializes the accumulators from seed, discarding any consumed
// input.
func (s *State) Reset(seed uint64) {
	s.seed = seed
	s.v1 = seed + prime1 + prime2
	s.v2 = seed + prime2
	s.v3 = seed
	s.v4 = seed - prime1
	s.total = 0
}

// Update mixes whole 32-byte blocks into the accumulators. The state is left
// untouched if len(blocks) is not a multiple of BlockSize.
func (s *State) Update(blocks []byte) error {
	if len(blocks)%BlockSize != 0 {
		return ErrUnaligned
	}

	s.total += uint64(len(blocks))
	s.v1, s.v2, s.v3, s.v4 = mixBlocks(s.v1, s.v2, s.v3, s.v4, blocks)

	return nil
}

// Final returns the hash of everything passed to Update followed by tail.
// The State itself is not modified, so Final may be called repeatedly.
//
// A tail of BlockSize bytes or more is accepted: its aligned prefix is mixed
// into a copy of the accumulators first.
func (s *State) Final(tail []byte) uint64 {
	v1, v2, v3, v4 := s.v1, s.v2, s.v3, s.v4
	total := s.total

	if n := len(tail) &^ (BlockSize - 1); n > 0 {
		v1, v2, v3, v4 = mixBlocks(v1, v2, v3, v4, tail[:n])
		total += uint64(n)
		tail = tail[n:]
	}

	var h uint64
	if total >= BlockSize {
		h = bits.RotateLeft64(v1, 1) + bits.RotateLeft64(v2, 7) +
			bits.RotateLeft64(v3, 12) + bits.RotateLeft64(v4, 18)
		h = mergeRound(h, v1)
		h = mergeRound(h, v2)
		h = mergeRound(h, v3)
		h = mergeRound(h, v4)
	} else {
		h = s.seed + prime5
	}

	h += total + uint64(len(tail))

	return avalanche(mixTail(h, tail))
}

// Hash64 returns the xxHash64 of b with seed 0.
func Hash64(b []byte) uint64 {
	return Hash64WithSeed(b, 0)
}

// Hash64WithSeed returns the xxHash64 of b with the given seed.
func Hash64WithSeed(b []byte, seed uint64) uint64 {
	var s State
	s.Reset(seed)
	return s.Final(b)
}

func round(acc, lane uint64) uint64 {
	acc += lane * prime2
	acc = bits.RotateLeft64(acc, 31)
	return acc * prime1
}

func mergeRound(acc, val uint64) uint64 {
	acc ^= round(0, val)
	return acc*prime1 + prime4
}

// mixBlocks runs the four-lane round over every block. len(b) must be a
// multiple of BlockSize.
func mixBlocks(v1, v2, v3, v4 uint64, b []byte) (uint64, uint64, uint64, uint64) {
	for len(b) >= BlockSize {
		v1 = round(v1, binary.LittleEndian.Uint64(b[0:8]))
		v2 = round(v2, binary.LittleEndian.Uint64(b[8:16]))
		v3 = round(v3, binary.LittleEndian.Uint64(b[16:24]))
		v4 = round(v4, binary.LittleEndian.Uint64(b[24:32]))
		b = b[BlockSize:]
	}
	return v1, v2, v3, v4
}

// mixTail folds up to 31 trailing bytes into h, widest chunks first.
func mixTail(h uint64, tail []byte) uint64 {
	for ; len(tail) >= 8; tail = tail[8:] {
		h ^= round(0, binary.LittleEndian.Uint64(tail[:8]))
		h = bits.RotateLeft64(h, 27)*prime1 + prime4
	}

	if len(tail) >= 4 {
		h ^= uint64(binary.LittleEndian.Uint32(tail[:4])) * prime1
		h = bits.RotateLeft64(h, 23)*prime2 + prime3
		tail = tail[4:]
	}

	for _, c := range tail {
		h ^= uint64(c) * prime5
		h = bits.RotateLeft64(h, 11) * prime1
	}

	return h
}

func avalanche(h uint64) uint64 {
	h ^= h >> 33
	h *= prime2
	h ^= h >> 29
	h *= prime3
	h ^= h >> 32
	return h
}
