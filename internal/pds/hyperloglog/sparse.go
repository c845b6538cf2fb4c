package hyperloglog

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
)

// sparseSet is the exact, deduplicating collection of raw hashes kept while
// the estimator is small.
//
// Storing the full hash instead of a (bucket, rank) pair keeps membership
// exact, so linear counting over a sparse estimator sees every distinct
// element. The lossy reduction to buckets happens only when a dense view is
// needed: at promotion, or in a throwaway projection during Count.
type sparseSet struct {
	hashes map[uint64]struct{}
}

func newSparseSet(capacity int) *sparseSet {
	return &sparseSet{hashes: make(map[uint64]struct{}, capacity)}
}

// add inserts x and reports whether it was absent.
func (s *sparseSet) add(x uint64) bool {
	if _, ok := s.hashes[x]; ok {
		return false
	}
	s.hashes[x] = struct{}{}
	return true
}

func (s *sparseSet) contains(x uint64) bool {
	_, ok := s.hashes[x]
	return ok
}

func (s *sparseSet) len() int {
	return len(s.hashes)
}

// clear drops every element and the backing storage.
func (s *sparseSet) clear() {
	s.hashes = make(map[uint64]struct{})
}

// clearRetainingCapacity drops every element but keeps the map's buckets
// allocated for reuse.
func (s *sparseSet) clearRetainingCapacity() {
	clear(s.hashes)
}

// all yields every element once, in no particular order. Each call returns a
// fresh sequence.
func (s *sparseSet) all() iter.Seq[uint64] {
	return maps.Keys(s.hashes)
}

func (s *sparseSet) clone() *sparseSet {
	return &sparseSet{hashes: maps.Clone(s.hashes)}
}

// serializedSize is the payload size in bytes: a 4-byte count followed by
// 8 bytes per hash.
func (s *sparseSet) serializedSize() int {
	return 4 + 8*len(s.hashes)
}

// appendBinary appends the big-endian count and the hashes, sorted ascending
// so that equal sets always encode to equal bytes.
func (s *sparseSet) appendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s.hashes)))
	for _, x := range slices.Sorted(maps.Keys(s.hashes)) {
		dst = binary.BigEndian.AppendUint64(dst, x)
	}
	return dst
}

// readSparseSet decodes a sparse payload from r. limit is the largest element
// count a valid estimator can hold in sparse mode.
func readSparseSet(r io.Reader, limit int) (*sparseSet, int64, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, 0, readError("sparse count", err)
	}
	read := int64(len(countBuf))

	count := binary.BigEndian.Uint32(countBuf[:])
	if uint64(count) > uint64(limit) {
		return nil, read, fmt.Errorf("%w: sparse count %d exceeds limit %d", ErrDeserialization, count, limit)
	}

	// count is bounded by limit, so this allocation is bounded by the
	// precision rather than by untrusted input.
	payload := make([]byte, 8*int(count))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, read, readError("sparse payload", err)
	}
	read += int64(len(payload))

	// The encoder writes a set, so a repeated hash means the count and the
	// contents disagree.
	s := newSparseSet(int(count))
	for off := 0; off < len(payload); off += 8 {
		x := binary.BigEndian.Uint64(payload[off:])
		if !s.add(x) {
			return nil, read, fmt.Errorf("%w: duplicate sparse hash %016x", ErrDeserialization, x)
		}
	}

	return s, read, nil
}
