package hyperloglog

import (
	"math/bits"
)

// bucketAndRank splits a hash into its bucket index and rank for precision p.
//
// The top p bits select the bucket. The rank is the number of leading zeros of
// the remaining q = 64-p bits plus one; an all-zero remainder gives q+1.
func bucketAndRank(x uint64, p uint8) (uint64, uint8) {
	q := 64 - uint(p)
	index := x >> q
	w := x & (1<<q - 1)

	// bits.Len64 is the position of the highest set bit, so q-Len64(w) counts
	// the leading zeros within the q-bit window.
	rank := uint8(q-uint(bits.Len64(w))) + 1

	return index, rank
}

// maxRank is the largest rank a bucket can hold at precision p.
func maxRank(p uint8) uint8 {
	return 64 - p + 1
}

// denseInsert raises one bucket. The caller holds the lock.
func (h *HLL) denseInsert(x uint64) bool {
	index, rank := bucketAndRank(x, h.precision)
	if rank > h.dense[index] {
		h.dense[index] = rank
		return true
	}
	return false
}

// project folds every hash of the sparse set into buckets, which must be
// zeroed and of length m.
func (h *HLL) project(buckets []byte) {
	for x := range h.sparse.all() {
		index, rank := bucketAndRank(x, h.precision)
		if rank > buckets[index] {
			buckets[index] = rank
		}
	}
}

// promote converts a sparse estimator to dense. The caller holds the lock.
func (h *HLL) promote() {
	//
	// DESIGN
	// ------
	//
	// The dense array is allocated and filled completely before the sparse
	// set is dropped. If the allocation cannot be satisfied the runtime
	// aborts before any field is touched, so there is no state in which the
	// estimator is neither a valid sparse nor a valid dense estimator.
	//
	dense := make([]byte, h.buckets())
	h.project(dense)

	h.dense = dense
	h.sparse = nil
	h.mode = Dense
}

// mergeDense applies a bucket-wise max of src into dst and reports whether
// any bucket increased.
func mergeDense(dst, src []byte) bool {
	//
	// DESIGN
	// ------
	//
	// This is the hot path of MERGE and of multi-key COUNT. The loop is
	// unrolled by 8 so the compiler can drop bounds checks and keep the
	// comparisons in registers. Both slices are m bytes and m >= 16, so the
	// length is always a multiple of 8.
	//
	_ = src[len(dst)-1]

	changed := false
	for i := 0; i < len(dst); i += 8 {
		d := dst[i : i+8 : i+8]
		s := src[i : i+8 : i+8]
		for j := range 8 {
			if s[j] > d[j] {
				d[j] = s[j]
				changed = true
			}
		}
	}
	return changed
}
