package hyperloglog

import (
	"fmt"
)

// Merge folds other into h so that h estimates the union of both streams.
// other is not modified. Merging an estimator into itself is a no-op.
//
// Both estimators must share a precision, otherwise ErrIncompatiblePrecision
// is returned and h is left untouched.
func (h *HLL) Merge(other *HLL) error {
	if other == nil || other == h {
		return nil
	}

	// Precision never changes after construction, so it can be compared
	// before any lock is taken.
	if other.precision != h.precision {
		return fmt.Errorf("%w: cannot merge precision %d into %d", ErrIncompatiblePrecision, other.precision, h.precision)
	}

	first, second := h, other
	if other.id < h.id {
		first, second = other, h
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	h.mergeLocked(other)
	return nil
}

// mergeLocked does the work of Merge with both locks held.
func (h *HLL) mergeLocked(other *HLL) {
	//
	// DESIGN
	// ------
	//
	// A sparse source keeps its exact hashes, so they are replayed through
	// insert. While h is still sparse this keeps the union exact, and insert
	// promotes h at the usual threshold if the union grows large enough.
	//
	// A dense source has already lost its hashes. h is promoted first (if
	// needed) and the union becomes a bucket-wise max.
	//
	if other.mode == Sparse {
		for x := range other.sparse.all() {
			h.insert(x)
		}
		return
	}

	if h.mode == Sparse {
		h.promote()
	}
	mergeDense(h.dense, other.dense)
}

// Union returns a new estimator for the union of every estimator in hlls,
// leaving all of them untouched. The result uses the options of the first
// non-nil estimator. Nil entries are skipped, as in Merge, and a list with
// no estimator at all yields nil.
func Union(hlls ...*HLL) (*HLL, error) {
	var acc *HLL
	for _, h := range hlls {
		if h == nil {
			continue
		}
		if acc == nil {
			acc = h.Clone()
			continue
		}
		if err := acc.Merge(h); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
