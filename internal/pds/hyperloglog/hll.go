// Package hyperloglog implements a hybrid sparse/dense HyperLogLog for
// cardinality estimation.
//
// A HyperLogLog estimates the number of distinct elements in a stream using a
// fixed amount of memory, regardless of the actual cardinality. This
// implementation starts every estimator in an exact "sparse" mode and promotes
// it to the classic bucket array once the exact set would stop being cheaper.
//
// This implementation is based on the following ideas:
//
//   - A 64-bit hash (xxHash64) as proposed in [1], so that cardinalities well
//     beyond 10^9 do not need the large-range correction of 32-bit variants.
//   - One byte per bucket. The largest rank at p=4 is 61, which fits in a
//     byte, and byte access keeps merge a plain max over two slices.
//   - Linear counting below the empirical crossover of [1], and a bias
//     correction of the raw estimate up to 5m.
//
// [1] Heule, Nunkesser, Hall: HyperLogLog in Practice: Algorithmic
//
//	Engineering of a State of The Art Cardinality Estimation Algorithm.
//
// [2] P. Flajolet, Éric Fusy, O. Gandouet, and F. Meunier. Hyperloglog: The
//
//	analysis of a near-optimal cardinality estimation algorithm.
//
// The Algorithm
// =============
//
// Each element is hashed to 64 bits. The top p bits select one of m = 2^p
// buckets. The remaining q = 64-p bits give the rank: the number of leading
// zeros of those q bits plus one, or q+1 if they are all zero.
//
// Each bucket keeps the maximum rank ever observed for it. The raw estimate is
//
//	E = alpha_m * m^2 / sum(2^-M[j])
//
// which is corrected or replaced by linear counting at small cardinalities.
//
// Data Representations
// ====================
//
//  1. Sparse: the exact set of distinct 64-bit hashes. Membership is exact, so
//     no information is lost while the estimator is small. Counting projects
//     the set onto a temporary bucket array and estimates from that.
//
//  2. Dense: one byte per bucket, m bytes in total.
//
// The estimator promotes from sparse to dense when the set reaches 3/4 of m
// elements. Promotion is one-way; only Clear returns an estimator to sparse.
// The dense array is fully built before the set is dropped, so a failed
// allocation never leaves a half-converted estimator behind.
//
// Serialization Format
// ====================
//
// All integers are big-endian.
//
//	+------+---+---+---+-----------------------------+
//	| HYLL | V | P | F | payload                     |
//	+------+---+---+---+-----------------------------+
//
// "V" is the format version (1), "P" the precision and "F" the mode flag:
// 1 for sparse, 0 for dense. The sparse payload is a 4-byte count followed by
// that many 8-byte hashes in ascending order. The dense payload is the m
// bucket bytes.
//
// Concurrency
// ===========
//
// An estimator built WithLocking guards every operation with its own mutex
// and may be shared between goroutines. Without it the estimator performs no
// synchronization at all and must be confined to one goroutine at a time.
//
// Merge locks both participants. To make concurrent a.Merge(b) and b.Merge(a)
// safe, the two locks are always taken in the order of a process-wide
// instance id rather than in receiver/argument order.
package hyperloglog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"cardinal.lopezb.com/internal/pds/bias"
	"cardinal.lopezb.com/internal/pds/xxh64"
)

const (
	// MinPrecision and MaxPrecision bound the precision accepted by New.
	MinPrecision = bias.MinPrecision
	MaxPrecision = bias.MaxPrecision

	// DefaultPrecision gives m = 16384 buckets and a standard error of ~0.81%.
	DefaultPrecision = 14
)

var (
	// ErrInvalidPrecision is returned when a precision is outside
	// [MinPrecision, MaxPrecision].
	ErrInvalidPrecision = errors.New("invalid precision")

	// ErrIncompatiblePrecision is returned when merging or decoding an
	// estimator whose precision differs from the receiver's.
	ErrIncompatiblePrecision = errors.New("incompatible precision")

	// ErrDeserialization is returned for malformed serialized data.
	ErrDeserialization = errors.New("invalid serialized hyperloglog")
)

// Mode is the current representation of an estimator. Its values double as
// the mode flag of the serialized form.
type Mode uint8

const (
	Dense  Mode = 0
	Sparse Mode = 1
)

func (m Mode) String() string {
	switch m {
	case Sparse:
		return "sparse"
	case Dense:
		return "dense"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Corrector supplies the precision-indexed correction data used by Count.
// The default is bias.Default().
type Corrector interface {
	// Threshold returns the cardinality below which linear counting is used.
	Threshold(precision uint8) float64

	// Correct returns a bias-corrected value for a raw estimate.
	Correct(precision uint8, raw float64) float64
}

// noLock satisfies sync.Locker without synchronizing anything.
type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// nextID hands out instance ids for merge lock ordering.
var nextID atomic.Uint64

// HLL is a hybrid sparse/dense HyperLogLog estimator.
type HLL struct {
	mu        sync.Locker
	locking   bool
	id        uint64
	precision uint8
	corrector Corrector

	mode   Mode
	sparse *sparseSet // non-nil only in Sparse mode
	dense  []byte     // len m, non-nil only in Dense mode

	// acquireProjection returns a zeroed scratch bucket array for counting a
	// sparse estimator, or nil when none is available.
	acquireProjection func(precision uint8) *[]byte
}

// Option configures an estimator built by New or Parse.
type Option func(*HLL)

// WithLocking makes every operation on the estimator take an internal mutex,
// so it can be shared between goroutines.
func WithLocking() Option {
	return func(h *HLL) {
		h.locking = true
	}
}

// WithCorrector replaces the default threshold and bias correction data.
func WithCorrector(c Corrector) Option {
	return func(h *HLL) {
		if c != nil {
			h.corrector = c
		}
	}
}

// New returns an empty, sparse estimator with m = 2^precision buckets.
func New(precision uint8, opts ...Option) (*HLL, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPrecision, precision, MinPrecision, MaxPrecision)
	}

	h := &HLL{
		id:                nextID.Add(1),
		precision:         precision,
		corrector:         bias.Default(),
		mode:              Sparse,
		sparse:            newSparseSet(0),
		acquireProjection: getProjection,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.locking {
		h.mu = &sync.Mutex{}
	} else {
		h.mu = noLock{}
	}

	return h, nil
}

// Precision returns p, the base-2 logarithm of the bucket count.
func (h *HLL) Precision() uint8 {
	return h.precision
}

// Locking reports whether the estimator was built WithLocking.
func (h *HLL) Locking() bool {
	return h.locking
}

// Mode returns the current representation.
func (h *HLL) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// SparseLen returns the number of distinct hashes held in sparse mode, or 0
// once the estimator is dense.
func (h *HLL) SparseLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode != Sparse {
		return 0
	}
	return h.sparse.len()
}

// Add hashes data and incorporates it into the estimate. It reports whether
// the estimator's state changed.
func (h *HLL) Add(data []byte) bool {
	x := xxh64.Hash64(data)

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insert(x)
}

// AddString is Add for string input.
func (h *HLL) AddString(s string) bool {
	return h.Add([]byte(s))
}

// AddHash incorporates an already hashed element. The hash must be uniformly
// distributed over 64 bits; callers normally use Add instead.
func (h *HLL) AddHash(x uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insert(x)
}

// AddBatch adds every element of items under a single lock acquisition and
// reports whether any of them changed the state.
func (h *HLL) AddBatch(items [][]byte) bool {
	if len(items) == 0 {
		return false
	}

	// Hash outside the lock; only the bucket updates need it.
	hashes := make([]uint64, len(items))
	for i, item := range items {
		hashes[i] = xxh64.Hash64(item)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	changed := false
	for _, x := range hashes {
		if h.insert(x) {
			changed = true
		}
	}
	return changed
}

// insert dispatches on the current mode. The caller holds the lock.
func (h *HLL) insert(x uint64) bool {
	if h.mode == Dense {
		return h.denseInsert(x)
	}

	if !h.sparse.add(x) {
		return false
	}
	if h.sparse.len() >= h.sparseLimit() {
		h.promote()
	}
	return true
}

// sparseLimit is the set size that triggers promotion.
func (h *HLL) sparseLimit() int {
	return h.buckets() * 3 / 4
}

func (h *HLL) buckets() int {
	return 1 << h.precision
}

// Clear drops every element and returns the estimator to sparse mode.
// Precision and locking are unchanged.
func (h *HLL) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == Sparse {
		h.sparse.clearRetainingCapacity()
		return
	}

	h.dense = nil
	h.sparse = newSparseSet(0)
	h.mode = Sparse
}

// Clone returns an independent copy with the same precision, options and
// contents. The copy gets its own lock and instance id.
func (h *HLL) Clone() *HLL {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &HLL{
		id:                nextID.Add(1),
		locking:           h.locking,
		precision:         h.precision,
		corrector:         h.corrector,
		mode:              h.mode,
		acquireProjection: h.acquireProjection,
	}
	if h.locking {
		c.mu = &sync.Mutex{}
	} else {
		c.mu = noLock{}
	}

	if h.mode == Sparse {
		c.sparse = h.sparse.clone()
	} else {
		c.dense = append([]byte(nil), h.dense...)
	}

	return c
}

// SizeInBytes approximates the memory held by the estimator's payload.
func (h *HLL) SizeInBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == Dense {
		return len(h.dense)
	}
	return 8 * h.sparse.len()
}
