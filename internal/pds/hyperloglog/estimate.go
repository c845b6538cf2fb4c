package hyperloglog

import (
	"encoding/binary"
	"math"
	"sync"

	"cardinal.lopezb.com/internal/pds/bias"
)

// projectionPools reuses scratch bucket arrays, one pool per precision. We
// store *[]byte instead of []byte to avoid interface wrapping allocations.
var projectionPools [MaxPrecision - MinPrecision + 1]sync.Pool

func init() {
	for i := range projectionPools {
		m := 1 << (i + MinPrecision)
		projectionPools[i].New = func() any {
			b := make([]byte, m)
			return &b
		}
	}
}

// getProjection returns a zeroed m-byte buffer from the pool. The caller must
// return it via putProjection.
func getProjection(precision uint8) *[]byte {
	ptr := projectionPools[precision-MinPrecision].Get().(*[]byte)
	clear(*ptr)
	return ptr
}

func putProjection(precision uint8, ptr *[]byte) {
	projectionPools[precision-MinPrecision].Put(ptr)
}

// Count returns the estimated number of distinct elements added so far.
func (h *HLL) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count()
}

// count is Count without locking.
func (h *HLL) count() uint64 {
	if h.mode == Dense {
		return h.estimate(h.dense)
	}

	n := h.sparse.len()
	if n == 0 {
		return 0
	}

	ptr := h.acquireProjection(h.precision)
	if ptr == nil {
		// No scratch space: fall back to linear counting over the exact set,
		// treating every element as occupying its own bucket. The set never
		// reaches m elements, so the logarithm is finite.
		m := float64(h.buckets())
		return roundEstimate(m * math.Log(m/(m-float64(n))))
	}
	defer putProjection(h.precision, ptr)

	buckets := *ptr
	h.project(buckets)
	return h.estimate(buckets)
}

// estimate computes the cardinality from a full bucket array.
func (h *HLL) estimate(buckets []byte) uint64 {
	//
	// DESIGN
	// ------
	//
	// The estimator works on a histogram of bucket values rather than on the
	// buckets themselves: one pass over m bytes yields both the number of
	// empty buckets and, with at most 64 more multiplications, the harmonic
	// sum. The policy is then:
	//
	//  1. With empty buckets, compute linear counting H = m*ln(m/zeros) and
	//     return it if it is at or below the precision's threshold.
	//  2. Otherwise compute E = alpha*m^2 / sum(2^-M[j]).
	//  3. If E <= 5m, subtract the estimated bias at E.
	//  4. Round half up and clamp at zero.
	//
	histo := histogram(buckets)

	m := float64(len(buckets))
	zeros := histo[0]

	if zeros > 0 {
		lc := m * math.Log(m/float64(zeros))
		if lc <= h.corrector.Threshold(h.precision) {
			return roundEstimate(lc)
		}
	}

	sum := 0.0
	for rank, n := range histo {
		if n != 0 {
			sum += float64(n) * math.Ldexp(1, -rank)
		}
	}

	e := bias.Alpha(h.precision) * m * m / sum
	if e <= 5*m {
		e = h.corrector.Correct(h.precision, e)
	}

	return roundEstimate(e)
}

// histogram counts how many buckets hold each rank.
func histogram(buckets []byte) [64]int {
	var histo [64]int

	// Unset buckets dominate at low cardinality, so eight of them are
	// checked at once through a single word comparison.
	i := 0
	for ; i+8 <= len(buckets); i += 8 {
		if binary.LittleEndian.Uint64(buckets[i:]) == 0 {
			histo[0] += 8
			continue
		}
		for _, v := range buckets[i : i+8] {
			histo[v&63]++
		}
	}
	for _, v := range buckets[i:] {
		histo[v&63]++
	}

	return histo
}

// roundEstimate rounds half up and clamps negative values to zero.
func roundEstimate(x float64) uint64 {
	if !(x > 0) {
		return 0
	}
	// A fully saturated small estimator can exceed the uint64 range.
	if x >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Floor(x + 0.5))
}
