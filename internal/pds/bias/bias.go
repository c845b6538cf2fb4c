// Package bias provides the precision-indexed correction data used by the
// HyperLogLog estimator: the linear-counting crossover thresholds and the
// bias correction applied to raw estimates at low to moderate cardinality.
//
// Thresholds
// ==========
//
// The crossover points are the empirical values published with
// HyperLogLog++ (Heule, Nunkesser, Hall). Below the threshold, linear
// counting over empty buckets is the more accurate estimator.
//
// Bias Curves
// ===========
//
// The raw HyperLogLog estimate E = alpha*m^2 / sum(2^-M[j]) overestimates
// small cardinalities: with no elements at all it already reports ~0.7m.
// Instead of shipping tables of simulated (raw estimate, bias) pairs, each
// precision gets a curve computed from the Poisson model of bucket maxima.
// With n elements spread over m buckets, lambda = n/m elements land in each
// bucket on average and
//
//	P(M <= r) = exp(-lambda * 2^-r)
//
// which gives the first two moments of W = 2^-M in closed form. The sum
// Z = sum(W[j]) has mean m*E[W] and variance m*Var(W), and a second order
// expansion of 1/Z around its mean gives the expected raw estimate
//
//	E[alpha*m^2 / Z] ~ alpha*m / E[W] * (1 + Var(W) / (m * E[W]^2))
//
// The variance term is what keeps small precisions honest: at m = 16 it is
// worth 5-7% of the estimate, while at m = 16384 it is negligible. Sampling
// n over [0, 6m] yields a monotone curve of
// (expected raw estimate, bias = expected raw - n) points; Correct subtracts
// the linearly interpolated bias from a raw estimate, exactly like a lookup
// into the published tables.
//
// Curves are built on first use and cached per precision.
package bias

import (
	"math"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// MinPrecision and MaxPrecision bound the supported precisions.
	MinPrecision = 4
	MaxPrecision = 18

	// curvePoints is the number of samples per bias curve.
	curvePoints = 256

	// curveSpan is the largest sampled cardinality, in multiples of m. The
	// estimator only corrects raw estimates up to 5m.
	curveSpan = 6
)

// thresholds holds the linear-counting crossover for p = 4..18.
var thresholds = [MaxPrecision - MinPrecision + 1]float64{
	10, 20, 40, 80, 220, 400, 900, 1800, 3100,
	6500, 11500, 20000, 50000, 120000, 350000,
}

// Tables is the default correction service. The zero value is not usable;
// call Default or New.
type Tables struct {
	curves *xsync.MapOf[uint8, *curve]
}

var defaultTables = New()

// Default returns the process-wide Tables instance.
func Default() *Tables {
	return defaultTables
}

// New returns a Tables with an empty curve cache.
func New() *Tables {
	return &Tables{curves: xsync.NewMapOf[uint8, *curve]()}
}

// Threshold returns the linear-counting crossover for precision. Unsupported
// precisions return 0, which disables linear counting.
func (t *Tables) Threshold(precision uint8) float64 {
	if !supported(precision) {
		return 0
	}
	return thresholds[precision-MinPrecision]
}

// Correct returns raw minus the estimated bias at raw. Unsupported precisions
// return raw unchanged.
func (t *Tables) Correct(precision uint8, raw float64) float64 {
	if !supported(precision) {
		return raw
	}

	c, _ := t.curves.LoadOrCompute(precision, func() *curve {
		return buildCurve(precision)
	})

	return raw - c.biasAt(raw)
}

// Alpha returns the alpha_m constant of the raw HyperLogLog estimate for
// m = 2^precision.
func Alpha(precision uint8) float64 {
	switch precision {
	case 4:
		return 0.673
	case 5:
		return 0.697
	case 6:
		return 0.709
	}
	m := float64(uint64(1) << precision)
	return 0.7213 / (1 + 1.079/m)
}

func supported(precision uint8) bool {
	return precision >= MinPrecision && precision <= MaxPrecision
}

// curve is a sampled, strictly increasing raw-estimate axis with the bias
// observed at each sample.
type curve struct {
	raw  []float64
	bias []float64
}

func buildCurve(precision uint8) *curve {
	m := float64(uint64(1) << precision)

	c := &curve{
		raw:  make([]float64, curvePoints),
		bias: make([]float64, curvePoints),
	}

	step := curveSpan * m / float64(curvePoints-1)
	for i := 0; i < curvePoints; i++ {
		n := float64(i) * step
		expected := expectedRaw(precision, n)
		c.raw[i] = expected
		c.bias[i] = expected - n
	}

	return c
}

// expectedRaw returns the expected raw estimate of a sketch at precision that
// has seen n distinct elements.
func expectedRaw(precision uint8, n float64) float64 {
	m := float64(uint64(1) << precision)
	w1, w2 := weightMoments(n/m, 64-int(precision)+1)

	variance := w2 - w1*w1
	return Alpha(precision) * m / w1 * (1 + variance/(m*w1*w1))
}

// weightMoments returns E[2^-M] and E[4^-M] for a bucket whose element count
// is Poisson(lambda) and whose rank saturates at maxRank.
func weightMoments(lambda float64, maxRank int) (w1, w2 float64) {
	prev := 0.0 // P(M <= r-1)
	for r := 0; r <= maxRank; r++ {
		cdf := 1.0
		if r < maxRank {
			cdf = math.Exp(-lambda * math.Ldexp(1, -r))
		}
		w1 += math.Ldexp(cdf-prev, -r)
		w2 += math.Ldexp(cdf-prev, -2*r)
		prev = cdf
	}
	return w1, w2
}

// biasAt interpolates the bias at raw, clamping to the curve ends.
func (c *curve) biasAt(raw float64) float64 {
	last := len(c.raw) - 1

	if raw <= c.raw[0] {
		return c.bias[0]
	}
	if raw >= c.raw[last] {
		return c.bias[last]
	}

	// First sample strictly above raw; i >= 1 by the guard above.
	i := sort.SearchFloat64s(c.raw, raw)
	if c.raw[i] == raw {
		return c.bias[i]
	}

	x0, x1 := c.raw[i-1], c.raw[i]
	w := (raw - x0) / (x1 - x0)
	return c.bias[i-1] + w*(c.bias[i]-c.bias[i-1])
}
