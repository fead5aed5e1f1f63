package priceengine

import "math/rand"

// MathRandRNG is the production RNG: math/rand seeded per-instance so
// each worker's price engine draws an independent stream, following the
// same rand.Float64() idiom the pack's simpler price simulators use
// (e.g. the naive random-walk market makers in other_examples), wired
// here into the spec's GBM model instead of a flat percentage jitter.
type MathRandRNG struct {
	r *rand.Rand
}

// NewMathRandRNG builds an RNG seeded from seed. Deterministic seeds are
// useful in tests; production callers should seed from a time- or
// crypto-derived value.
func NewMathRandRNG(seed int64) *MathRandRNG {
	return &MathRandRNG{r: rand.New(rand.NewSource(seed))}
}

// Uniform01 draws a uniform sample on (0, 1).
func (m *MathRandRNG) Uniform01() float64 {
	for {
		if v := m.r.Float64(); v > 0 {
			return v
		}
	}
}
