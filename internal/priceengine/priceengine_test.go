package priceengine_test

import (
	"math"
	"testing"
	"time"

	"fenrir/internal/priceengine"

	"github.com/stretchr/testify/assert"
)

// fixedRNG always returns the same uniform sample, useful for isolating
// the drift term from the diffusion term.
type fixedRNG struct{ v float64 }

func (f fixedRNG) Uniform01() float64 { return f.v }

// cyclicRNG cycles through a fixed sequence, standing in for a real
// pseudo-random source without depending on math/rand's exact stream.
type cyclicRNG struct {
	seq []float64
	i   int
}

func (c *cyclicRNG) Uniform01() float64 {
	v := c.seq[c.i%len(c.seq)]
	c.i++
	return v
}

func TestZeroVolatilityDriftsDeterministically(t *testing.T) {
	state := priceengine.State{
		ItemID:       "BTC",
		CurrentPrice: 100,
		Drift:        0.08,
		Volatility:   0,
		TimeStep:     1.0 / 252.0,
		PriceFloor:   0.01,
	}
	rng := &cyclicRNG{seq: []float64{0.1, 0.9, 0.4, 0.6, 0.2, 0.8}}
	eng := priceengine.New(state, rng, func() time.Time { return time.Unix(0, 0) })

	first := eng.Step()
	expected := 100 * math.Exp(0.08*(1.0/252.0))
	assert.InDelta(t, expected, first, 1e-9)

	// Successive prices differ only by the drift term; diffusion term is
	// zero regardless of the RNG draw when volatility is zero.
	second := eng.Step()
	expectedSecond := first * math.Exp(0.08*(1.0/252.0))
	assert.InDelta(t, expectedSecond, second, 1e-9)
}

func TestPriceFloorClampsNegativeShock(t *testing.T) {
	state := priceengine.State{
		ItemID:       "X",
		CurrentPrice: 0.01,
		Drift:        -0.5,
		Volatility:   0.5,
		TimeStep:     1.0 / 252.0,
		PriceFloor:   0.01,
	}
	rng := &cyclicRNG{seq: []float64{0.001, 0.999, 0.999, 0.001, 0.5, 0.5, 0.1, 0.9}}
	eng := priceengine.New(state, rng, func() time.Time { return time.Unix(0, 0) })

	for i := 0; i < 1000; i++ {
		p := eng.Step()
		assert.GreaterOrEqual(t, p, 0.01, "price fell below floor at tick %d", i)
		assert.False(t, math.IsNaN(p))
	}
}

func TestPressureBoundedAndSignedByOrderFlow(t *testing.T) {
	state := priceengine.State{
		ItemID:         "BTC",
		CurrentPrice:   100,
		Drift:          0,
		Volatility:     0,
		TimeStep:       1.0 / 252.0,
		BaseAdjustment: 0.01,
		PressureFactor: 1.0,
		TimeWindow:     time.Minute,
		PriceFloor:     0.01,
	}
	rng := fixedRNG{v: 0.5}
	now := time.Unix(0, 0)
	eng := priceengine.New(state, rng, func() time.Time { return now })

	// All buy flow: pressure should be +1, adjustment = +0.01.
	eng.RecordOrder(true, 100)
	eng.RecordOrder(true, 50)
	p := eng.Step()
	expected := 100 * 1.01
	assert.InDelta(t, expected, p, 1e-9)

	// No flow recorded this tick: pressure resets to 0.
	p2 := eng.Step()
	assert.InDelta(t, p, p2, 1e-9)
}

func TestNegativeDriftPermitted(t *testing.T) {
	state := priceengine.State{
		ItemID:       "X",
		CurrentPrice: 1000,
		Drift:        -0.3,
		Volatility:   0,
		TimeStep:     1.0 / 252.0,
		PriceFloor:   0.01,
	}
	rng := fixedRNG{v: 0.5}
	eng := priceengine.New(state, rng, func() time.Time { return time.Unix(0, 0) })

	p := eng.Step()
	assert.Less(t, p, 1000.0)
}
