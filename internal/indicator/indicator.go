// Package indicator provides streaming technical indicators. Everything here
// is an incremental accumulator: O(1) per update, bounded memory regardless
// of how long the stream runs, never recomputed from raw history.
package indicator

import (
	"fmt"
	"math"
)

// EMA is a recursive exponential moving average with decay factor alpha.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA returns an EMA for alpha in (0,1]. Alpha outside that range is a
// construction-time error, not a runtime one.
func NewEMA(alpha float64) (*EMA, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("indicator: ema alpha %v outside (0,1]", alpha)
	}
	return &EMA{alpha: alpha}, nil
}

// Update folds x into the average and returns the new value. The first
// update seeds the average with x itself.
func (e *EMA) Update(x float64) float64 {
	if !e.primed {
		e.value = x
		e.primed = true
		return e.value
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current average and whether at least one update has
// been applied.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.primed
}

// VWAP accumulates volume-weighted average price.
type VWAP struct {
	pv     float64
	volume float64
}

// Update adds one trade and returns the running VWAP. While cumulative
// volume is zero it returns 0.0 rather than dividing by zero.
func (v *VWAP) Update(price, volume float64) float64 {
	v.pv += price * volume
	v.volume += volume
	if v.volume == 0 {
		return 0.0
	}
	return v.pv / v.volume
}

// Value returns the current VWAP, zero until any volume has accumulated.
func (v *VWAP) Value() float64 {
	if v.volume == 0 {
		return 0.0
	}
	return v.pv / v.volume
}

// Welford tracks running mean and variance with Welford's single-pass
// algorithm, which stays numerically stable for long streams.
type Welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *Welford) Update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *Welford) Count() int { return w.count }

func (w *Welford) Mean() float64 { return w.mean }

// Variance is the sample variance, zero until two samples exist.
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0.0
	}
	return w.m2 / float64(w.count-1)
}

func (w *Welford) Std() float64 {
	return math.Sqrt(w.Variance())
}
