package indicator

import (
	"math"
	"sync"
)

// Bar is one observation for the windowed calculator. High/Low/Close may be
// left zero when only a trade price is known; ATR then degrades to using the
// price for all three.
type Bar struct {
	Price float64
	High  float64
	Low   float64
	Close float64
}

type window struct {
	mu     sync.Mutex
	prices []float64
	highs  []float64
	lows   []float64
	closes []float64
	sum    float64
	// Wilder smoothing state keyed by period
	rsiAvg map[int][2]float64
}

// Calculator keeps bounded per-symbol price windows and answers the classic
// windowed indicators (SMA, RSI, ATR, Bollinger) the fusion layer needs as
// decision factors. Each window carries its own lock, so a writer streaming
// ticks for a symbol and a reader computing indicators for it may run on
// different goroutines. RSI counts as a writer for locking purposes since
// its first call seeds the Wilder averages.
type Calculator struct {
	mu     sync.RWMutex
	maxLen int
	states map[string]*window
}

func NewCalculator(maxLen int) *Calculator {
	if maxLen <= 0 {
		maxLen = 2048
	}
	return &Calculator{maxLen: maxLen, states: make(map[string]*window)}
}

func (c *Calculator) state(symbol string) *window {
	c.mu.RLock()
	st := c.states[symbol]
	c.mu.RUnlock()
	if st != nil {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st = c.states[symbol]; st == nil {
		st = &window{rsiAvg: make(map[int][2]float64)}
		c.states[symbol] = st
	}
	return st
}

// Update appends one bar for symbol, evicting the oldest once the window is
// full.
func (c *Calculator) Update(symbol string, bar Bar) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	price := bar.Price
	if price == 0 {
		price = bar.Close
	}
	h, l, cl := bar.High, bar.Low, bar.Close
	if h == 0 && l == 0 && cl == 0 {
		h, l, cl = price, price, price
	}

	if len(st.prices) == c.maxLen {
		st.sum -= st.prices[0]
		st.prices = st.prices[1:]
		st.highs = st.highs[1:]
		st.lows = st.lows[1:]
		st.closes = st.closes[1:]
	}
	st.prices = append(st.prices, price)
	st.highs = append(st.highs, h)
	st.lows = append(st.lows, l)
	st.closes = append(st.closes, cl)
	st.sum += price

	// roll Wilder averages forward with the newest price change
	if n := len(st.prices); n >= 2 {
		d := st.prices[n-1] - st.prices[n-2]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		for period, avg := range st.rsiAvg {
			p := float64(period)
			st.rsiAvg[period] = [2]float64{
				(avg[0]*(p-1) + gain) / p,
				(avg[1]*(p-1) + loss) / p,
			}
		}
	}
}

// SMA returns the n-period simple moving average, false during warmup.
func (c *Calculator) SMA(symbol string, n int) (float64, bool) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n <= 0 || len(st.prices) < n {
		return 0, false
	}
	if n == len(st.prices) {
		return st.sum / float64(n), true
	}
	s := 0.0
	for _, v := range st.prices[len(st.prices)-n:] {
		s += v
	}
	return s / float64(n), true
}

// RSI returns Wilder's relative strength index over n periods, false until
// n+1 prices exist. The first call seeds the smoothed averages from the
// last n changes; later updates roll them forward incrementally.
func (c *Calculator) RSI(symbol string, n int) (float64, bool) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n <= 0 || len(st.prices) < n+1 {
		return 0, false
	}
	avg, ok := st.rsiAvg[n]
	if !ok {
		gains, losses := 0.0, 0.0
		for i := len(st.prices) - n; i < len(st.prices); i++ {
			d := st.prices[i] - st.prices[i-1]
			if d > 0 {
				gains += d
			} else {
				losses += -d
			}
		}
		avg = [2]float64{gains / float64(n), losses / float64(n)}
		st.rsiAvg[n] = avg
	}
	if avg[1] == 0 {
		return 100.0, true
	}
	rs := avg[0] / avg[1]
	return 100.0 - 100.0/(1.0+rs), true
}

// ATR returns the mean true range over the last n bars, false during warmup.
func (c *Calculator) ATR(symbol string, n int) (float64, bool) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n <= 1 || len(st.highs) < n {
		return 0, false
	}
	sum := 0.0
	count := 0
	last := len(st.highs)
	for i := last - n + 1; i < last; i++ {
		tr := math.Max(st.highs[i]-st.lows[i],
			math.Max(math.Abs(st.highs[i]-st.closes[i-1]), math.Abs(st.lows[i]-st.closes[i-1])))
		sum += tr
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// Bollinger returns the n-period mean and the upper/lower bands at k
// standard deviations.
func (c *Calculator) Bollinger(symbol string, n int, k float64) (mid, upper, lower float64, ok bool) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if n <= 0 || len(st.prices) < n {
		return 0, 0, 0, false
	}
	tail := st.prices[len(st.prices)-n:]
	mean := 0.0
	for _, v := range tail {
		mean += v
	}
	mean /= float64(n)
	variance := 0.0
	for _, v := range tail {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	std := math.Sqrt(variance)
	return mean, mean + k*std, mean - k*std, true
}

// LastPrice returns the most recent price seen for symbol.
func (c *Calculator) LastPrice(symbol string) (float64, bool) {
	st := c.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.prices) == 0 {
		return 0, false
	}
	return st.prices[len(st.prices)-1], true
}
