package indicator

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(c *Calculator, symbol string, prices ...float64) {
	for _, p := range prices {
		c.Update(symbol, Bar{Price: p, High: p + 1, Low: p - 1, Close: p})
	}
}

func TestCalculator_SMAWarmup(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "T", 100, 101)
	_, ok := c.SMA("T", 3)
	assert.False(t, ok, "sma should not be available before n samples")

	feed(c, "T", 102)
	sma, ok := c.SMA("T", 3)
	require.True(t, ok)
	assert.InDelta(t, 101.0, sma, 1e-9)
}

func TestCalculator_SMAWindow(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "T", 1, 2, 3, 4, 5, 6)
	sma, ok := c.SMA("T", 3)
	require.True(t, ok)
	assert.InDelta(t, 5.0, sma, 1e-9, "sma should cover the last 3 prices only")
}

func TestCalculator_Eviction(t *testing.T) {
	c := NewCalculator(4)
	feed(c, "T", 10, 20, 30, 40, 50)
	sma, ok := c.SMA("T", 4)
	require.True(t, ok)
	assert.InDelta(t, 35.0, sma, 1e-9, "oldest price should have been evicted")
}

func TestCalculator_RSIMonotonicGains(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "T", 100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114)
	rsi, ok := c.RSI("T", 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, rsi, "all-gain sequence should saturate RSI at 100")
}

func TestCalculator_RSIRange(t *testing.T) {
	c := NewCalculator(128)
	prices := []float64{100, 102, 99, 103, 98, 104, 97, 105, 96, 106, 95, 107, 94, 108, 93, 109}
	feed(c, "T", prices...)
	rsi, ok := c.RSI("T", 14)
	require.True(t, ok)
	assert.True(t, rsi >= 0 && rsi <= 100, "rsi=%v outside [0,100]", rsi)
}

func TestCalculator_ATR(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "T", 100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114)
	atr, ok := c.ATR("T", 14)
	require.True(t, ok)
	// with high=p+1, low=p-1 and unit steps the true range per bar is 2
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestCalculator_Bollinger(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "T", 10, 10, 10, 10, 10)
	mid, upper, lower, ok := c.Bollinger("T", 5, 2.0)
	require.True(t, ok)
	assert.Equal(t, 10.0, mid)
	assert.Equal(t, 10.0, upper)
	assert.Equal(t, 10.0, lower)

	feed(c, "T", 12, 8, 12, 8, 12)
	mid, upper, lower, ok = c.Bollinger("T", 5, 2.0)
	require.True(t, ok)
	assert.InDelta(t, 10.4, mid, 1e-9)
	assert.True(t, upper > mid && lower < mid)
	assert.InDelta(t, upper-mid, mid-lower, 1e-9)
	assert.False(t, math.IsNaN(upper))
}

func TestCalculator_SymbolsIsolated(t *testing.T) {
	c := NewCalculator(64)
	feed(c, "A", 1, 2, 3)
	feed(c, "B", 100, 200, 300)
	a, ok := c.SMA("A", 3)
	require.True(t, ok)
	b, ok := c.SMA("B", 3)
	require.True(t, ok)
	assert.InDelta(t, 2.0, a, 1e-9)
	assert.InDelta(t, 200.0, b, 1e-9)
}

func TestCalculator_ConcurrentUpdateAndIndicators(t *testing.T) {
	// one goroutine streams bars for a symbol while another reads every
	// indicator for it; meaningful under the race detector
	c := NewCalculator(256)
	feed(c, "RACE", 100, 101, 102, 103, 104, 105, 106, 107, 108, 109,
		110, 111, 112, 113, 114, 115, 116, 117, 118, 119, 120)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			p := 100 + float64(i%10)
			c.Update("RACE", Bar{Price: p, High: p + 1, Low: p - 1, Close: p})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			c.SMA("RACE", 14)
			c.RSI("RACE", 14)
			c.ATR("RACE", 14)
			c.Bollinger("RACE", 20, 2.0)
			c.LastPrice("RACE")
		}
	}()
	wg.Wait()

	last, ok := c.LastPrice("RACE")
	require.True(t, ok)
	assert.True(t, last >= 100 && last <= 120)
	rsi, ok := c.RSI("RACE", 14)
	require.True(t, ok)
	assert.False(t, math.IsNaN(rsi))
	assert.True(t, rsi >= 0 && rsi <= 100)
}
