package detector

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.FastAlpha = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.VolumeEMAAlpha = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CooldownSeconds = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.EMADiffThreshold = 0
	assert.Error(t, bad.Validate())
}

func TestScoreAlwaysClamped(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	ts := 0.0
	for i := 0; i < 5000; i++ {
		price := 1 + rng.Float64()*1000
		volume := rng.Float64() * 100000
		ts += rng.Float64() * 10
		sig, err := d.Update("FUZZ", price, volume, ts)
		require.NoError(t, err)
		if sig != nil {
			assert.True(t, sig.Score >= -1 && sig.Score <= 1, "score %v outside [-1,1]", sig.Score)
			assert.True(t, sig.Meta.Confidence >= 0 && sig.Meta.Confidence <= 1)
		}
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownSeconds = 30
	d, err := New(cfg)
	require.NoError(t, err)

	// Drive a strong uptrend so the crossover rule fires repeatedly.
	ts := 1000.0
	var lastEmit float64 = math.Inf(-1)
	for i := 0; i < 400; i++ {
		price := 100.0 * math.Pow(1.02, float64(i))
		ts += 1
		sig, err := d.Update("TREND", price, 1000, ts)
		require.NoError(t, err)
		if sig != nil {
			require.Greater(t, ts-lastEmit, 30.0,
				"signal emitted within cooldown window")
			lastEmit = ts
		}
	}
	require.False(t, math.IsInf(lastEmit, -1), "trend never produced a signal")
}

func TestFirstPatternLabelWins(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	// Warm the slow EMA low, then jump the price: both the crossover and
	// VWAP rules fire on the same tick, and the label must stay with the
	// crossover rule that evaluated first.
	ts := 0.0
	for i := 0; i < 30; i++ {
		ts += 1
		_, err := d.Update("LBL", 100, 1000, ts)
		require.NoError(t, err)
	}
	sig, err := d.Update("LBL", 140, 1000, ts+100)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, PatternEMACrossover, sig.Pattern)
	assert.Greater(t, sig.Score, 0.3)
}

func TestSignalMetaHints(t *testing.T) {
	cfg := DefaultConfig()
	d, err := New(cfg)
	require.NoError(t, err)

	ts := 0.0
	var sig *Signal
	for i := 0; i < 40 && sig == nil; i++ {
		ts += 1
		sig, err = d.Update("HINT", 100+float64(i)*5, 1000, ts)
		require.NoError(t, err)
	}
	require.NotNil(t, sig)
	wantTP := cfg.TPBasePct + sig.Meta.Confidence*cfg.TPConfidenceScale
	wantSL := cfg.SLBasePct + sig.Meta.Confidence*cfg.SLConfidenceScale
	assert.InDelta(t, wantTP, sig.Meta.TPHintPct, 1e-12)
	assert.InDelta(t, wantSL, sig.Meta.SLHintPct, 1e-12)
	assert.Equal(t, "HINT_"+itoa(int64(sig.Timestamp)), sig.ID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func TestSteadyDriftThenVolumeSpike(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	ts := 1700000000.0
	for i := 0; i < 10; i++ {
		sig, err := d.Update("TEST", 100.0+0.01*float64(i), 1000, ts+float64(i))
		require.NoError(t, err)
		// tiny drift should not clear the score floor
		assert.Nil(t, sig)
	}
	sig, err := d.Update("TEST", 100.05, 5000, ts+20)
	require.NoError(t, err)
	if sig != nil {
		assert.Equal(t, "TEST", sig.Symbol)
		assert.True(t, sig.Score >= -1 && sig.Score <= 1)
		assert.NotEmpty(t, sig.Pattern)
	}
	assert.Equal(t, 1, d.ActiveSymbols())
}

func TestSymbolFaultIsolation(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	// Degenerate input for one symbol must not disturb another.
	_, err = d.Update("ZERO", 0, 0, 1)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err = d.Update("OK", 100+float64(i), 1000, float64(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.ActiveSymbols())
}
