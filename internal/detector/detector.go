// Package detector turns per-symbol tick streams into trading signals. Each
// symbol owns a small set of streaming indicators; every tick runs an
// accumulate-then-evaluate cycle over a fixed list of pattern rules and may
// emit at most one Signal, subject to a score floor and a cooldown.
package detector

import (
	"fmt"
	"math"

	"github.com/dkrastev/signal-pipeline/internal/indicator"
)

// Pattern labels a signal with the first rule that fired for it.
type Pattern string

const (
	PatternEMACrossover       Pattern = "ema_crossover"
	PatternVWAPDeviation      Pattern = "vwap_deviation"
	PatternVolumeSpike        Pattern = "volume_spike"
	PatternVolatilityBreakout Pattern = "volatility_breakout"
	PatternComposite          Pattern = "composite"
)

// Signal is immutable once emitted. ID is symbol plus the truncated
// timestamp, which doubles as the idempotency key for at-least-once
// consumers downstream.
type Signal struct {
	ID        string
	Symbol    string
	Score     float64 // [-1,1]
	Pattern   Pattern
	Timestamp float64 // unix seconds
	Meta      SignalMeta
}

// SignalMeta carries the indicator snapshot the signal was derived from,
// plus confidence-scaled take-profit / stop-loss hints.
type SignalMeta struct {
	EMAFast    float64
	EMASlow    float64
	VWAP       float64
	Volume     float64
	Volatility float64
	Confidence float64
	TPHintPct  float64
	SLHintPct  float64
}

// Config holds the detection thresholds. Zero values are filled by
// DefaultConfig; Validate rejects the rest at startup.
type Config struct {
	FastAlpha             float64 `yaml:"fast_alpha"`
	SlowAlpha             float64 `yaml:"slow_alpha"`
	VolumeEMAAlpha        float64 `yaml:"volume_ema_alpha"`
	EMADiffThreshold      float64 `yaml:"ema_diff_threshold"`
	VWAPDiffThreshold     float64 `yaml:"vwap_diff_threshold"`
	VolumeSpikeMultiplier float64 `yaml:"volume_spike_multiplier"`
	SignalScoreMin        float64 `yaml:"signal_score_min"`
	CooldownSeconds       float64 `yaml:"cooldown_seconds"`
	TPBasePct             float64 `yaml:"tp_base_pct"`
	SLBasePct             float64 `yaml:"sl_base_pct"`
	TPConfidenceScale     float64 `yaml:"tp_confidence_scale"`
	SLConfidenceScale     float64 `yaml:"sl_confidence_scale"`
}

func DefaultConfig() Config {
	return Config{
		FastAlpha:             0.1,
		SlowAlpha:             0.05,
		VolumeEMAAlpha:        0.1,
		EMADiffThreshold:      0.01,
		VWAPDiffThreshold:     0.005,
		VolumeSpikeMultiplier: 2.0,
		SignalScoreMin:        0.3,
		CooldownSeconds:       30,
		TPBasePct:             0.006,
		SLBasePct:             0.006,
		TPConfidenceScale:     0.010,
		SLConfidenceScale:     0.010,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig, leaving
// anything the operator set alone.
func WithDefaults(c Config) Config {
	def := DefaultConfig()
	if c.FastAlpha == 0 {
		c.FastAlpha = def.FastAlpha
	}
	if c.SlowAlpha == 0 {
		c.SlowAlpha = def.SlowAlpha
	}
	if c.VolumeEMAAlpha == 0 {
		c.VolumeEMAAlpha = def.VolumeEMAAlpha
	}
	if c.EMADiffThreshold == 0 {
		c.EMADiffThreshold = def.EMADiffThreshold
	}
	if c.VWAPDiffThreshold == 0 {
		c.VWAPDiffThreshold = def.VWAPDiffThreshold
	}
	if c.VolumeSpikeMultiplier == 0 {
		c.VolumeSpikeMultiplier = def.VolumeSpikeMultiplier
	}
	if c.SignalScoreMin == 0 {
		c.SignalScoreMin = def.SignalScoreMin
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = def.CooldownSeconds
	}
	if c.TPBasePct == 0 {
		c.TPBasePct = def.TPBasePct
	}
	if c.SLBasePct == 0 {
		c.SLBasePct = def.SLBasePct
	}
	if c.TPConfidenceScale == 0 {
		c.TPConfidenceScale = def.TPConfidenceScale
	}
	if c.SLConfidenceScale == 0 {
		c.SLConfidenceScale = def.SLConfidenceScale
	}
	return c
}

func (c Config) Validate() error {
	for name, alpha := range map[string]float64{
		"fast_alpha":       c.FastAlpha,
		"slow_alpha":       c.SlowAlpha,
		"volume_ema_alpha": c.VolumeEMAAlpha,
	} {
		if alpha <= 0 || alpha > 1 {
			return fmt.Errorf("detector: %s %v outside (0,1]", name, alpha)
		}
	}
	if c.SignalScoreMin < 0 || c.SignalScoreMin > 1 {
		return fmt.Errorf("detector: signal_score_min %v outside [0,1]", c.SignalScoreMin)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("detector: negative cooldown %v", c.CooldownSeconds)
	}
	if c.EMADiffThreshold <= 0 || c.VWAPDiffThreshold <= 0 || c.VolumeSpikeMultiplier <= 0 {
		return fmt.Errorf("detector: thresholds must be positive")
	}
	return nil
}

// symbolState is exclusively owned by one shard and mutated only by
// sequential tick updates. Created lazily on the first tick, rebuilt from
// scratch after a shard restart.
type symbolState struct {
	emaFast        *indicator.EMA
	emaSlow        *indicator.EMA
	vwap           indicator.VWAP
	welford        indicator.Welford
	volumeEMA      *indicator.EMA
	lastSignalTime float64
}

// Detector evaluates pattern rules per symbol. It is an explicitly
// constructed instance (one per shard), never a package-level singleton, so
// tests and shards cannot leak state into each other.
type Detector struct {
	cfg    Config
	states map[string]*symbolState
}

func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, states: make(map[string]*symbolState)}, nil
}

// ActiveSymbols reports how many symbols have state, for health reporting.
func (d *Detector) ActiveSymbols() int {
	return len(d.states)
}

func (d *Detector) state(symbol string) (*symbolState, error) {
	if st, ok := d.states[symbol]; ok {
		return st, nil
	}
	fast, err := indicator.NewEMA(d.cfg.FastAlpha)
	if err != nil {
		return nil, err
	}
	slow, err := indicator.NewEMA(d.cfg.SlowAlpha)
	if err != nil {
		return nil, err
	}
	vol, err := indicator.NewEMA(d.cfg.VolumeEMAAlpha)
	if err != nil {
		return nil, err
	}
	st := &symbolState{emaFast: fast, emaSlow: slow, volumeEMA: vol}
	d.states[symbol] = st
	return st, nil
}

// Update folds one tick into the symbol's indicators and evaluates the
// pattern rules. It returns a Signal when one fires, nil otherwise.
//
// Rule order is fixed for reproducibility: the first rule to fire names the
// pattern, later rules only add to the score. Callers must drive a given
// symbol from a single goroutine.
func (d *Detector) Update(symbol string, price, volume, timestamp float64) (*Signal, error) {
	st, err := d.state(symbol)
	if err != nil {
		return nil, err
	}

	emaFast := st.emaFast.Update(price)
	emaSlow := st.emaSlow.Update(price)
	vwap := st.vwap.Update(price, volume)
	st.welford.Update(price)

	score := 0.0
	var pattern Pattern

	// EMA crossover: relative divergence of the fast average from the slow.
	if emaSlow != 0 {
		emaDiff := (emaFast - emaSlow) / emaSlow
		if math.Abs(emaDiff) > d.cfg.EMADiffThreshold {
			score += emaDiff * 2.0
			pattern = PatternEMACrossover
		}
	}

	// VWAP deviation: price stretched away from the session's average fill.
	if vwap != 0 {
		vwapDiff := (price - vwap) / vwap
		if math.Abs(vwapDiff) > d.cfg.VWAPDiffThreshold {
			score += vwapDiff * 1.5
			if pattern == "" {
				pattern = PatternVWAPDeviation
			}
		}
	}

	// Volume spike against the adaptive EMA baseline. The baseline floors
	// at the current volume so the ratio never divides by zero.
	if volume > 0 {
		baseline := st.volumeEMA.Update(volume)
		if baseline == 0 {
			baseline = volume
		}
		if volume/baseline > d.cfg.VolumeSpikeMultiplier {
			score += signed(score, 0.3)
			if pattern == "" {
				pattern = PatternVolumeSpike
			}
		}
	}

	// Volatility breakout: price outside two standard deviations of the
	// fast average. Needs enough Welford samples to trust std at all.
	if st.welford.Count() > 5 && price != 0 {
		ref := emaFast
		if ref == 0 {
			ref = price
		}
		if math.Abs(price-ref)/price > st.welford.Std()*2 {
			score += signed(score, 0.4)
			if pattern == "" {
				pattern = PatternVolatilityBreakout
			}
		}
	}

	score = clamp(score, -1, 1)

	if math.Abs(score) <= d.cfg.SignalScoreMin {
		return nil, nil
	}
	if timestamp-st.lastSignalTime <= d.cfg.CooldownSeconds {
		return nil, nil
	}
	st.lastSignalTime = timestamp

	if pattern == "" {
		pattern = PatternComposite
	}
	confidence := clamp(math.Abs(score), 0, 1)
	volatility := 0.0
	if st.welford.Count() > 1 {
		volatility = st.welford.Std()
	}
	return &Signal{
		ID:        fmt.Sprintf("%s_%d", symbol, int64(timestamp)),
		Symbol:    symbol,
		Score:     score,
		Pattern:   pattern,
		Timestamp: timestamp,
		Meta: SignalMeta{
			EMAFast:    emaFast,
			EMASlow:    emaSlow,
			VWAP:       vwap,
			Volume:     volume,
			Volatility: volatility,
			Confidence: confidence,
			TPHintPct:  d.cfg.TPBasePct + confidence*d.cfg.TPConfidenceScale,
			SLHintPct:  d.cfg.SLBasePct + confidence*d.cfg.SLConfidenceScale,
		},
	}, nil
}

// signed adds magnitude in the direction of the running score, defaulting
// positive when no direction has been established yet.
func signed(score, magnitude float64) float64 {
	if score < 0 {
		return -magnitude
	}
	return magnitude
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
