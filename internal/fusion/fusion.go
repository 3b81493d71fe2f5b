// Package fusion combines pattern signals, forecast races, and sentiment
// into weighted trading decisions with position sizing.
package fusion

import (
	"fmt"
	"math"
	"sync"

	"github.com/dkrastev/signal-pipeline/internal/detector"
	"github.com/dkrastev/signal-pipeline/internal/indicator"
)

// Action is the decision outcome. Hold produces no order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Decision is derived, not persisted here; the strategy service publishes
// buy/sell decisions to the orders topic.
type Decision struct {
	Symbol        string
	Action        Action
	CombinedScore float64 // [-1,1]
	PositionSize  int
	Factors       map[string]float64
}

// Analysis carries the external inputs for one decision: the raced
// forecast plus sentiment, condensed the way the fusion formula wants them.
type Analysis struct {
	Forecast           float64
	ForecastConfidence float64
	Sentiment          float64
	CombinedConfidence float64
	Source             string
}

// NewAnalysis condenses a race result and a sentiment score. Combined
// confidence averages the forecast confidence with sentiment strength
// (|sentiment| doubled, capped at 1).
func NewAnalysis(symbol string, forecast, confidence, sentiment float64, source string) Analysis {
	sentConf := math.Min(math.Abs(sentiment)*2, 1.0)
	return Analysis{
		Forecast:           forecast,
		ForecastConfidence: confidence,
		Sentiment:          sentiment,
		CombinedConfidence: (confidence + sentConf) / 2,
		Source:             source,
	}
}

// Weights are the named factor weights. Defaults sum to 1.0.
type Weights struct {
	SignalScore        float64 `yaml:"signal_score"`
	Forecast           float64 `yaml:"forecast"`
	ForecastConfidence float64 `yaml:"forecast_confidence"`
	Sentiment          float64 `yaml:"sentiment"`
	SMATrend           float64 `yaml:"sma_trend"`
	RSIFilter          float64 `yaml:"rsi_filter"`
	PatternStrength    float64 `yaml:"pattern_strength"`
	MLConfidence       float64 `yaml:"ml_confidence"`
}

func DefaultWeights() Weights {
	return Weights{
		SignalScore:        0.25,
		Forecast:           0.20,
		ForecastConfidence: 0.15,
		Sentiment:          0.15,
		SMATrend:           0.10,
		RSIFilter:          0.05,
		PatternStrength:    0.05,
		MLConfidence:       0.05,
	}
}

func (w Weights) Validate() error {
	sum := 0.0
	for name, v := range w.named() {
		if v < 0 {
			return fmt.Errorf("fusion: negative weight %s", name)
		}
		sum += v
	}
	if sum <= 0 {
		return fmt.Errorf("fusion: weights sum to %v, need > 0", sum)
	}
	return nil
}

func (w Weights) named() map[string]float64 {
	return map[string]float64{
		"signal_score":        w.SignalScore,
		"forecast":            w.Forecast,
		"forecast_confidence": w.ForecastConfidence,
		"sentiment":           w.Sentiment,
		"sma_trend":           w.SMATrend,
		"rsi_filter":          w.RSIFilter,
		"pattern_strength":    w.PatternStrength,
		"ml_confidence":       w.MLConfidence,
	}
}

// Config tunes the fusion engine.
type Config struct {
	Weights          Weights `yaml:"weights"`
	BuyThreshold     float64 `yaml:"buy_threshold"`
	SellThreshold    float64 `yaml:"sell_threshold"`
	MinSignalScore   float64 `yaml:"min_signal_score"`
	BasePositionSize int     `yaml:"base_position_size"`
	MaxPositionSize  int     `yaml:"max_position_size"`
	HistoryLength    int     `yaml:"history_length"`
	SMAPeriod        int     `yaml:"sma_period"`
	RSIPeriod        int     `yaml:"rsi_period"`
	ATRPeriod        int     `yaml:"atr_period"`
}

func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		BuyThreshold:     0.4,
		SellThreshold:    -0.4,
		MinSignalScore:   0.3,
		BasePositionSize: 100,
		MaxPositionSize:  1000,
		HistoryLength:    100,
		SMAPeriod:        20,
		RSIPeriod:        14,
		ATRPeriod:        14,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. A fully zero
// Weights block is replaced wholesale; partial weights are left for
// Validate to reject.
func WithDefaults(c Config) Config {
	def := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = def.Weights
	}
	if c.BuyThreshold == 0 {
		c.BuyThreshold = def.BuyThreshold
	}
	if c.SellThreshold == 0 {
		c.SellThreshold = def.SellThreshold
	}
	if c.MinSignalScore == 0 {
		c.MinSignalScore = def.MinSignalScore
	}
	if c.BasePositionSize == 0 {
		c.BasePositionSize = def.BasePositionSize
	}
	if c.MaxPositionSize == 0 {
		c.MaxPositionSize = def.MaxPositionSize
	}
	if c.HistoryLength == 0 {
		c.HistoryLength = def.HistoryLength
	}
	if c.SMAPeriod == 0 {
		c.SMAPeriod = def.SMAPeriod
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = def.RSIPeriod
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = def.ATRPeriod
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.BuyThreshold <= 0 || c.SellThreshold >= 0 {
		return fmt.Errorf("fusion: thresholds must straddle zero (buy %v, sell %v)", c.BuyThreshold, c.SellThreshold)
	}
	if c.BasePositionSize < 1 || c.MaxPositionSize < c.BasePositionSize {
		return fmt.Errorf("fusion: bad position sizing bounds [%d, %d]", c.BasePositionSize, c.MaxPositionSize)
	}
	if c.HistoryLength < 2 {
		return fmt.Errorf("fusion: history_length %d too small", c.HistoryLength)
	}
	return nil
}

// Engine is one explicitly constructed fusion instance per strategy shard.
type Engine struct {
	cfg  Config
	calc *indicator.Calculator

	mu      sync.Mutex
	history map[string][]float64
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		calc:    indicator.NewCalculator(2048),
		history: make(map[string][]float64),
	}, nil
}

// ObserveTick feeds market data into the windowed indicators and the
// bounded price history used as forecast input.
func (e *Engine) ObserveTick(symbol string, price float64) {
	e.calc.Update(symbol, indicator.Bar{Price: price})
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[symbol], price)
	if len(h) > e.cfg.HistoryLength {
		h = h[len(h)-e.cfg.HistoryLength:]
	}
	e.history[symbol] = h
}

// History returns a copy of the recent prices for symbol.
func (e *Engine) History(symbol string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.history[symbol]...)
}

// ActiveSymbols reports symbols with price history, for health reporting.
func (e *Engine) ActiveSymbols() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Combine fuses one signal with the external analysis into a Decision.
// Weak signals (|score| < min) come back as hold without touching the
// heavier factors.
func (e *Engine) Combine(sig detector.Signal, analysis Analysis) Decision {
	if math.Abs(sig.Score) < e.cfg.MinSignalScore {
		return Decision{Symbol: sig.Symbol, Action: ActionHold, Factors: map[string]float64{
			"signal_score": sig.Score,
		}}
	}

	price, _ := e.calc.LastPrice(sig.Symbol)
	atr, ok := e.calc.ATR(sig.Symbol, e.cfg.ATRPeriod)
	if !ok {
		atr = 1.0
	}

	factors := map[string]float64{
		"signal_score":        sig.Score,
		"forecast":            analysis.Forecast,
		"forecast_confidence": analysis.ForecastConfidence,
		"sentiment":           analysis.Sentiment,
		"sma_trend":           e.smaTrend(sig.Symbol, price),
		"rsi_filter":          e.rsiFilter(sig.Symbol),
		"volatility":          atr,
		"pattern_strength":    patternStrength(sig.Meta.Volume),
		"ml_confidence":       analysis.CombinedConfidence,
	}

	combined := 0.0
	for name, weight := range e.cfg.Weights.named() {
		combined += factors[name] * weight
	}
	// scale into [0.5x, 1x] by overall ML confidence, then clamp again:
	// the signal score arrives pre-clamped, and the final score is clamped
	// once more here
	combined *= 0.5 + analysis.CombinedConfidence*0.5
	combined = clamp(combined, -1, 1)

	action := ActionHold
	switch {
	case combined > e.cfg.BuyThreshold:
		action = ActionBuy
	case combined < e.cfg.SellThreshold:
		action = ActionSell
	}

	return Decision{
		Symbol:        sig.Symbol,
		Action:        action,
		CombinedScore: combined,
		PositionSize:  e.positionSize(combined, analysis.CombinedConfidence, atr, price),
		Factors:       factors,
	}
}

// smaTrend measures how far price sits above or below its moving average,
// amplified 10x and clamped to [-1,1].
func (e *Engine) smaTrend(symbol string, price float64) float64 {
	sma, ok := e.calc.SMA(symbol, e.cfg.SMAPeriod)
	if !ok || sma == 0 || price == 0 {
		return 0.0
	}
	return clamp((price-sma)/sma*10, -1, 1)
}

// rsiFilter leans against overbought (>70) and oversold (<30) extremes.
func (e *Engine) rsiFilter(symbol string) float64 {
	rsi, ok := e.calc.RSI(symbol, e.cfg.RSIPeriod)
	if !ok {
		return 0.0
	}
	switch {
	case rsi > 70:
		return -0.5
	case rsi < 30:
		return 0.5
	default:
		return 0.0
	}
}

// positionSize scales the base size by confidence (0.5x to 2.0x) and
// shrinks it as relative volatility grows, clamped to [1, max].
func (e *Engine) positionSize(combined, mlConfidence, atr, price float64) int {
	confidence := math.Min(math.Abs(combined), mlConfidence)
	multiplier := 0.5 + confidence*1.5

	volRatio := 1.0
	if price > 0 {
		volRatio = atr / price
	}
	adjustment := 1.0 / (1.0 + volRatio)

	size := int(float64(e.cfg.BasePositionSize) * multiplier * adjustment)
	if size < 1 {
		size = 1
	}
	if size > e.cfg.MaxPositionSize {
		size = e.cfg.MaxPositionSize
	}
	return size
}

// patternStrength scales signal volume against a 1000-share baseline.
// Signals carrying no volume read as the baseline, not as zero strength.
func patternStrength(volume float64) float64 {
	if volume <= 0 {
		return 1.0
	}
	return volume / 1000.0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
