package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dkrastev/signal-pipeline/internal/detector"
)

// DecodeError marks a record that failed boundary validation. Consumers
// skip and count these; they are never fatal.
type DecodeError struct {
	Kind  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stream: bad %s record, field %q: %v", e.Kind, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Tick is one trade observation from the market-data collaborator.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp float64
}

func (t Tick) Fields() map[string]string {
	return map[string]string{
		"symbol":    t.Symbol,
		"price":     formatFloat(t.Price),
		"volume":    formatFloat(t.Volume),
		"timestamp": formatFloat(t.Timestamp),
	}
}

func ParseTick(fields map[string]string) (Tick, error) {
	var t Tick
	var err error
	if t.Symbol = fields["symbol"]; t.Symbol == "" {
		return t, &DecodeError{Kind: "tick", Field: "symbol", Err: errMissing}
	}
	if t.Price, err = parseFloat(fields, "price"); err != nil {
		return t, &DecodeError{Kind: "tick", Field: "price", Err: err}
	}
	if t.Volume, err = parseFloat(fields, "volume"); err != nil {
		return t, &DecodeError{Kind: "tick", Field: "volume", Err: err}
	}
	if t.Timestamp, err = parseFloat(fields, "timestamp"); err != nil {
		return t, &DecodeError{Kind: "tick", Field: "timestamp", Err: err}
	}
	return t, nil
}

// SignalFields flattens a detector signal for transport.
func SignalFields(s detector.Signal) map[string]string {
	return map[string]string{
		"id":          s.ID,
		"symbol":      s.Symbol,
		"score":       formatFloat(s.Score),
		"pattern":     string(s.Pattern),
		"timestamp":   formatFloat(s.Timestamp),
		"ema_fast":    formatFloat(s.Meta.EMAFast),
		"ema_slow":    formatFloat(s.Meta.EMASlow),
		"vwap":        formatFloat(s.Meta.VWAP),
		"volume":      formatFloat(s.Meta.Volume),
		"volatility":  formatFloat(s.Meta.Volatility),
		"confidence":  formatFloat(s.Meta.Confidence),
		"tp_hint_pct": formatFloat(s.Meta.TPHintPct),
		"sl_hint_pct": formatFloat(s.Meta.SLHintPct),
	}
}

// ParseSignal validates a flattened signal. Score is re-checked at the
// boundary so a corrupt producer cannot push an out-of-range score into the
// fusion layer.
func ParseSignal(fields map[string]string) (detector.Signal, error) {
	var s detector.Signal
	if s.ID = fields["id"]; s.ID == "" {
		return s, &DecodeError{Kind: "signal", Field: "id", Err: errMissing}
	}
	if s.Symbol = fields["symbol"]; s.Symbol == "" {
		return s, &DecodeError{Kind: "signal", Field: "symbol", Err: errMissing}
	}
	var err error
	if s.Score, err = parseFloat(fields, "score"); err != nil {
		return s, &DecodeError{Kind: "signal", Field: "score", Err: err}
	}
	if s.Score < -1 || s.Score > 1 {
		return s, &DecodeError{Kind: "signal", Field: "score", Err: fmt.Errorf("score %v outside [-1,1]", s.Score)}
	}
	switch p := detector.Pattern(fields["pattern"]); p {
	case detector.PatternEMACrossover, detector.PatternVWAPDeviation,
		detector.PatternVolumeSpike, detector.PatternVolatilityBreakout,
		detector.PatternComposite:
		s.Pattern = p
	default:
		return s, &DecodeError{Kind: "signal", Field: "pattern", Err: fmt.Errorf("unknown pattern %q", p)}
	}
	if s.Timestamp, err = parseFloat(fields, "timestamp"); err != nil {
		return s, &DecodeError{Kind: "signal", Field: "timestamp", Err: err}
	}
	s.Meta.EMAFast, _ = parseFloat(fields, "ema_fast")
	s.Meta.EMASlow, _ = parseFloat(fields, "ema_slow")
	s.Meta.VWAP, _ = parseFloat(fields, "vwap")
	s.Meta.Volume, _ = parseFloat(fields, "volume")
	s.Meta.Volatility, _ = parseFloat(fields, "volatility")
	s.Meta.Confidence, _ = parseFloat(fields, "confidence")
	s.Meta.TPHintPct, _ = parseFloat(fields, "tp_hint_pct")
	s.Meta.SLHintPct, _ = parseFloat(fields, "sl_hint_pct")
	return s, nil
}

// Order is the record published to the orders topic for execution.
type Order struct {
	ID            string
	Symbol        string
	Side          string // BUY | SELL
	Qty           int
	Type          string // MARKET
	Strategy      string
	CombinedScore float64
	Timestamp     float64
	Factors       map[string]float64
}

func (o Order) Fields() map[string]string {
	factors, _ := json.Marshal(o.Factors)
	return map[string]string{
		"id":             o.ID,
		"symbol":         o.Symbol,
		"side":           o.Side,
		"qty":            strconv.Itoa(o.Qty),
		"type":           o.Type,
		"strategy":       o.Strategy,
		"combined_score": formatFloat(o.CombinedScore),
		"timestamp":      formatFloat(o.Timestamp),
		"factors":        string(factors),
	}
}

func ParseOrder(fields map[string]string) (Order, error) {
	var o Order
	if o.ID = fields["id"]; o.ID == "" {
		return o, &DecodeError{Kind: "order", Field: "id", Err: errMissing}
	}
	if o.Symbol = fields["symbol"]; o.Symbol == "" {
		return o, &DecodeError{Kind: "order", Field: "symbol", Err: errMissing}
	}
	switch o.Side = fields["side"]; o.Side {
	case "BUY", "SELL":
	default:
		return o, &DecodeError{Kind: "order", Field: "side", Err: fmt.Errorf("unknown side %q", o.Side)}
	}
	qty, err := strconv.Atoi(fields["qty"])
	if err != nil {
		return o, &DecodeError{Kind: "order", Field: "qty", Err: err}
	}
	o.Qty = qty
	o.Type = fields["type"]
	o.Strategy = fields["strategy"]
	if o.CombinedScore, err = parseFloat(fields, "combined_score"); err != nil {
		return o, &DecodeError{Kind: "order", Field: "combined_score", Err: err}
	}
	if o.Timestamp, err = parseFloat(fields, "timestamp"); err != nil {
		return o, &DecodeError{Kind: "order", Field: "timestamp", Err: err}
	}
	if raw := fields["factors"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.Factors); err != nil {
			return o, &DecodeError{Kind: "order", Field: "factors", Err: err}
		}
	}
	return o, nil
}

// Fill closes the loop from the execution gateway.
type Fill struct {
	OrderID string
	Symbol  string
	Side    string
	Price   float64
	Qty     float64
}

func (f Fill) Fields() map[string]string {
	return map[string]string{
		"order_id": f.OrderID,
		"symbol":   f.Symbol,
		"side":     f.Side,
		"price":    formatFloat(f.Price),
		"qty":      formatFloat(f.Qty),
	}
}

func ParseFill(fields map[string]string) (Fill, error) {
	var f Fill
	if f.OrderID = fields["order_id"]; f.OrderID == "" {
		return f, &DecodeError{Kind: "fill", Field: "order_id", Err: errMissing}
	}
	f.Symbol = fields["symbol"]
	f.Side = fields["side"]
	var err error
	if f.Price, err = parseFloat(fields, "price"); err != nil {
		return f, &DecodeError{Kind: "fill", Field: "price", Err: err}
	}
	if f.Qty, err = parseFloat(fields, "qty"); err != nil {
		return f, &DecodeError{Kind: "fill", Field: "qty", Err: err}
	}
	return f, nil
}

var errMissing = fmt.Errorf("missing")

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(fields map[string]string, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, errMissing
	}
	return strconv.ParseFloat(raw, 64)
}
