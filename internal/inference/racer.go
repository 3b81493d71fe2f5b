package inference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Racer fans a forecast request out to every backend and returns the first
// well-formed response. Losing calls are cancelled as a group the moment a
// winner lands, so no sockets or goroutines outlive the race.
type Racer struct {
	backends     []*ForecastClient
	overallBound time.Duration

	healthMu       sync.Mutex
	health         map[string]bool
	healthAt       time.Time
	healthInterval time.Duration
}

// NewRacer builds a racer over the given backends. overallBound caps the
// whole race (default 3s); per-backend timeouts live in each client.
func NewRacer(backends []*ForecastClient, overallBound time.Duration) *Racer {
	if overallBound <= 0 {
		overallBound = 3 * time.Second
	}
	return &Racer{
		backends:       backends,
		overallBound:   overallBound,
		health:         make(map[string]bool),
		healthInterval: 30 * time.Second,
	}
}

// Fallback is the zero-filled low-confidence result used when every backend
// fails. Callers treat it as "no opinion", not as an error.
func Fallback(symbol string, horizon int, cause error) ForecastResult {
	return ForecastResult{
		Symbol:     symbol,
		Forecast:   make([]float64, horizon),
		Confidence: make([]float64, horizon),
		Source:     SourceFallback,
		Err:        cause,
	}
}

// RaceForecast races all backends for one symbol. The returned result is
// always usable; inspect Source to see whether a real backend answered.
func (r *Racer) RaceForecast(ctx context.Context, symbol string, history []float64, horizon int) ForecastResult {
	if len(r.backends) == 0 {
		return Fallback(symbol, horizon, errors.New("inference: no backends configured"))
	}

	raceCtx, cancel := context.WithTimeout(ctx, r.overallBound)
	defer cancel() // cancels every loser once a winner is chosen

	type outcome struct {
		result ForecastResult
		err    error
	}
	results := make(chan outcome, len(r.backends))
	for _, backend := range r.backends {
		go func(b *ForecastClient) {
			res, err := b.Forecast(raceCtx, symbol, history, horizon)
			results <- outcome{result: res, err: err}
		}(backend)
	}

	var lastErr error
	for i := 0; i < len(r.backends); i++ {
		select {
		case <-raceCtx.Done():
			return Fallback(symbol, horizon, errors.Join(lastErr, raceCtx.Err()))
		case out := <-results:
			if out.err != nil {
				lastErr = out.err
				continue
			}
			if len(out.result.Forecast) == 0 {
				// a 200 with no forecast is not a winner
				lastErr = errors.New("inference: empty forecast from " + out.result.Model)
				continue
			}
			return out.result
		}
	}
	return Fallback(symbol, horizon, lastErr)
}

// Health probes each backend, caching results for healthInterval so the
// health endpoint cannot hammer struggling services.
func (r *Racer) Health(ctx context.Context) map[string]bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if time.Since(r.healthAt) < r.healthInterval && len(r.health) > 0 {
		out := make(map[string]bool, len(r.health))
		for k, v := range r.health {
			out[k] = v
		}
		return out
	}
	out := make(map[string]bool, len(r.backends))
	for _, b := range r.backends {
		out[b.Name()] = b.Healthy(ctx)
	}
	r.health = out
	r.healthAt = time.Now()
	copied := make(map[string]bool, len(out))
	for k, v := range out {
		copied[k] = v
	}
	return copied
}
