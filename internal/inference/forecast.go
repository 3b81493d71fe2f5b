// Package inference talks to the external forecasting and sentiment
// backends over HTTP. The racer queries every configured forecast backend
// in parallel and takes the first well-formed answer; a backend being slow
// or down degrades the result, never the pipeline.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Source tags where a forecast came from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceFallback  Source = "fallback"
)

// ForecastResult is the outcome of one race. A fallback result is
// low-confidence, not an error: Err is only set alongside fallback to
// explain the degradation.
type ForecastResult struct {
	Symbol     string
	Forecast   []float64
	Confidence []float64
	Model      string
	Source     Source
	Err        error
}

// First returns the leading forecast value, zero when empty.
func (r ForecastResult) First() (forecast, confidence float64) {
	if len(r.Forecast) > 0 {
		forecast = r.Forecast[0]
	}
	if len(r.Confidence) > 0 {
		confidence = r.Confidence[0]
	}
	return forecast, confidence
}

// BackendConfig describes one forecast backend. Timeout is per-call;
// expected-faster backends get shorter ones. RatePerSec bounds outbound
// call rate, zero meaning unlimited.
type BackendConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	Source     Source        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type forecastRequest struct {
	Symbol  string    `json:"symbol"`
	History []float64 `json:"history"`
	Horizon int       `json:"horizon"`
}

type forecastResponse struct {
	Forecast   []float64 `json:"forecast"`
	Confidence []float64 `json:"confidence"`
	Model      string    `json:"model"`
}

// ForecastClient is one backend. Safe for concurrent use.
type ForecastClient struct {
	cfg     BackendConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewForecastClient(cfg BackendConfig) *ForecastClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &ForecastClient{
		cfg: cfg,
		// the transport must honor context cancellation so a lost race
		// releases its socket immediately
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

func (c *ForecastClient) Name() string { return c.cfg.Name }

func (c *ForecastClient) Source() Source { return c.cfg.Source }

// Forecast calls POST /infer/forecast. Only the last 60 history points are
// sent; backends are trained on short context windows.
func (c *ForecastClient) Forecast(ctx context.Context, symbol string, history []float64, horizon int) (ForecastResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return ForecastResult{}, err
		}
	}
	if len(history) > 60 {
		history = history[len(history)-60:]
	}
	body, err := json.Marshal(forecastRequest{Symbol: symbol, History: history, Horizon: horizon})
	if err != nil {
		return ForecastResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/infer/forecast", bytes.NewReader(body))
	if err != nil {
		return ForecastResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ForecastResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ForecastResult{}, fmt.Errorf("inference: %s returned %d", c.cfg.Name, resp.StatusCode)
	}
	var decoded forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ForecastResult{}, fmt.Errorf("inference: %s bad response: %w", c.cfg.Name, err)
	}
	return ForecastResult{
		Symbol:     symbol,
		Forecast:   decoded.Forecast,
		Confidence: decoded.Confidence,
		Model:      decoded.Model,
		Source:     c.cfg.Source,
	}, nil
}

// Healthy probes GET /health with a short deadline.
func (c *ForecastClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
