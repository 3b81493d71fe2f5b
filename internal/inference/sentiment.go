package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// SentimentClient fetches aggregated per-symbol sentiment in [-1,1].
// Sentiment moves slowly, so responses are cached per symbol+window with a
// TTL; errors degrade to neutral 0.0 and never block a decision.
type SentimentClient struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]sentimentEntry

	// onLookup observes cache results ("hit", "miss", "error") when set
	onLookup func(result string)
}

type sentimentEntry struct {
	score    float64
	cachedAt time.Time
}

func NewSentimentClient(baseURL string, timeout, ttl time.Duration, onLookup func(string)) *SentimentClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &SentimentClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		ttl:      ttl,
		cache:    make(map[string]sentimentEntry),
		onLookup: onLookup,
	}
}

// Score returns sentiment for symbol over window (e.g. "1h"). A lookup
// failure returns neutral 0.0 and a nil error path for the caller; the
// error is reported through onLookup only.
func (c *SentimentClient) Score(ctx context.Context, symbol, window string) float64 {
	key := symbol + "_" + window
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Since(entry.cachedAt) < c.ttl {
		c.mu.Unlock()
		c.observe("hit")
		return entry.score
	}
	c.mu.Unlock()

	score, err := c.fetch(ctx, symbol, window)
	if err != nil {
		c.observe("error")
		return 0.0
	}
	c.mu.Lock()
	c.cache[key] = sentimentEntry{score: score, cachedAt: time.Now()}
	c.mu.Unlock()
	c.observe("miss")
	return score
}

func (c *SentimentClient) fetch(ctx context.Context, symbol, window string) (float64, error) {
	q := url.Values{"symbol": {symbol}, "window": {window}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sentiment?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("inference: sentiment returned %d", resp.StatusCode)
	}
	var decoded struct {
		SentimentScore float64 `json:"sentiment_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, err
	}
	return decoded.SentimentScore, nil
}

// Healthy probes the sentiment backend.
func (c *SentimentClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
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

func (c *SentimentClient) observe(result string) {
	if c.onLookup != nil {
		c.onLookup(result)
	}
}
