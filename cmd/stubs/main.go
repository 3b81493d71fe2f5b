package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ---- payload shapes (match the inference clients) ----

type ForecastRequest struct {
	Symbol  string    `json:"symbol"`
	History []float64 `json:"history"`
	Horizon int       `json:"horizon"`
}

type ForecastResponse struct {
	Forecast   []float64 `json:"forecast"`
	Confidence []float64 `json:"confidence"`
	Model      string    `json:"model"`
}

type SentimentResponse struct {
	SentimentScore float64 `json:"sentiment_score"`
}

type WireTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// ---- helpers ----

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// forecastHandler echoes a damped momentum continuation of the history it
// was sent, with decaying confidence over the horizon.
func forecastHandler(model string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		var req ForecastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Horizon <= 0 {
			req.Horizon = 10
		}
		time.Sleep(delay)

		drift := 0.0
		if n := len(req.History); n >= 2 {
			drift = (req.History[n-1] - req.History[n-2]) / req.History[n-2]
		}
		resp := ForecastResponse{Model: model}
		for i := 0; i < req.Horizon; i++ {
			decay := 1.0 / float64(i+1)
			resp.Forecast = append(resp.Forecast, clamp(drift*50*decay))
			resp.Confidence = append(resp.Confidence, 0.8*decay+0.1)
		}
		log.Printf("[%s] forecast %s horizon=%d drift=%.5f", model, req.Symbol, req.Horizon, drift)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func sentimentHandler(rng *rand.Rand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		score := rng.Float64()*1.6 - 0.8
		log.Printf("[sentiment] %s window=%s score=%.3f", symbol, r.URL.Query().Get("window"), score)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SentimentResponse{SentimentScore: score})
	}
}

// tickStream pushes a random-walk tick per symbol every interval over the
// websocket, the shape the tickfeed client expects.
func tickStream(symbols []string, interval time.Duration) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		log.Printf("[ticks] client connected from %s", r.RemoteAddr)

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		prices := map[string]float64{}
		for _, s := range symbols {
			prices[s] = 100.0
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			now := float64(time.Now().UnixNano()) / 1e9
			for _, s := range symbols {
				prices[s] *= 1 + rng.NormFloat64()*0.002
				tick := WireTick{Symbol: s, Price: prices[s], Volume: 500 + rng.Float64()*1000, Timestamp: now}
				if err := conn.WriteJSON(tick); err != nil {
					log.Printf("[ticks] client gone: %v", err)
					return
				}
			}
		}
	}
}

func serve(port string, routes map[string]http.HandlerFunc) {
	mux := http.NewServeMux()
	// common health
	mux.HandleFunc("/health", health)
	for path, fn := range routes {
		mux.HandleFunc(path, fn)
	}
	addr := ":" + port
	log.Printf("listening on %s", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server %s error: %v", port, err)
		}
	}()
}

func main() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	symbols := []string{"AAPL", "MSFT", "GOOGL"}

	// 8001: primary forecast backend (slower, always up)
	serve("8001", map[string]http.HandlerFunc{
		"/infer/forecast": forecastHandler("nbeats_onnx", 120*time.Millisecond),
	})
	// 8002: secondary forecast backend (faster path)
	serve("8002", map[string]http.HandlerFunc{
		"/infer/forecast": forecastHandler("nbeats_trt", 30*time.Millisecond),
	})
	// 8004: sentiment
	serve("8004", map[string]http.HandlerFunc{
		"/sentiment": sentimentHandler(rng),
	})
	// 8090: websocket tick stream
	serve("8090", map[string]http.HandlerFunc{
		"/ws/ticks": tickStream(symbols, time.Second),
	})

	// block forever
	select {}
}
