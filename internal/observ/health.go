package observ

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the /health payload. Backends may be nil when a service
// has no external inference dependencies.
type HealthStatus struct {
	OK            bool            `json:"ok"`
	ActiveSymbols int             `json:"active_symbols"`
	Timestamp     float64         `json:"timestamp"`
	Backends      map[string]bool `json:"backends,omitempty"`
}

// HealthHandler reports liveness. The probe runs on every request so the
// endpoint keeps answering even while individual backends are down.
func HealthHandler(probe func() HealthStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := probe()
		status.Timestamp = float64(time.Now().UnixNano()) / 1e9
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
}
