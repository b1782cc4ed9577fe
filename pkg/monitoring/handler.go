package monitoring

import (
	"encoding/json"
	"net/http"
)

// Handler returns an http.Handler exposing the monitor. Mounting and
// serving it is the embedding application's concern.
//
//	GET /health   aggregated snapshot as JSON, 503 when unhealthy
//	GET /metrics  Prometheus text exposition
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := m.Collect(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if snap.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(m.Exposition(r.Context())))
	})

	return mux
}
