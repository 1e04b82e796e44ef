package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports whether the data store answers a ping.
func Readiness(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string `json:"status"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready"}
		w.Header().Set("Content-Type", "application/json")
		if p != nil {
			if err := p.Ping(ctx); err != nil {
				out.Status = "not_ready"
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
