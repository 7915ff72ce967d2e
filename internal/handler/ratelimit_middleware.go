package handler

import (
	"net"
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/ratelimit"
)

// RateLimited wraps a handler with the per-IP sliding-window limiter
// required on sensitive endpoints (spec §5: prepare, confirm, transaction
// listing, public merchant lookup, merchant registration).
func RateLimited(limiter *ratelimit.Limiter, metrics *monitor.Metrics, clk clock.Clock, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(clientIP(r), clk.Now()) {
			metrics.RecordRateLimited()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
