package handler

import (
	"context"
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
)

// Pinger checks store connectivity. Satisfied by *pebblestore.Store in
// production; memstore-backed tests pass a trivial always-healthy stub.
type Pinger interface {
	Probe(ctx context.Context) error
}

// HealthHandler handles health check and metrics endpoints.
type HealthHandler struct {
	store   Pinger
	metrics *monitor.Metrics
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store Pinger, metrics *monitor.Metrics) *HealthHandler {
	return &HealthHandler{store: store, metrics: metrics}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := h.store.Probe(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"store":  "disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"store":  "connected",
	})
}

// Metrics handles GET /metrics
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
