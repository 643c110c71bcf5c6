package controllers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rzbill/fanq/internal/pipeline"
	pebblequeue "github.com/rzbill/fanq/internal/queue/pebble"
	"github.com/rzbill/fanq/internal/runtime"
)

// GeneralController handles health, stats and metrics.
type GeneralController struct {
	rt *runtime.Runtime
	p  *pipeline.Pipeline
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime, p *pipeline.Pipeline) *GeneralController {
	return &GeneralController{rt: rt, p: p}
}

// RegisterRoutes registers general routes with the given mux.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Queue depths (/v1/stats)
// - Subscriptions (/v1/subscriptions)
// - Known queues on the Pebble store (/v1/queues)
// - Prometheus scraping (/metrics)
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
	mux.HandleFunc("GET /v1/stats", c.handleStats)
	mux.HandleFunc("GET /v1/subscriptions", c.handleSubscriptions)
	mux.HandleFunc("GET /v1/queues", c.handleQueues)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with {"status": "ok"} if healthy, 503 Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStats returns pending, leased and dead counts.
func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.p.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, st)
}

func (c *GeneralController) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"subscriptions": c.p.Publisher.Subscriptions()})
}

// handleQueues lists queue metadata. Only the pebble backend keeps it; other
// backends report an empty list.
func (c *GeneralController) handleQueues(w http.ResponseWriter, _ *http.Request) {
	queues := []pebblequeue.Meta{}
	if db := c.rt.DB(); db != nil {
		metas, err := pebblequeue.ListQueues(db)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		queues = append(queues, metas...)
	}
	writeJSON(w, map[string]any{"queues": queues})
}
