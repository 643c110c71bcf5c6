package controllers

import (
	"net/http"

	"github.com/rzbill/fanq/internal/fanout"
)

// DeliveriesController exposes fan-out deliveries that exhausted retries.
type DeliveriesController struct {
	pub *fanout.Publisher
}

// NewDeliveriesController creates a new deliveries controller.
func NewDeliveriesController(pub *fanout.Publisher) *DeliveriesController {
	return &DeliveriesController{pub: pub}
}

// RegisterRoutes registers delivery routes with the given mux.
func (c *DeliveriesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/deliveries/failed", c.handleFailed)
}

// handleFailed lists recent failures, newest first.
func (c *DeliveriesController) handleFailed(w http.ResponseWriter, r *http.Request) {
	failures := c.pub.Failures()
	writeJSON(w, map[string]any{
		"failures": failures.List(parseLimit(r.URL.Query().Get("limit"))),
		"total":    failures.Total(),
	})
}
