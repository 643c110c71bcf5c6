package controllers

import (
	"net/http"

	"github.com/rzbill/fanq/internal/pipeline"
	"github.com/rzbill/fanq/internal/runtime"
	"github.com/rzbill/fanq/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes
// and manages the lifecycle of individual controllers.
type ControllerRegistry struct {
	general    *GeneralController
	ingress    *IngressController
	dlq        *DLQController
	deliveries *DeliveriesController
}

// NewControllerRegistry creates a new controller registry.
//
// It initializes all controllers with the provided runtime and pipeline.
func NewControllerRegistry(rt *runtime.Runtime, p *pipeline.Pipeline, logger log.Logger) *ControllerRegistry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.With(log.Component("http"))
	return &ControllerRegistry{
		general:    NewGeneralController(rt, p),
		ingress:    NewIngressController(p.Producer, rt.Config().Producer.MaxPayloadSize, logger),
		dlq:        NewDLQController(p.Queue, logger),
		deliveries: NewDeliveriesController(p.Publisher),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
//
// This method sets up all HTTP endpoints for fanq: health, stats and
// metrics, the two ingress modes, the dead-letter surface and the
// fan-out failure log.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.ingress.RegisterRoutes(mux)
	r.dlq.RegisterRoutes(mux)
	r.deliveries.RegisterRoutes(mux)
}
