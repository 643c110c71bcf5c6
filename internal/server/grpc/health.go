package grpcserver

import (
	"context"
	"time"

	"github.com/rzbill/fanq/pkg/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("")
// status.
const ServiceName = "fanq.Pipeline"

// CheckTimeout bounds one store health check so an unreachable store reports
// NOT_SERVING instead of stalling the caller.
const CheckTimeout = time.Second

type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// refreshHealth checks the runtime and publishes the result.
func refreshHealth(ctx context.Context, rt healthChecker, hs *health.Server, logger log.Logger) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := rt.CheckHealth(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		logger.Warn("health check failed", log.Err(err))
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(ServiceName, status)
	return status
}

func watchHealth(ctx context.Context, rt healthChecker, hs *health.Server, every time.Duration, logger log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cctx, cancel := context.WithTimeout(ctx, every)
			refreshHealth(cctx, rt, hs, logger)
			cancel()
		}
	}
}
