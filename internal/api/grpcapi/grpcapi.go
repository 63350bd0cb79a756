// Package grpcapi is the gRPC half of the admin surface (spec §6): a
// standard health-checking service so orchestrators and load balancers can
// probe liveness/readiness without going through the REST façade.
package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// NewServer builds a *grpc.Server with the standard health service
// registered, its serving status driven by periodic store.Ping calls.
func NewServer(st store.Store, log *logger.Logger) (*grpc.Server, *health.Server) {
	if log == nil {
		log = logger.NewNop()
	}
	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthSrv.SetServingStatus("tasker.orchestrator", healthpb.HealthCheckResponse_NOT_SERVING)

	return srv, healthSrv
}

// RunHealthMonitor periodically pings the store and flips the standard
// health service's serving status accordingly, until ctx is cancelled.
func RunHealthMonitor(ctx context.Context, st store.Store, healthSrv *health.Server, interval time.Duration, log *logger.Logger) {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := st.Ping(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn("store ping failed, reporting NOT_SERVING", "error", err)
		}
		healthSrv.SetServingStatus("", status)
		healthSrv.SetServingStatus("tasker.orchestrator", status)
	}
	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
