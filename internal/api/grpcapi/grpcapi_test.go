package grpcapi

import (
	"context"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func TestNewServer_StartsNotServing(t *testing.T) {
	st := memstore.New(time.Now)
	srv, healthSrv := NewServer(st, logger.NewNop())
	defer srv.Stop()

	resp, err := healthSrv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected a freshly built server to report NOT_SERVING before the health monitor runs, got %v", resp.Status)
	}
}

func TestRunHealthMonitor_FlipsToServingWhenStoreIsUp(t *testing.T) {
	st := memstore.New(time.Now)
	srv, healthSrv := NewServer(st, logger.NewNop())
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go RunHealthMonitor(ctx, st, healthSrv, time.Hour, logger.NewNop())

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := healthSrv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the health monitor's first check to mark the service SERVING")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
}
