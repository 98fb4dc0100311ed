package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"carelink.org/internal/obs"
)

// GRPCHealth publishes readiness through the standard grpc.health.v1
// service, both for the overall server ("") and for the named service.
type GRPCHealth struct {
	server    *health.Server
	readiness readinessChecker
}

// NewGRPCHealth creates the health publisher. Status starts NOT_SERVING
// until the first Sync.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	h := &GRPCHealth{server: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to srv.
func (h *GRPCHealth) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.server)
}

// Sync runs the readiness check once and publishes the result.
func (h *GRPCHealth) Sync(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch re-syncs every interval until ctx is done.
func (h *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		_ = h.Sync(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown flips every service to NOT_SERVING ahead of GracefulStop.
func (h *GRPCHealth) Shutdown() {
	h.server.Shutdown()
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
}
