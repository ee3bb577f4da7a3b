package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the name the controller's readiness is reported under.
// The empty service name reports the same status.
const HealthService = "recsync.Controller"

// GRPCHealth exposes controller readiness over the standard gRPC health
// protocol, for probes that speak gRPC rather than HTTP
type GRPCHealth struct {
	addr     string
	checker  *metrics.HealthChecker
	health   *health.Server
	grpc     *grpc.Server
	ln       net.Listener
	interval time.Duration
	logger   zerolog.Logger
}

// NewGRPCHealth creates a gRPC health server that mirrors checker's readiness
func NewGRPCHealth(addr string, checker *metrics.HealthChecker) *GRPCHealth {
	logger := log.WithComponent("grpc-health")
	h := &GRPCHealth{
		addr:     addr,
		checker:  checker,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		interval: time.Second,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.Sync()
	return h
}

// Sync copies the checker's readiness into the served status
func (h *GRPCHealth) Sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.checker.Readiness().Status == metrics.StatusReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Listen binds the health address
func (h *GRPCHealth) Listen() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to bind gRPC health address %s: %w", h.addr, err)
	}
	h.ln = ln
	return nil
}

// Addr returns the bound address
func (h *GRPCHealth) Addr() string {
	if h.ln == nil {
		return h.addr
	}
	return h.ln.Addr().String()
}

// Serve answers health checks until ctx is cancelled, re-syncing readiness
// every second
func (h *GRPCHealth) Serve(ctx context.Context) error {
	if h.ln == nil {
		if err := h.Listen(); err != nil {
			return err
		}
	}
	h.logger.Info().Str("addr", h.Addr()).Msg("gRPC health service listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.grpc.Serve(h.ln)
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sync()
		case <-ctx.Done():
			h.health.Shutdown()
			h.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		}
	}
}
