package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/observability"
)

// ServiceName is the health-checked service name besides the server-wide "".
const ServiceName = "dm.v1.DirectMessages"

const (
	defaultCheckInterval = 10 * time.Second
	pingTimeout          = 2 * time.Second
)

// PingFunc reports whether the backing store is reachable.
type PingFunc func(ctx context.Context) error

// HealthServer serves grpc.health.v1.Health, SERVING while the store answers pings.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	ping     PingFunc
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthServer(ping PingFunc, logger *zap.Logger) *HealthServer {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{
		server:   server,
		health:   hs,
		ping:     ping,
		interval: defaultCheckInterval,
		logger:   logger,
	}
}

// Serve probes the store once, then every interval, and serves until Stop.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	s.check(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.check(ctx)
			}
		}
	}()
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *HealthServer) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := s.ping(pingCtx)
		cancel()
		if err != nil {
			s.logger.Warn("store ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
