package handler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "postboard.auth"

// Monitor pings the store on an interval and publishes the result through the
// standard grpc.health.v1 service.
type Monitor struct {
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// NewMonitor returns a Monitor that starts out NOT_SERVING until the first check.
func NewMonitor(pinger Pinger, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		health:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		timeout:  defaultPingTimeout,
		log:      log,
	}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// HealthServer returns the underlying health service.
func (m *Monitor) HealthServer() *health.Server { return m.health }

// Check pings the store once and updates the published status.
func (m *Monitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if m.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		if err := m.pinger.Ping(ctx); err != nil {
			m.log.WarnContext(ctx, "store ping failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	m.set(status)
	return status
}

// Run checks immediately and then every interval until ctx is done, after
// which every service is reported NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) set(status healthpb.HealthCheckResponse_ServingStatus) {
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
}

// NewGRPCServer returns a gRPC server exposing m's health service, instrumented
// with OpenTelemetry through the global providers.
func NewGRPCServer(m *Monitor, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, m.HealthServer())
	return s
}
