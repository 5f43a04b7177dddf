package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct{ fail atomic.Bool }

func (p *fakePinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func get(t *testing.T, h *HTTP, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.Routes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPHealthEndpoints(t *testing.T) {
	p := &fakePinger{}
	h := NewHTTP(p)

	for _, path := range []string{"/healthz", "/readyz"} {
		if code := get(t, h, path).Code; code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
	}

	p.fail.Store(true)
	if code := get(t, h, "/healthz").Code; code != http.StatusOK {
		t.Errorf("GET /healthz with failing store = %d, want 200", code)
	}
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz with failing store = %d, want 503", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"status":"unavailable"}` {
		t.Errorf("body = %s", body)
	}

	if code := get(t, NewHTTP(nil), "/readyz").Code; code != http.StatusOK {
		t.Errorf("GET /readyz without pinger = %d, want 200", code)
	}
}

func TestMonitor_Check(t *testing.T) {
	p := &fakePinger{}
	m := NewMonitor(p, time.Hour, nil)
	ctx := context.Background()

	resp, err := m.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before first check = %v, want NOT_SERVING", resp.GetStatus())
	}

	if got := m.Check(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Check = %v, want SERVING", got)
	}
	resp, err = m.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	p.fail.Store(true)
	if got := m.Check(ctx); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Check with failing store = %v, want NOT_SERVING", got)
	}
}

func TestGRPCServer_ServesHealth(t *testing.T) {
	m := NewMonitor(&fakePinger{}, time.Hour, nil)
	m.Check(context.Background())

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(m)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(&fakePinger{}, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	resp, err := m.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after stop = %v, want NOT_SERVING", resp.GetStatus())
	}
}
