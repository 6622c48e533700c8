package api

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"histfill/internal/gateway"
)

type stubGateway struct {
	mu    sync.Mutex
	state gateway.State
}

func (g *stubGateway) set(s gateway.State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *stubGateway) Status() gateway.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gateway.Status{State: g.state}
}

func startServer(t *testing.T, gw GatewayState) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(gw, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthTracksGateway(t *testing.T) {
	gw := &stubGateway{state: gateway.StateDisconnected}
	c := startServer(t, gw)

	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall = %v, want SERVING", got)
	}
	if got := check(t, c, GatewayService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("gateway = %v, want NOT_SERVING", got)
	}

	gw.set(gateway.StateConnected)
	deadline := time.Now().Add(2 * time.Second)
	for check(t, c, GatewayService) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("gateway never reported SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthWithoutGateway(t *testing.T) {
	c := startServer(t, nil)
	if got := check(t, c, GatewayService); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("gateway = %v, want SERVING", got)
	}
}
