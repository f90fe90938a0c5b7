package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"helpdesk_offline_cache/internal/testutil"
	"helpdesk_offline_cache/internal/transport"
)

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := NewServer()
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return server, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServerReportsWorkerAndOrigin(t *testing.T) {
	server, client := startServer(t)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, client, WorkerService))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_UNKNOWN, check(t, client, OriginService))

	server.SetWorkerActive(true)
	server.SetOriginUp(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, client, WorkerService))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, client, OriginService))

	server.SetOriginUp(false)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, client, OriginService))
}

type transitions struct {
	mu     sync.Mutex
	values []bool
}

func (r *transitions) record(up bool) {
	r.mu.Lock()
	r.values = append(r.values, up)
	r.mu.Unlock()
}

func (r *transitions) expect(want ...bool) func() error {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if fmt.Sprint(r.values) != fmt.Sprint(want) {
			return fmt.Errorf("transitions %v, want %v", r.values, want)
		}
		return nil
	}
}

func TestOriginProbeTracksAvailability(t *testing.T) {
	origin := testutil.StartOrigin(t)
	origin.Handle("/healthz", testutil.Route{Body: "ok"})
	network := transport.NewClient(transport.DefaultOptions())
	t.Cleanup(network.CloseIdle)

	var seen transitions
	probe := NewOriginProbe(origin.URL, network, ProbeConfig{
		Path:           "/healthz",
		Interval:       10 * time.Millisecond,
		Timeout:        time.Second,
		UnhealthyAfter: 2,
	}, seen.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, seen.expect(true))
	origin.SetOffline(true)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, seen.expect(true, false))
	origin.SetOffline(false)
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, seen.expect(true, false, true))
}

type statusNetwork struct {
	status int
	err    error
}

func (n statusNetwork) Do(req *http.Request) (*http.Response, error) {
	if n.err != nil {
		return nil, n.err
	}
	return &http.Response{StatusCode: n.status, Body: http.NoBody, Request: req}, nil
}

func TestOriginProbeThresholds(t *testing.T) {
	origin := testutil.StartOrigin(t)
	var seen transitions
	probe := NewOriginProbe(origin.URL, statusNetwork{status: http.StatusNotFound}, ProbeConfig{HealthyAfter: 2, UnhealthyAfter: 3}, seen.record)
	ctx := context.Background()

	probe.record(probe.safeProbe(ctx))
	require.NoError(t, seen.expect()())
	probe.record(probe.safeProbe(ctx))
	require.NoError(t, seen.expect(true)())

	probe.network = statusNetwork{status: http.StatusBadGateway}
	probe.record(probe.safeProbe(ctx))
	probe.record(probe.safeProbe(ctx))
	require.NoError(t, seen.expect(true)())
	probe.network = statusNetwork{err: errors.New("connection refused")}
	probe.record(probe.safeProbe(ctx))
	require.NoError(t, seen.expect(true, false)())

	probe.record(probe.safeProbe(ctx))
	require.NoError(t, seen.expect(true, false)())
}
