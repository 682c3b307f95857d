package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/arkilian/indexkeeper/internal/descriptor"
	"github.com/arkilian/indexkeeper/internal/store/sqlite"
)

func TestHealth(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "store.db"), sqlite.DefaultOptions())
	require.NoError(t, err)

	cfg, err := descriptor.NewBuilder("employees").Build()
	require.NoError(t, err)
	registry := descriptor.NewRegistry()
	require.NoError(t, registry.Register(descriptor.New(cfg, descriptor.Deps{Store: st})))

	h := NewHealth(registry)
	srv := h.NewServer()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(ServicePrefix+"employees"))

	h.Check(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(ServicePrefix+"employees"))

	// A closed store makes the index unhealthy.
	require.NoError(t, st.Close())
	h.Check(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(ServicePrefix+"employees"))
}
