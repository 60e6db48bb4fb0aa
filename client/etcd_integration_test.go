package client

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"frame-rpc/loadbalance"
	"frame-rpc/middleware"
	"frame-rpc/registry"
	"frame-rpc/server"
)

// TestMultiServerWithEtcd runs the whole path against a live etcd:
// Client → Registry(etcd) → LB → pool → frames → Middleware → Server → render.
func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("FRAMERPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("FRAMERPC_ETCD_ENDPOINTS not set")
	}
	logger := zaptest.NewLogger(t)

	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), 2*time.Second, logger)
	require.NoError(t, err)
	defer reg.Close()

	const name = "render-it"
	names := map[string]bool{}
	for _, n := range []string{"one", "two"} {
		n := n
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		svr := server.NewServer(server.Sync(func(conn, data json.RawMessage) (any, error) {
			return n, nil
		}), server.WithLogger(logger), server.WithRegistry(reg, name, l.Addr().String(), 10*time.Second))
		svr.Use(middleware.LoggingMiddleware(logger))

		ready := make(chan net.Addr, 1)
		go svr.Serve(l, func(a net.Addr) { ready <- a })
		<-ready
		defer svr.Shutdown(3 * time.Second)
		names[n] = true
	}

	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, name, 2, logger)
	defer cli.Close()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		resp, err := cli.Call(context.Background(), page{Path: "/"}, nil)
		require.NoError(t, err, "request %d", i)
		var got string
		require.NoError(t, resp.Decode(&got))
		seen[got] = true
	}
	assert.Equal(t, names, seen)
}
