package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/protocol"
	"frame-rpc/registry"
)

type route struct {
	Path string `json:"path"`
}

type visitor struct {
	Name string `json:"name"`
}

func greeting(conn, data json.RawMessage) (string, error) {
	var r route
	var v visitor
	if err := json.Unmarshal(conn, &r); err != nil {
		return "", err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return fmt.Sprintf("Hello, %s! You went to %s.", v.Name, r.Path), nil
}

var errRender = errors.New("Oh no!")

func syncOK(conn, data json.RawMessage) (any, error) { return greeting(conn, data) }

func syncFail(conn, data json.RawMessage) (any, error) { return nil, errRender }

func asyncOK(conn, data json.RawMessage, done DoneFunc) {
	go func() {
		s, err := greeting(conn, data)
		done(err, s)
	}()
}

func asyncFail(conn, data json.RawMessage, done DoneFunc) {
	go done(errRender, nil)
}

// start serves svr on a loopback port and returns the bound address.
func start(t *testing.T, svr *Server) string {
	t.Helper()
	ready := make(chan net.Addr, 1)
	go svr.Listen("tcp", "127.0.0.1:0", func(addr net.Addr) { ready <- addr })
	t.Cleanup(func() { svr.Close() })
	select {
	case addr := <-ready:
		return addr.String()
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
		return ""
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, id string, r route, v visitor) {
	t.Helper()
	req, err := message.NewRequest(id, r, v)
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, body))
}

func receive(t *testing.T, conn net.Conn) *message.Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	var resp message.Response
	require.NoError(t, json.Unmarshal(payload, &resp))
	return &resp
}

func roundTrip(t *testing.T, addr, id string) *message.Response {
	t.Helper()
	conn := dial(t, addr)
	send(t, conn, id, route{Path: "/0"}, visitor{Name: "world"})
	return receive(t, conn)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name      string
		renderer  Renderer
		opts      []Option
		wantValue string
		wantError string
	}{
		{name: "sync success", renderer: Sync(syncOK), wantValue: "Hello, world! You went to /0."},
		{name: "async success", renderer: Async(asyncOK), wantValue: "Hello, world! You went to /0."},
		{name: "sync error", renderer: Sync(syncFail), wantError: "Oh no!"},
		{name: "async error", renderer: Async(asyncFail), wantError: "Oh no!"},
		{
			name:      "sync custom formatter",
			renderer:  Sync(syncFail),
			opts:      []Option{WithErrorFormatter(func(err error) string { return err.Error() + " - Custom" })},
			wantError: "Oh no! - Custom",
		},
		{
			name:      "async custom formatter",
			renderer:  Async(asyncFail),
			opts:      []Option{WithErrorFormatter(func(err error) string { return err.Error() + " - Custom" })},
			wantError: "Oh no! - Custom",
		},
		{
			name:      "empty formatter output",
			renderer:  Sync(syncFail),
			opts:      []Option{WithErrorFormatter(func(error) string { return "" })},
			wantError: "unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := start(t, NewServer(tt.renderer, tt.opts...))
			resp := roundTrip(t, addr, "req-1")
			assert.Equal(t, "req-1", resp.ID)

			if tt.wantError != "" {
				assert.True(t, resp.Failed())
				assert.Equal(t, tt.wantError, resp.Error)
				assert.Empty(t, resp.Rendered)
				return
			}
			assert.False(t, resp.Failed())
			var got string
			require.NoError(t, resp.Decode(&got))
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestPanicBecomesErrorResponse(t *testing.T) {
	for name, r := range map[string]Renderer{
		"sync":  Sync(func(json.RawMessage, json.RawMessage) (any, error) { panic("kaboom") }),
		"async": Async(func(json.RawMessage, json.RawMessage, DoneFunc) { panic("kaboom") }),
	} {
		t.Run(name, func(t *testing.T) {
			addr := start(t, NewServer(r))
			resp := roundTrip(t, addr, "p")
			assert.Equal(t, "kaboom", resp.Error)

			// The server survives and keeps rendering.
			resp = roundTrip(t, addr, "q")
			assert.Equal(t, "q", resp.ID)
		})
	}
}

func TestAsyncDoneCalledTwice(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svr := NewServer(Async(func(conn, data json.RawMessage, done DoneFunc) {
		done(nil, "first")
		done(nil, "second")
	}), WithLogger(zap.New(core)))
	addr := start(t, svr)

	conn := dial(t, addr)
	send(t, conn, "twice", route{}, visitor{})
	resp := receive(t, conn)
	var got string
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, "first", got)

	// Only one response is ever written for the request.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("render done called more than once").Len())
}

func TestResponsesFollowCompletionOrder(t *testing.T) {
	svr := NewServer(Async(func(conn, data json.RawMessage, done DoneFunc) {
		var v visitor
		_ = json.Unmarshal(data, &v)
		delay := 0 * time.Millisecond
		if v.Name == "slow" {
			delay = 150 * time.Millisecond
		}
		time.AfterFunc(delay, func() { done(nil, v.Name) })
	}))
	addr := start(t, svr)

	conn := dial(t, addr)
	send(t, conn, "1", route{}, visitor{Name: "slow"})
	send(t, conn, "2", route{}, visitor{Name: "fast"})

	assert.Equal(t, "2", receive(t, conn).ID)
	assert.Equal(t, "1", receive(t, conn).ID)
}

func TestMalformedRequestClosesOnlyItsConnection(t *testing.T) {
	addr := start(t, NewServer(Sync(syncOK)))

	healthy := dial(t, addr)
	bad := dial(t, addr)

	require.NoError(t, protocol.Encode(bad, []byte("definitely not json")))
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(bad)
	assert.Error(t, err, "server should close the offending connection")

	send(t, healthy, "still-here", route{Path: "/ok"}, visitor{Name: "you"})
	resp := receive(t, healthy)
	assert.Equal(t, "still-here", resp.ID)
	assert.False(t, resp.Failed())
}

func TestMissingIDIsMalformed(t *testing.T) {
	addr := start(t, NewServer(Sync(syncOK)))
	conn := dial(t, addr)

	require.NoError(t, protocol.Encode(conn, []byte(`{"conn":{},"data":{}}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
}

func TestKeepaliveIgnored(t *testing.T) {
	var renders atomic.Int32
	addr := start(t, NewServer(Sync(func(conn, data json.RawMessage) (any, error) {
		renders.Add(1)
		return "ok", nil
	})))
	conn := dial(t, addr)

	require.NoError(t, protocol.Encode(conn, nil))
	require.NoError(t, protocol.Encode(conn, nil))
	send(t, conn, "after-keepalive", route{}, visitor{})

	assert.Equal(t, "after-keepalive", receive(t, conn).ID)
	assert.Equal(t, int32(1), renders.Load())
}

func TestCloseKeepsAcceptedConnections(t *testing.T) {
	svr := NewServer(Sync(syncOK))
	addr := start(t, svr)
	conn := dial(t, addr)

	require.NoError(t, svr.Close())

	send(t, conn, "after-close", route{Path: "/late"}, visitor{Name: "still"})
	resp := receive(t, conn)
	var got string
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, "Hello, still! You went to /late.", got)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestShutdownWaitsForRenders(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr := NewServer(Sync(func(conn, data json.RawMessage) (any, error) {
		close(started)
		<-release
		return "done", nil
	}))
	addr := start(t, svr)
	conn := dial(t, addr)
	send(t, conn, "slow", route{}, visitor{})
	<-started

	errc := make(chan error, 1)
	go func() { errc <- svr.Shutdown(2 * time.Second) }()

	select {
	case <-errc:
		t.Fatal("shutdown returned before the render finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	assert.NoError(t, <-errc)
	assert.Equal(t, "slow", receive(t, conn).ID)
}

func TestShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	svr := NewServer(Sync(func(conn, data json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	addr := start(t, svr)
	send(t, dial(t, addr), "stuck", route{}, visitor{})
	<-started

	assert.Error(t, svr.Shutdown(20*time.Millisecond))
}

func TestMiddlewareWrapsRenders(t *testing.T) {
	svr := NewServer(Sync(syncOK))
	seen := make(chan string, 1)
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			seen <- req.ID
			v, err := next(ctx, req)
			return fmt.Sprintf("[%v]", v), err
		}
	})
	addr := start(t, svr)

	resp := roundTrip(t, addr, "mw")
	var got string
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, "[Hello, world! You went to /0.]", got)
	assert.Equal(t, "mw", <-seen)
}

func TestRegistryAdvertisement(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(Sync(syncOK), WithRegistry(reg, "greeter", "10.0.0.1:7000", 0))
	start(t, svr)

	insts, err := reg.Discover(context.Background(), "greeter")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "10.0.0.1:7000", insts[0].Addr)

	require.NoError(t, svr.Shutdown(time.Second))
	insts, err = reg.Discover(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestListenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.sock")
	svr := NewServer(Sync(syncOK))
	ready := make(chan net.Addr, 1)
	go svr.Listen("unix", path, func(addr net.Addr) { ready <- addr })
	defer svr.Close()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, "unix", route{Path: "/sock"}, visitor{Name: "local"})
	assert.Equal(t, "unix", receive(t, conn).ID)
}

func TestListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = NewServer(Sync(syncOK)).Listen("tcp", l.Addr().String(), func(net.Addr) {
		t.Error("onReady must not run when bind fails")
	})
	assert.Error(t, err)
}

func TestCloseBeforeServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svr := NewServer(Sync(syncOK))
	require.NoError(t, svr.Close())

	errc := make(chan error, 1)
	go func() {
		errc <- svr.Serve(l, func(net.Addr) { t.Error("onReady must not run after Close") })
	}()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept accepting after Close")
	}

	_, err = net.DialTimeout("tcp", l.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestShutdownRefusesNewRequests(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	svr := NewServer(Sync(func(conn, data json.RawMessage) (any, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	}))
	addr := start(t, svr)
	conn := dial(t, addr)
	send(t, conn, "in-flight", route{}, visitor{})
	<-started

	errc := make(chan error, 1)
	go func() { errc <- svr.Shutdown(2 * time.Second) }()

	// Once the listener is gone the server is draining.
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, "too-late", route{}, visitor{})
	resp := receive(t, conn)
	assert.Equal(t, "too-late", resp.ID)
	assert.Equal(t, ErrShuttingDown.Error(), resp.Error)

	close(release)
	assert.NoError(t, <-errc)
	assert.Equal(t, "in-flight", receive(t, conn).ID)
}

func TestUseAfterServeIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svr := NewServer(Sync(syncOK), WithLogger(zap.New(core)))
	addr := start(t, svr)

	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			return "wrapped", nil
		}
	})

	var got string
	require.NoError(t, roundTrip(t, addr, "u").Decode(&got))
	assert.Equal(t, "Hello, world! You went to /0.", got)
	assert.Equal(t, 1, logs.FilterMessage("middleware registered after Serve is ignored").Len())
}
