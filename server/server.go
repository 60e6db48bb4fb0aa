// Package server implements the frame-rpc server: it decodes requests from each connection,
// renders them with the application's handler, and writes back exactly one response per request.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads bytes → Decoder)
//	  → for each decoded frame: go handleRequest (parallel rendering)
//	    → Codec.Decode → Middleware Chain → render handler → Codec.Encode → write response
//
// Renders on one connection finish independently, so responses are written in completion
// order, not arrival order. Clients correlate them by id.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"frame-rpc/codec"
	"frame-rpc/logging"
	"frame-rpc/loop"
	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/protocol"
	"frame-rpc/registry"
	"frame-rpc/rpcerror"
)

const readBufferSize = 32 * 1024

// ErrShuttingDown is rendered for requests that arrive after Shutdown has begun.
var ErrShuttingDown = errors.New("server shutting down")

// Server renders requests arriving on any number of connections.
type Server struct {
	renderer    Renderer
	opts        options
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(render)))

	mu       sync.Mutex
	listener net.Listener
	serving  bool // Serve has built the handler; later Use calls have no effect
	draining bool // Shutdown is waiting on wg; new requests are refused

	wg       sync.WaitGroup // Tracks in-flight renders for graceful shutdown
	shutdown atomic.Bool    // Set before closing the listener to suppress the Accept error
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a server that renders with r.
func NewServer(r Renderer, opt ...Option) *Server {
	opts := options{
		formatter: defaultFormatter,
		codec:     codec.Default,
	}
	for _, o := range opt {
		o(&opts)
	}
	opts.logger = logging.OrNop(opts.logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		renderer: r,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
// The chain is built when Serve starts, so Use must be called before Listen or Serve;
// later calls are logged and ignored.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.serving {
		svr.opts.logger.Warn("middleware registered after Serve is ignored")
		return
	}
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds address and serves it until Close. onReady, if non-nil, is called with the
// bound address once the server is accepting, on its own goroutine.
func (svr *Server) Listen(network, address string, onReady func(net.Addr)) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(listener, onReady)
}

// Serve accepts connections on an externally created listener until Close.
func (svr *Server) Serve(listener net.Listener, onReady func(net.Addr)) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		// Close ran before Serve got here; there is nothing to serve.
		svr.mu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.serving = true
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.renderer.handlerFunc(svr.opts.logger))
	svr.mu.Unlock()

	if reg := svr.opts.registry; reg != nil {
		err := reg.Register(svr.ctx, svr.opts.serviceName, registry.ServiceInstance{
			Addr:    svr.opts.advertiseAddr,
			Network: listener.Addr().Network(),
		}, svr.opts.ttl) // KeepAlive renews the lease automatically
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", svr.opts.serviceName, err)
		}
	}

	svr.opts.logger.Info("server listening", zap.Stringer("addr", listener.Addr()))
	if onReady != nil {
		go onReady(listener.Addr())
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn processes a single connection.
// One goroutine reads (byte order matters to the decoder); each decoded request is rendered
// on its own goroutine. writeMu is shared by all renders on this connection so response
// frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	log := svr.opts.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Debug("connection accepted")

	sched := loop.New()
	defer sched.Close()

	writeMu := &sync.Mutex{}
	broken := false // Only touched on sched, so no lock
	d := protocol.NewDecoder(sched, func(payload []byte) {
		if broken {
			return
		}
		if len(payload) == 0 {
			return // keepalive
		}
		var req message.Request
		if err := svr.opts.codec.Decode(payload, &req); err != nil || req.ID == "" {
			if err == nil {
				err = errors.New("missing request id")
			}
			// A malformed request poisons only its own connection.
			log.Warn("closing connection on malformed request", zap.Error(rpcerror.Decode(err, "request")))
			broken = true
			conn.Close()
			return
		}
		// Add under mu so it can never race Shutdown's wg.Wait.
		svr.mu.Lock()
		if svr.draining {
			svr.mu.Unlock()
			go svr.reject(conn, writeMu, &req, log)
			return
		}
		svr.wg.Add(1)
		svr.mu.Unlock()
		go svr.handleRequest(conn, writeMu, &req, log)
	})

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err != nil {
			log.Debug("connection closed", zap.Error(err))
			return
		}
	}
}

// handleRequest renders one request and writes its single response.
func (svr *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, req *message.Request, log *zap.Logger) {
	defer svr.wg.Done()

	value, err := svr.handler(svr.ctx, req)
	svr.respond(conn, writeMu, req.ID, value, err, log)
}

// reject answers a request that arrived during Shutdown without rendering it.
func (svr *Server) reject(conn net.Conn, writeMu *sync.Mutex, req *message.Request, log *zap.Logger) {
	svr.respond(conn, writeMu, req.ID, nil, ErrShuttingDown, log)
}

// respond writes the single response for request id.
func (svr *Server) respond(conn net.Conn, writeMu *sync.Mutex, id string, value any, err error, log *zap.Logger) {
	var resp *message.Response
	if err == nil {
		resp, err = message.Rendered(id, value)
		if err != nil {
			err = fmt.Errorf("encode rendered value: %w", err)
		}
	}
	if err != nil {
		resp = message.Errored(id, svr.format(err))
	}

	body, err := svr.opts.codec.Encode(resp)
	if err != nil {
		log.Error("failed to encode response", zap.String("id", id), zap.Error(err))
		body, _ = svr.opts.codec.Encode(message.Errored(id, svr.format(err)))
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, body); err != nil {
		log.Debug("failed to write response", zap.String("id", id), zap.Error(err))
	}
}

// format renders err through the configured formatter. An empty result would turn the
// response into a success, so it is replaced.
func (svr *Server) format(err error) string {
	if s := svr.opts.formatter(err); s != "" {
		return s
	}
	return "unknown error"
}

// Close stops accepting new connections. Connections already accepted stay open and keep
// being served until their peers close them. A Close before Serve makes Serve return at once.
func (svr *Server) Close() error {
	svr.mu.Lock()
	svr.shutdown.Store(true)
	l := svr.listener
	svr.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Shutdown performs graceful shutdown:
//  0. Answer requests arriving from now on with ErrShuttingDown
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight renders to finish (with timeout)
//  4. Cancel the context seen by renders still running
func (svr *Server) Shutdown(timeout time.Duration) error {
	defer svr.cancel()

	svr.mu.Lock()
	svr.draining = true
	svr.mu.Unlock()

	if reg := svr.opts.registry; reg != nil {
		if err := reg.Deregister(svr.ctx, svr.opts.serviceName, svr.opts.advertiseAddr); err != nil {
			svr.opts.logger.Warn("deregister failed", zap.String("service", svr.opts.serviceName), zap.Error(err))
		}
	}

	if err := svr.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil // All renders completed
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing renders to finish")
	}
}
