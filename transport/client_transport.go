// Package transport implements the client side of frame-rpc: many concurrent requests
// multiplexed over one connection, correlated by id.
//
// Each request gets a fresh correlation id. A background goroutine (readLoop) feeds every
// inbound byte into a protocol.Decoder; each decoded response is routed to the caller that
// registered its id in the pending table.
//
//	caller-1 ──Send(id=a)──┐
//	caller-2 ──Send(id=b)──┼──→ single conn ──→ Server
//	caller-3 ──Send(id=c)──┘
//
//	readLoop: bytes → Decoder → response(id=b) → pending[b] → callback b (on the scheduler)
//
// Every request ends in exactly one outcome delivered to its callback: the matching
// response, or a timeout. The response path and the timeout path both remove the pending
// entry under one lock, so whichever runs second finds nothing and does nothing.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"frame-rpc/logging"
	"frame-rpc/loop"
	"frame-rpc/message"
	"frame-rpc/protocol"
	"frame-rpc/rpcerror"
)

// DefaultTimeout is how long a request waits for its response unless WithTimeout says otherwise.
const DefaultTimeout = 5 * time.Second

const readBufferSize = 32 * 1024

// ErrClosed is returned by Send after Close.
var ErrClosed = rpcerror.Closed("transport")

// Callback receives the outcome of one request. Exactly one of err and resp is non-nil.
// A response the server rendered as an error arrives with err == nil and resp.Failed() == true.
type Callback func(err error, resp *message.Response)

type pendingCall struct {
	cb    Callback
	timer *time.Timer
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	opts  options
	sched *loop.Loop

	sending sync.Mutex // Serializes writes so frames from different requests never interleave

	mu       sync.Mutex              // Guards everything below
	conn     net.Conn                // nil until the connection is ready
	ready    bool                    // Connection is writable; queue has been flushed
	queue    []byte                  // Frames sent before ready, flushed in one write
	pending  map[string]*pendingCall // id → waiting caller
	closed   bool
	sendErr  error // Sticky failure from dial or flush; later sends fail fast
	readDone chan struct{}
}

// NewClientTransport wraps an already-open connection. It is ready immediately.
func NewClientTransport(conn net.Conn, opt ...Option) *ClientTransport {
	t := newClientTransport(opt)
	t.onReady(conn)
	return t
}

// DialClientTransport returns immediately and connects in the background.
// Requests sent before the connection is established are queued and flushed
// in a single write once it is.
func DialClientTransport(ctx context.Context, network, address string, opt ...Option) *ClientTransport {
	t := newClientTransport(opt)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			t.opts.logger.Warn("dial failed", zap.String("network", network), zap.String("address", address), zap.Error(err))
			t.fail(rpcerror.Transport("", err))
			return
		}
		t.onReady(conn)
	}()
	return t
}

func newClientTransport(opt []Option) *ClientTransport {
	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	opts.logger = logging.OrNop(opts.logger)
	return &ClientTransport{
		opts:     opts,
		sched:    loop.New(),
		pending:  make(map[string]*pendingCall),
		readDone: make(chan struct{}),
	}
}

// Send builds a request with a fresh id, frames it, and writes it (or queues it while the
// connection is not ready yet). The request is returned synchronously so the caller may
// inspect its id; cb runs later on the transport's scheduler, never inside Send.
//
// If Send returns an error, cb is never called.
func (t *ClientTransport) Send(conn, data any, cb Callback) (*message.Request, error) {
	req, err := message.NewRequest(uuid.NewString(), conn, data)
	if err != nil {
		return nil, err
	}
	body, err := t.opts.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	frame := protocol.AppendFrame(make([]byte, 0, protocol.LengthSize+len(body)), body)

	t.sending.Lock()
	defer t.sending.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return nil, err
	}

	// Register BEFORE writing so a fast response can never beat its pending entry.
	id := req.ID
	t.pending[id] = &pendingCall{
		cb: cb,
		timer: time.AfterFunc(t.opts.timeout, func() {
			t.finish(id, rpcerror.Timeout(id), nil)
		}),
	}

	if !t.ready {
		t.queue = append(t.queue, frame...)
		t.mu.Unlock()
		return req, nil
	}
	c := t.conn
	t.mu.Unlock()

	if _, err := c.Write(frame); err != nil {
		if !t.forget(id) {
			// The write outlived the timeout, which already delivered this request's outcome.
			t.opts.logger.Debug("write failed after timeout", zap.String("id", id), zap.Error(err))
			return req, nil
		}
		return nil, rpcerror.Transport(id, err)
	}
	return req, nil
}

// Call sends one request and blocks until its outcome arrives or ctx is done.
// A server-rendered error is returned as a *rpcerror.Error of KindHandler.
// Cancelling ctx does not cancel the request; it still ends by response or timeout.
func (t *ClientTransport) Call(ctx context.Context, conn, data any) (*message.Response, error) {
	type outcome struct {
		err  error
		resp *message.Response
	}
	ch := make(chan outcome, 1) // Buffered so the scheduler never blocks on an abandoned call
	if _, err := t.Send(conn, data, func(err error, resp *message.Response) {
		ch <- outcome{err, resp}
	}); err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		if o.resp.Failed() {
			return o.resp, rpcerror.Handler(o.resp.ID, errors.New(o.resp.Error))
		}
		return o.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection immediately. Queued frames are not flushed and pending
// requests are not failed: each is left to reach its timeout.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.queue = nil
	c := t.conn
	drained := len(t.pending) == 0
	t.mu.Unlock()

	if drained {
		t.sched.Close()
	}
	if c != nil {
		return c.Close()
	}
	return nil
}

// Pending returns the number of requests still waiting for an outcome.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Ready reports whether the connection has been established and the queue flushed.
func (t *ClientTransport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Conn returns the underlying connection, or nil while dialing.
func (t *ClientTransport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// onReady installs conn, flushes the outbound queue in one write, and starts the read loop.
func (t *ClientTransport) onReady(conn net.Conn) {
	t.sending.Lock()
	defer t.sending.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	q := t.queue
	t.queue = nil
	t.ready = true
	t.mu.Unlock()

	if len(q) > 0 {
		if _, err := conn.Write(q); err != nil {
			t.opts.logger.Warn("flush queued requests failed", zap.Int("bytes", len(q)), zap.Error(err))
			conn.Close()
			t.fail(rpcerror.Transport("", err))
			return
		}
	}

	go t.readLoop(conn)
	if t.opts.heartbeat > 0 {
		go t.heartbeatLoop(conn, t.opts.heartbeat)
	}
}

// readLoop runs in a dedicated goroutine and feeds every inbound byte to the decoder.
// A single reader keeps the byte order intact, which the decoder relies on.
func (t *ClientTransport) readLoop(conn net.Conn) {
	defer close(t.readDone)

	d := protocol.NewDecoder(t.sched, t.onFrame)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if !errors.Is(err, io.EOF) {
				t.opts.logger.Debug("read failed", zap.Error(err))
			}
			// The peer went away: nothing can answer the pending requests any more.
			t.fail(rpcerror.Transport("", err))
			return
		}
	}
}

// onFrame runs on the scheduler for every decoded inbound frame.
func (t *ClientTransport) onFrame(payload []byte) {
	if len(payload) == 0 {
		return // keepalive
	}
	var resp message.Response
	if err := t.opts.codec.Decode(payload, &resp); err != nil {
		t.opts.logger.Warn("dropping malformed response", zap.Error(rpcerror.Decode(err, "response")))
		return
	}
	if !t.finish(resp.ID, nil, &resp) {
		// Late response after a timeout, or an id we never sent. Expected race, not an error.
		t.opts.logger.Debug("dropping response for unknown request", zap.String("id", resp.ID))
	}
}

// finish removes id from the pending table and schedules its callback.
// It reports false if id was no longer pending.
func (t *ClientTransport) finish(id string, err error, resp *message.Response) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		p.timer.Stop()
		t.sched.Post(func() { p.cb(err, resp) })
	}
	drained := t.closed && len(t.pending) == 0
	t.mu.Unlock()

	if drained {
		t.sched.Close()
	}
	return ok
}

// forget removes id without running its callback. It reports false if id was no longer
// pending, meaning its callback has already been scheduled.
func (t *ClientTransport) forget(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		p.timer.Stop()
	}
	drained := t.closed && len(t.pending) == 0
	t.mu.Unlock()

	if drained {
		t.sched.Close()
	}
	return ok
}

// fail delivers cause to every pending request and makes later sends fail fast.
func (t *ClientTransport) fail(cause *rpcerror.Error) {
	t.mu.Lock()
	t.sendErr = cause
	t.queue = nil
	for id, p := range t.pending {
		delete(t.pending, id)
		p.timer.Stop()
		err := &rpcerror.Error{Kind: cause.Kind, ID: id, Err: cause.Err}
		cb := p.cb
		t.sched.Post(func() { cb(err, nil) })
	}
	closed := t.closed
	t.mu.Unlock()

	if closed {
		t.sched.Close()
	}
}

// heartbeatLoop writes an empty frame every interval. Servers treat an empty payload as a
// keepalive, so idle connections are not reaped by middleboxes.
func (t *ClientTransport) heartbeatLoop(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	keepalive := protocol.AppendFrame(nil, nil)
	for {
		select {
		case <-t.readDone:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		_, err := conn.Write(keepalive)
		t.sending.Unlock()
		if err != nil {
			return // Connection broken, exit heartbeat loop
		}
	}
}
