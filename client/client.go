// Package client routes render requests to servers found through a registry.
//
// For every request the client discovers the service's instances, lets the balancer pick
// one (keyed by the request's conn context, so consistent hashing keeps a context on one
// server), and sends on a pooled ClientTransport to that instance. Transports multiplex,
// so a small pool per address carries any number of concurrent requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"frame-rpc/loadbalance"
	"frame-rpc/logging"
	"frame-rpc/message"
	"frame-rpc/registry"
	"frame-rpc/rpcerror"
	"frame-rpc/transport"
)

// ErrClosed is returned after Close.
var ErrClosed = rpcerror.Closed("client")

type pool struct {
	transports []*transport.ClientTransport
	next       atomic.Uint64
}

func (p *pool) pick() *transport.ClientTransport {
	return p.transports[(p.next.Add(1)-1)%uint64(len(p.transports))]
}

// Client is a discovery-aware front end over per-address transport pools.
type Client struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	serviceName string
	poolSize    int
	topts       []transport.Option
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pools     map[string]*pool // address → transports
	instances []registry.ServiceInstance
	watching  bool
	closed    bool
}

// NewClient creates a client for serviceName. poolSize below 1 means 1.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, serviceName string, poolSize int, logger *zap.Logger, topts ...transport.Option) *Client {
	if poolSize < 1 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		registry:    reg,
		balancer:    bal,
		serviceName: serviceName,
		poolSize:    poolSize,
		topts:       topts,
		logger:      logging.OrNop(logger),
		ctx:         ctx,
		cancel:      cancel,
		pools:       make(map[string]*pool),
	}
}

// Send routes one request and returns as soon as it is written or queued; cb receives the outcome.
func (c *Client) Send(ctx context.Context, conn, data any, cb transport.Callback) (*message.Request, error) {
	t, addr, err := c.route(ctx, conn)
	if err != nil {
		return nil, err
	}
	req, err := t.Send(conn, data, cb)
	if err != nil {
		c.evictOnTransportError(addr, err)
	}
	return req, err
}

// Call routes one request and blocks until its outcome arrives or ctx is done.
func (c *Client) Call(ctx context.Context, conn, data any) (*message.Response, error) {
	t, addr, err := c.route(ctx, conn)
	if err != nil {
		return nil, err
	}
	resp, err := t.Call(ctx, conn, data)
	if err != nil {
		c.evictOnTransportError(addr, err)
	}
	return resp, err
}

// route picks an instance for conn and returns a transport to it.
func (c *Client) route(ctx context.Context, conn any) (*transport.ClientTransport, string, error) {
	key, err := json.Marshal(conn)
	if err != nil {
		return nil, "", err
	}

	instances, err := c.discover(ctx)
	if err != nil {
		return nil, "", err
	}
	instance, err := c.balancer.Pick(instances, string(key))
	if err != nil {
		return nil, "", err
	}

	t, err := c.getTransport(ctx, *instance)
	if err != nil {
		return nil, "", err
	}
	return t, instance.Addr, nil
}

// discover returns the cached instance list, fetching it and starting a watch on first use.
func (c *Client) discover(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.instances != nil {
		insts := c.instances
		c.mu.Unlock()
		return insts, nil
	}
	c.mu.Unlock()

	insts, err := c.registry.Discover(ctx, c.serviceName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(insts) > 0 {
		c.instances = insts
	}
	if !c.watching {
		c.watching = true
		go c.watch()
	}
	return insts, nil
}

// watch keeps the instance cache current and closes pools of instances that disappeared.
func (c *Client) watch() {
	for insts := range c.registry.Watch(c.ctx, c.serviceName) {
		live := make(map[string]bool, len(insts))
		for _, inst := range insts {
			live[inst.Addr] = true
		}

		c.mu.Lock()
		c.instances = insts
		var gone []*pool
		for addr, p := range c.pools {
			if !live[addr] {
				gone = append(gone, p)
				delete(c.pools, addr)
			}
		}
		c.mu.Unlock()

		for _, p := range gone {
			closePool(p)
		}
		c.logger.Debug("instances updated", zap.String("service", c.serviceName), zap.Int("count", len(insts)))
	}
}

// getTransport returns a pooled transport for instance, dialing the pool on first use.
func (c *Client) getTransport(ctx context.Context, instance registry.ServiceInstance) (*transport.ClientTransport, error) {
	c.mu.Lock()
	p, ok := c.pools[instance.Addr]
	c.mu.Unlock()
	if ok {
		return p.pick(), nil
	}

	network := instance.Network
	if network == "" {
		network = "tcp"
	}

	// Dial the whole pool concurrently; one failure fails the lot.
	conns := make([]net.Conn, c.poolSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		g.Go(func() error {
			var d net.Dialer
			conn, err := d.DialContext(gctx, network, instance.Addr)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, rpcerror.Transport("", err)
	}

	p = &pool{transports: make([]*transport.ClientTransport, len(conns))}
	for i, conn := range conns {
		p.transports[i] = transport.NewClientTransport(conn, c.topts...)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		closePool(p)
		return nil, ErrClosed
	}
	if existing, ok := c.pools[instance.Addr]; ok {
		// Lost a race with another caller dialing the same address.
		c.mu.Unlock()
		closePool(p)
		return existing.pick(), nil
	}
	c.pools[instance.Addr] = p
	c.mu.Unlock()

	c.logger.Debug("dialed pool", zap.String("addr", instance.Addr), zap.Int("size", len(conns)))
	return p.pick(), nil
}

// evictOnTransportError drops the pool for addr when err says its connections are unusable,
// so the next request redials.
func (c *Client) evictOnTransportError(addr string, err error) {
	if rpcerror.KindOf(err) != rpcerror.KindTransport && !errors.Is(err, transport.ErrClosed) {
		return
	}
	c.mu.Lock()
	p, ok := c.pools[addr]
	delete(c.pools, addr)
	c.mu.Unlock()
	if ok {
		c.logger.Info("evicting broken pool", zap.String("addr", addr), zap.Error(err))
		closePool(p)
	}
}

// PendingByAddress reports pending requests summed over each address's pool.
func (c *Client) PendingByAddress() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.pools))
	for addr, p := range c.pools {
		for _, t := range p.transports {
			out[addr] += t.Pending()
		}
	}
	return out
}

// Close closes every pooled transport and stops watching the registry.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*pool)
	c.mu.Unlock()

	c.cancel()
	for _, p := range pools {
		closePool(p)
	}
	return nil
}

func closePool(p *pool) {
	for _, t := range p.transports {
		t.Close()
	}
}
