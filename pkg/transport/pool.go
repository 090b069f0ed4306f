package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTransportUnavailable is returned when an endpoint's in-flight quota is
// exhausted or the pool has been closed.
var ErrTransportUnavailable = errors.New("transport unavailable: endpoint quota exhausted")

// PoolConfig tunes the connection pool. Zero values fall back to defaults.
type PoolConfig struct {
	// MaxInFlight bounds concurrent requests per endpoint.
	MaxInFlight int64

	// ConnectTimeout bounds TCP connect + TLS handshake.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers.
	ReadTimeout time.Duration

	// TotalTimeout bounds a whole RPC call including the body. Streaming
	// requests are exempt so SSE connections can outlive it.
	TotalTimeout time.Duration

	// MaxIdlePerEndpoint bounds kept-alive idle connections per endpoint.
	MaxIdlePerEndpoint int
}

// DefaultPoolConfig returns the standard pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxInFlight:        20,
		ConnectTimeout:     30 * time.Second,
		ReadTimeout:        120 * time.Second,
		TotalTimeout:       120 * time.Second,
		MaxIdlePerEndpoint: 10,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = d.TotalTimeout
	}
	if c.MaxIdlePerEndpoint <= 0 {
		c.MaxIdlePerEndpoint = d.MaxIdlePerEndpoint
	}
	return c
}

// endpointClients holds the long-lived clients for one endpoint. rpc carries
// the total-call timeout; stream has none so SSE reads are unbounded while
// connect and header timeouts still apply.
type endpointClients struct {
	transport *http.Transport
	rpc       *http.Client
	stream    *http.Client
	inflight  *semaphore.Weighted
}

// Pool maps endpoint -> keep-alive HTTP clients with a per-endpoint
// in-flight quota. Safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*endpointClients
	config  PoolConfig
	closed  bool
}

// NewPool creates an empty pool.
func NewPool(config PoolConfig) *Pool {
	return &Pool{
		clients: make(map[string]*endpointClients),
		config:  config.withDefaults(),
	}
}

// Lease is a borrowed client plus the quota release. Callers must call
// Release exactly once when the request (including body/stream consumption)
// is finished.
type Lease struct {
	Client  *http.Client
	release func()
}

// Release returns the in-flight permit to the endpoint.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// Acquire leases the RPC client for the endpoint. It fails fast with
// ErrTransportUnavailable when the endpoint's quota is exhausted.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*Lease, error) {
	return p.acquire(ctx, endpoint, false)
}

// AcquireStream leases the streaming client (no total timeout) for the
// endpoint under the same quota.
func (p *Pool) AcquireStream(ctx context.Context, endpoint string) (*Lease, error) {
	return p.acquire(ctx, endpoint, true)
}

func (p *Pool) acquire(ctx context.Context, endpoint string, stream bool) (*Lease, error) {
	ec, err := p.forEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ec.inflight.TryAcquire(1) {
		return nil, ErrTransportUnavailable
	}

	client := ec.rpc
	if stream {
		client = ec.stream
	}
	return &Lease{
		Client:  client,
		release: func() { ec.inflight.Release(1) },
	}, nil
}

func (p *Pool) forEndpoint(endpoint string) (*endpointClients, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrTransportUnavailable
	}
	ec, ok := p.clients[endpoint]
	p.mu.RUnlock()
	if ok {
		return ec, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrTransportUnavailable
	}
	if ec, ok := p.clients[endpoint]; ok {
		return ec, nil
	}

	ec = p.newEndpointClients()
	p.clients[endpoint] = ec
	return ec, nil
}

func (p *Pool) newEndpointClients() *endpointClients {
	dialer := &net.Dialer{
		Timeout:   p.config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   p.config.ConnectTimeout,
		ResponseHeaderTimeout: p.config.ReadTimeout,
		MaxIdleConnsPerHost:   p.config.MaxIdlePerEndpoint,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &endpointClients{
		transport: tr,
		rpc:       &http.Client{Transport: tr, Timeout: p.config.TotalTimeout},
		stream:    &http.Client{Transport: tr},
		inflight:  semaphore.NewWeighted(p.config.MaxInFlight),
	}
}

// Endpoints returns the endpoints with live clients.
func (p *Pool) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	endpoints := make([]string, 0, len(p.clients))
	for endpoint := range p.clients {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// Close drops every endpoint's idle connections and rejects further leases.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ec := range p.clients {
		ec.transport.CloseIdleConnections()
	}
	p.clients = make(map[string]*endpointClients)
}

// IsTimeout reports whether err is a deadline failure, distinguishable from
// other transport errors.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
