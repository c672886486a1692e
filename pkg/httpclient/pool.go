package httpclient

import (
	"net/http"
	"sync"
	"time"
)

// Pool caches one Client per base URL so keep-alive connections are shared
// across requests. Pools outlive individual requests; Close is only called
// on shutdown. A closed pool transparently recreates clients on next use.
type Pool struct {
	mu          sync.Mutex
	clients     map[string]*Client
	maxConns    int
	timeout     time.Duration
	parser      RateLimitHeaderParser
	closed      bool
	constructor func(baseURL string) *Client
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithPoolMaxConns(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

func WithPoolTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPoolHeaderParser(parser RateLimitHeaderParser) PoolOption {
	return func(p *Pool) {
		p.parser = parser
	}
}

// NewPool creates a client pool with bounded per-host connections.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		clients:  make(map[string]*Client),
		maxConns: 100,
		timeout:  120 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.constructor = func(baseURL string) *Client {
		transport := &http.Transport{
			MaxIdleConns:        p.maxConns,
			MaxIdleConnsPerHost: p.maxConns,
			MaxConnsPerHost:     p.maxConns,
			IdleConnTimeout:     90 * time.Second,
		}
		return New(
			WithHTTPClient(&http.Client{
				Timeout:   p.timeout,
				Transport: transport,
			}),
			WithHeaderParser(p.parser),
		)
	}

	return p
}

// Get returns the shared client for baseURL, creating it once. The
// check-and-set is guarded so concurrent callers observe the same client.
func (p *Pool) Get(baseURL string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		// Recreated at most once per caller after shutdown.
		p.clients = make(map[string]*Client)
		p.closed = false
	}

	if client, ok := p.clients[baseURL]; ok {
		return client
	}

	client := p.constructor(baseURL)
	p.clients[baseURL] = client
	return client
}

// Close drops all cached clients and closes their idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, client := range p.clients {
		if transport, ok := client.client.Transport.(*http.Transport); ok && transport != nil {
			transport.CloseIdleConnections()
		}
	}
	p.clients = make(map[string]*Client)
	p.closed = true
}

// Len reports the number of cached clients (used by tests and the status probe).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
