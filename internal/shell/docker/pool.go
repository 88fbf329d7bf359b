package docker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ConnectFunc creates a client for an endpoint.
type ConnectFunc func(ctx context.Context, ep Endpoint) (Client, error)

// Pool caches one client per host address for the lifetime of a run.
type Pool struct {
	clients map[string]Client // address -> client
	connect ConnectFunc
	dials   singleflight.Group // address -> in-flight connect
	mu      sync.RWMutex
}

// NewPool creates a pool that creates clients with connect.
func NewPool(connect ConnectFunc) *Pool {
	return &Pool{
		clients: make(map[string]Client),
		connect: connect,
	}
}

// NewDefaultPool creates a pool backed by Connect.
func NewDefaultPool(opts ConnectOptions) *Pool {
	return NewPool(func(ctx context.Context, ep Endpoint) (Client, error) {
		return Connect(ctx, ep, opts)
	})
}

// Get returns the client for ep.Address, creating it on first use.
// Concurrent first uses of one address share a single connect; different
// addresses connect in parallel.
func (p *Pool) Get(ctx context.Context, ep Endpoint) (Client, error) {
	if client, ok := p.cached(ep.Address); ok {
		return client, nil
	}

	v, err, _ := p.dials.Do(ep.Address, func() (any, error) {
		if client, ok := p.cached(ep.Address); ok {
			return client, nil
		}

		client, err := p.connect(ctx, ep)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", ep.Address, err)
		}

		p.mu.Lock()
		p.clients[ep.Address] = client
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (p *Pool) cached(address string) (Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[address]
	return client, ok
}

// Remove closes and forgets the client for address. The next Get connects
// again.
func (p *Pool) Remove(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, exists := p.clients[address]
	if !exists {
		return nil
	}

	delete(p.clients, address)
	return client.Close()
}

// CloseAll closes every cached client.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for address, client := range p.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client for %s: %w", address, err)
		}
		delete(p.clients, address)
	}

	return firstErr
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
