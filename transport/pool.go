package transport

import (
	"sync"
)

// poolKey identifies a shareable HTTP client by its proxy settings.
type poolKey struct {
	addr string
	user string
	pass string
}

type poolEntry struct {
	client *HTTPClient
	refs   int
}

// Pool shares HTTP clients across notifiers with the same proxy settings.
// Acquire/Release are reference counted: a reconfigure that changes proxy
// settings releases the old client and acquires a new one.
type Pool struct {
	mu      sync.Mutex
	entries map[poolKey]*poolEntry
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[poolKey]*poolEntry)}
}

// Acquire returns the shared client for the options' proxy triple, creating
// it on first use.
func (p *Pool) Acquire(opts Options) (*HTTPClient, error) {
	key := poolKey{addr: opts.ProxyAddress, user: opts.ProxyUser, pass: opts.ProxyPassword}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		e.refs++
		return e.client, nil
	}

	client, err := NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	p.entries[key] = &poolEntry{client: client, refs: 1}
	return client, nil
}

// Release drops one reference to the client; the pool entry is removed when
// the last holder lets go.
func (p *Pool) Release(client *HTTPClient) {
	if client == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.entries {
		if e.client == client {
			e.refs--
			if e.refs <= 0 {
				delete(p.entries, key)
			}
			return
		}
	}
}

// Size returns the number of live pooled clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
