package backend

import (
	"context"
	"fmt"
	"sync"
)

// Backend is the model collaborator boundary: one streaming call taking a
// conversation snapshot and returning typed deltas followed by one final
// aggregated response. The turn executor depends only on this shape, never
// on a provider wire format.
type Backend interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Stream opens a streaming call. The returned channel yields deltas in
	// emission order and is closed after DeltaFinish or DeltaError.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Closer is implemented by backends that hold resources.
type Closer interface {
	Close() error
}

// Client routes requests to registered backends by provider name.
type Client struct {
	mu              sync.RWMutex
	backends        map[string]Backend
	defaultProvider string
}

// NewClient creates an empty Client.
func NewClient() *Client {
	return &Client{backends: make(map[string]Backend)}
}

// Register adds a backend. The first registered backend becomes the default.
func (c *Client) Register(b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[b.Name()] = b
	if c.defaultProvider == "" {
		c.defaultProvider = b.Name()
	}
}

// SetDefault changes the default provider.
func (c *Client) SetDefault(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backends[name]; !ok {
		return &ConfigurationError{BaseError: BaseError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	c.defaultProvider = name
	return nil
}

// Providers returns the names of all registered backends.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	return names
}

// resolve determines which backend serves a request.
func (c *Client) resolve(req Request) (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{BaseError: BaseError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	b, ok := c.backends[name]
	if !ok {
		return nil, &ConfigurationError{BaseError: BaseError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return b, nil
}

// Stream routes a streaming request to the resolved backend.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	b, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = b.Name()
	}
	return b.Stream(ctx, req)
}

// Close releases resources held by all registered backends.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, b := range c.backends {
		if closer, ok := b.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewClientFromEnv creates a Client by probing environment variables for API
// keys and registering a gollm-backed backend for each detected provider.
func NewClientFromEnv() *Client {
	c := NewClient()
	for _, provider := range []string{"anthropic", "openai"} {
		b, err := NewGollmBackend(provider, "")
		if err == nil {
			c.Register(b)
		}
	}
	return c
}
