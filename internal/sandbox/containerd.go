package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Client wraps the containerd client with reconnection and an image cache
// shared by all executions.
type Client struct {
	socket    string
	namespace string

	mu      sync.RWMutex
	inner   *containerd.Client
	images  map[string]containerd.Image
	version string
	closed  bool

	pulls singleflight.Group
}

func dial(ctx context.Context, socket, namespace string) (*containerd.Client, string, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: connecting to %s: %v", ErrContainerdDown, socket, err)
	}
	v, err := inner.Version(ctx)
	if err != nil {
		_ = inner.Close()
		return nil, "", fmt.Errorf("%w: health check: %v", ErrContainerdDown, err)
	}
	return inner, v.Version, nil
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, version, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Str("version", version).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
		version:   version,
		images:    make(map[string]containerd.Image),
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// EnsureConnected reconnects when the current connection is dead. Cached
// images belong to the old connection and are dropped.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.Healthy(ctx) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	inner, version, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return fmt.Errorf("reconnecting to containerd: %w", err)
	}
	_ = c.inner.Close()
	c.inner = inner
	c.version = version
	c.images = make(map[string]containerd.Image)

	log.Info().Str("version", version).Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage returns ref from the cache, the local content store, or the
// registry, in that order. Concurrent pulls of one ref share a single
// registry round trip.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.RLock()
	image, ok := c.images[ref]
	c.mu.RUnlock()
	if ok {
		return image, nil
	}

	v, err, _ := c.pulls.Do(ref, func() (any, error) {
		nsCtx := c.WithNamespace(ctx)
		inner := c.Raw()

		image, err := inner.GetImage(nsCtx, ref)
		if err != nil {
			log.Info().Str("ref", ref).Msg("pulling strategy image")
			image, err = inner.Pull(nsCtx, ref, containerd.WithPullUnpack)
			if err != nil {
				return nil, fmt.Errorf("pulling image %s: %w", ref, err)
			}
			log.Info().Str("ref", ref).Msg("strategy image pulled")
		}

		c.mu.Lock()
		c.images[ref] = image
		c.mu.Unlock()
		return image, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(containerd.Image), nil
}
