package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	dferrors "github.com/drblury/docflow/internal/runtime/errors"
)

// LoadObserver is notified after every store round trip.
type LoadObserver func(version string, took time.Duration, err error)

// Cache memoizes compiled schemas per version. Concurrent misses for the same
// version share one load. Failed loads are never stored, so a later call
// retries against the store.
type Cache struct {
	store    Store
	group    singleflight.Group
	observer LoadObserver

	mu      sync.RWMutex
	entries map[string]*Compiled
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithLoadObserver registers fn to observe store loads.
func WithLoadObserver(fn LoadObserver) CacheOption {
	return func(c *Cache) { c.observer = fn }
}

// NewCache returns an empty cache over store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	if store == nil {
		panic("docflow: schema store is required")
	}
	c := &Cache{store: store, entries: make(map[string]*Compiled)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the compiled schema for version, loading it on first use.
func (c *Cache) Get(ctx context.Context, version string) (*Compiled, error) {
	if compiled, ok := c.lookup(version); ok {
		return compiled, nil
	}

	v, err, _ := c.group.Do(version, func() (any, error) {
		if compiled, ok := c.lookup(version); ok {
			return compiled, nil
		}
		compiled, err := c.load(ctx, version)
		if err != nil {
			return nil, &dferrors.SchemaLoadError{Version: version, Err: err}
		}
		c.mu.Lock()
		c.entries[version] = compiled
		c.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Compiled), nil
}

func (c *Cache) lookup(version string) (*Compiled, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	compiled, ok := c.entries[version]
	return compiled, ok
}

func (c *Cache) load(ctx context.Context, version string) (compiled *Compiled, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer(version, time.Since(start), err)
		}
	}()

	raw, err := c.store.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	compiled, err = Compile(raw)
	if err != nil {
		return nil, err
	}
	if compiled.Version != "" && compiled.Version != version {
		return nil, fmt.Errorf("schema resource declares version %q", compiled.Version)
	}
	return compiled, nil
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Compiled)
}

// Len returns the number of cached versions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Versions returns the cached versions in sorted order.
func (c *Cache) Versions() []string {
	c.mu.RLock()
	versions := make([]string, 0, len(c.entries))
	for v := range c.entries {
		versions = append(versions, v)
	}
	c.mu.RUnlock()
	sort.Strings(versions)
	return versions
}
