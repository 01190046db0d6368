package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// Supplier produces a fresh key set on a cache miss.
type Supplier func(ctx context.Context) (*jwks.Document, error)

// Observer receives the outcome of each cache lookup.
type Observer interface {
	ObserveCacheLookup(hit bool)
}

// KeyCache implements fill-on-miss ("remember") over a Store.
//
// Concurrent misses on the same key are coalesced: one supplier call runs and
// every waiter receives its result.
type KeyCache struct {
	store    Store
	sf       singleflight.Group
	log      logger.Logger
	observer Observer
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithObserver reports hits and misses to o.
func WithObserver(o Observer) KeyCacheOption {
	return func(c *KeyCache) {
		c.observer = o
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(log logger.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		c.log = log.WithComponent("KeyCache")
	}
}

// NewKeyCache wraps store.
func NewKeyCache(store Store, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		store: store,
		log:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Remember returns the document cached under key, calling supplier only when
// the key is absent. A supplied document is stored only when it is non-empty.
// Store failures degrade to a miss (on read) or are logged (on write); they
// never fail the call.
func (c *KeyCache) Remember(ctx context.Context, key string, supplier Supplier) (*jwks.Document, error) {
	if doc, ok := c.lookup(ctx, key); ok {
		c.observe(true)
		return doc, nil
	}
	c.observe(false)

	// The shared fill must not die with the first caller's context; each
	// waiter still honours its own cancellation below.
	fillCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		// a concurrent fill may have finished between lookup and here
		if doc, ok := c.lookup(fillCtx, key); ok {
			return doc, nil
		}

		doc, err := supplier(fillCtx)
		if err != nil {
			return nil, err
		}
		if !doc.IsEmpty() {
			if err := c.store.Set(fillCtx, key, doc.Raw()); err != nil {
				c.log.Warn(fillCtx, "cache write failed", logger.String("key", key), logger.Error(err))
			}
		}
		return doc, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jwks.Document), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops key from the store when the store supports deletion.
func (c *KeyCache) Invalidate(ctx context.Context, key string) error {
	c.sf.Forget(key)
	d, ok := c.store.(Deleter)
	if !ok {
		return nil
	}
	return d.Delete(ctx, key)
}

// Ping checks the store when it is backed by a remote service.
func (c *KeyCache) Ping(ctx context.Context) error {
	if p, ok := c.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *KeyCache) lookup(ctx context.Context, key string) (*jwks.Document, bool) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn(ctx, "cache read failed, treating as miss", logger.String("key", key), logger.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	doc, err := jwks.ParseDocument(raw)
	if err != nil {
		c.log.Warn(ctx, "cached key set is not valid JSON, treating as miss", logger.String("key", key), logger.Error(err))
		return nil, false
	}
	return doc, true
}

func (c *KeyCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}
