// Package urlcache caches display references of stored assets.
package urlcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/rstash"
)

// Getter is the part of [rstash.Store] used by the cache.
type Getter interface {
	Get(ctx context.Context, id rstash.AssetID) (rec rstash.Record, found bool, err error)
}

// Cache lazily mints display references and keeps them until they are explicitly
// invalidated. Entries never expire: every deletion of a record must be paired with
// [Cache.Invalidate], otherwise the minted reference keeps the payload alive.
type Cache struct {
	store  Getter
	minter rstash.ReferenceMinter

	mu   sync.Mutex
	refs map[rstash.AssetID]string
}

func New(store Getter, minter rstash.ReferenceMinter) *Cache {
	return &Cache{
		store:  store,
		minter: minter,
		refs:   make(map[rstash.AssetID]string),
	}
}

// Resolve returns the display reference of the asset. It returns found == false if
// the asset doesn't exist.
//
// The lock is not held while the store is queried, so concurrent calls for the same
// uncached id can mint more than one reference. Only the first one is cached, the
// others are revoked immediately.
func (c *Cache) Resolve(ctx context.Context, id rstash.AssetID) (ref string, found bool, err error) {
	c.mu.Lock()
	ref, ok := c.refs[id]
	c.mu.Unlock()

	if ok {
		metrics.URLCacheHits.Inc()
		return ref, true, nil
	}

	metrics.URLCacheMisses.Inc()

	rec, found, err := c.store.Get(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("couldn't get asset: %w", err)
	}
	if !found {
		return "", false, nil
	}

	ref, err = c.minter.Mint(rec.Name, rec.Payload)
	if err != nil {
		return "", false, fmt.Errorf("couldn't mint reference: %w", err)
	}

	c.mu.Lock()
	if existing, ok := c.refs[id]; ok {
		c.mu.Unlock()

		c.revoke(ref)
		return existing, true, nil
	}
	c.refs[id] = ref
	c.mu.Unlock()

	return ref, true, nil
}

// Invalidate revokes and forgets the cached reference. It is a no-op if there is
// no cached reference.
func (c *Cache) Invalidate(id rstash.AssetID) {
	c.mu.Lock()
	ref, ok := c.refs[id]
	delete(c.refs, id)
	c.mu.Unlock()

	if ok {
		c.revoke(ref)
	}
}

// InvalidateAll revokes and forgets all cached references.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	refs := c.refs
	c.refs = make(map[rstash.AssetID]string)
	c.mu.Unlock()

	for _, ref := range refs {
		c.revoke(ref)
	}
}

// Len returns the number of cached references.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.refs)
}

func (c *Cache) revoke(ref string) {
	c.minter.Revoke(ref)
	metrics.URLCacheRevocations.Inc()
}
