package api

import (
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
	"golang.org/x/sync/singleflight"
)

// listCache provides a TTL cache over the full work-order list, with
// singleflight coalescing so concurrent list requests share one disk
// scan. Filtering and pagination happen in the handler on the cached
// slice.
type listCache struct {
	mu       sync.RWMutex
	orders   []*order.WorkOrder
	loadedAt time.Time
	ttl      time.Duration
	group    singleflight.Group
	store    *storage.Store
}

func newListCache(store *storage.Store, ttl time.Duration) *listCache {
	return &listCache{
		store: store,
		ttl:   ttl,
	}
}

// Orders returns the cached list or reloads it from the store.
// Concurrent callers share a single store scan via singleflight.
func (c *listCache) Orders() ([]*order.WorkOrder, error) {
	c.mu.RLock()
	if c.orders != nil && time.Since(c.loadedAt) < c.ttl {
		orders := c.orders
		c.mu.RUnlock()
		return orders, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do("load", func() (any, error) {
		// Double-check after acquiring the singleflight slot.
		c.mu.RLock()
		if c.orders != nil && time.Since(c.loadedAt) < c.ttl {
			orders := c.orders
			c.mu.RUnlock()
			return orders, nil
		}
		c.mu.RUnlock()

		orders, _, err := c.store.List(storage.Filter{})
		if err != nil {
			return nil, err
		}
		if orders == nil {
			orders = []*order.WorkOrder{}
		}

		c.mu.Lock()
		c.orders = orders
		c.loadedAt = time.Now()
		c.mu.Unlock()

		return orders, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]*order.WorkOrder), nil
}

// Invalidate clears the cache, forcing the next Orders() call to reload.
func (c *listCache) Invalidate() {
	c.mu.Lock()
	c.orders = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
