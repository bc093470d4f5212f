// Package cache is a TTL cache backed by ristretto.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-faster/errors"
)

type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// New returns a cache holding up to maxItems entries for ttl each.
func New(maxItems int64, ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create cache")
	}
	return &Cache{c: c, ttl: ttl}, nil
}

func (c *Cache) Get(key string) (any, bool) { return c.c.Get(key) }

// Set stores val and waits until it is visible to Get.
func (c *Cache) Set(key string, val any) {
	c.c.SetWithTTL(key, val, 1, c.ttl)
	c.c.Wait()
}

func (c *Cache) Del(key string) { c.c.Del(key) }

func (c *Cache) Clear() { c.c.Clear() }

func (c *Cache) Close() { c.c.Close() }
