package querytag

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/arkilian/dicomindex/pkg/types"
)

// Source reads tag sets from the index store.
type Source interface {
	GetQueryable(ctx context.Context) ([]types.ExtendedQueryTag, error)
	GetSnapshot(ctx context.Context) (types.TagSnapshot, error)
}

const queryableKey = "queryable"

// Cache serves the queryable tag set to the query path. Entries expire after
// the configured TTL and are dropped when this process changes a tag.
//
// Writer snapshots are never cached: a stale snapshot would fail every
// retry until it expired. Concurrent snapshot reads are collapsed into one.
type Cache struct {
	src       Source
	queryable *expirable.LRU[string, []types.ExtendedQueryTag]
	group     singleflight.Group
}

// NewCache creates a cache over src. A ttl of zero disables caching of the
// queryable set.
func NewCache(src Source, ttl time.Duration) *Cache {
	c := &Cache{src: src}
	if ttl > 0 {
		c.queryable = expirable.NewLRU[string, []types.ExtendedQueryTag](1, nil, ttl)
	}
	return c
}

// GetQueryable returns the Ready tags with querying enabled.
func (c *Cache) GetQueryable(ctx context.Context) ([]types.ExtendedQueryTag, error) {
	if c.queryable != nil {
		if tags, ok := c.queryable.Get(queryableKey); ok {
			return tags, nil
		}
	}
	v, err, _ := c.group.Do(queryableKey, func() (interface{}, error) {
		tags, err := c.src.GetQueryable(ctx)
		if err != nil {
			return nil, err
		}
		if c.queryable != nil {
			c.queryable.Add(queryableKey, tags)
		}
		return tags, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.ExtendedQueryTag), nil
}

// GetSnapshot reads the writer snapshot, sharing the read among
// concurrent callers.
func (c *Cache) GetSnapshot(ctx context.Context) (types.TagSnapshot, error) {
	v, err, _ := c.group.Do("snapshot", func() (interface{}, error) {
		return c.src.GetSnapshot(ctx)
	})
	if err != nil {
		return types.TagSnapshot{}, err
	}
	return v.(types.TagSnapshot), nil
}

// Invalidate drops cached tag sets.
func (c *Cache) Invalidate() {
	if c.queryable != nil {
		c.queryable.Purge()
	}
	c.group.Forget(queryableKey)
}
