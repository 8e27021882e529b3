package enrich

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const memCacheSize = 1024

// Cache keeps resolved vulnerability records per platform identifier.
// The store table is the shared source of truth across control plane
// instances; the expirable LRU in front of it absorbs repeat lookups
// within one process. Both layers honor the same TTL, and concurrent
// refreshes of the same identifier are last-writer-wins.
type Cache struct {
	repository store.Repository
	mem        *expirable.LRU[string, []model.VulnRecord]
	ttl        time.Duration
}

func NewCache(repository store.Repository, ttl time.Duration) *Cache {
	return &Cache{
		repository: repository,
		mem:        expirable.NewLRU[string, []model.VulnRecord](memCacheSize, nil, ttl),
		ttl:        ttl,
	}
}

// Get returns the cached records for the identifier, or false when the
// entry is absent or older than the TTL.
func (c *Cache) Get(ctx context.Context, platformID string) ([]model.VulnRecord, bool, error) {
	if records, ok := c.mem.Get(platformID); ok {
		return records, true, nil
	}

	records, refreshedAt, err := c.repository.CachedVulns(ctx, platformID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	if time.Since(refreshedAt) > c.ttl {
		return nil, false, nil
	}

	c.mem.Add(platformID, records)

	return records, true, nil
}

// Put stores fresh records in both layers.
func (c *Cache) Put(ctx context.Context, platformID string, records []model.VulnRecord) error {
	if err := c.repository.StoreCachedVulns(ctx, platformID, records, time.Now().UTC()); err != nil {
		return err
	}

	c.mem.Add(platformID, records)

	return nil
}
