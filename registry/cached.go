package registry

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached is a read-through cache in front of a Lookup. Only hits are cached
// so a device registered after a miss is picked up on the next message.
type Cached struct {
	next  Lookup
	cache *expirable.LRU[string, Identity]
}

// NewCached wraps next with an LRU of at most size entries, each living ttl
func NewCached(next Lookup, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 10000
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Identity](size, nil, ttl),
	}
}

func (c *Cached) FindByHardwareID(ctx context.Context, hardwareID string) (Identity, error) {
	if identity, ok := c.cache.Get(hardwareID); ok {
		return identity, nil
	}
	identity, err := c.next.FindByHardwareID(ctx, hardwareID)
	if err != nil {
		return Identity{}, err
	}
	c.cache.Add(hardwareID, identity)
	return identity, nil
}

// Invalidate drops one hardware id, or the whole cache when none is given
func (c *Cached) Invalidate(hardwareIDs ...string) {
	if len(hardwareIDs) == 0 {
		c.cache.Purge()
		return
	}
	for _, id := range hardwareIDs {
		c.cache.Remove(id)
	}
}
