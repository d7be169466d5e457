package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown gates how often a rule may fire for a device. Acquire returns
// false while a previous firing's window is open.
type Cooldown interface {
	Acquire(ctx context.Context, logicalID, ruleID string, window time.Duration) (bool, error)
	Release(ctx context.Context, logicalID, ruleID string) error
}

func cooldownKey(logicalID, ruleID string) string {
	return fmt.Sprintf("alert:cooldown:%s:%s", logicalID, ruleID)
}

// RedisCooldown keeps cooldown windows as SET NX keys with a TTL
type RedisCooldown struct {
	client redis.UniversalClient
}

func NewRedisCooldown(client redis.UniversalClient) *RedisCooldown {
	return &RedisCooldown{client: client}
}

func (c *RedisCooldown) Acquire(ctx context.Context, logicalID, ruleID string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, cooldownKey(logicalID, ruleID), time.Now().UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown: %w", err)
	}
	return ok, nil
}

func (c *RedisCooldown) Release(ctx context.Context, logicalID, ruleID string) error {
	if err := c.client.Del(ctx, cooldownKey(logicalID, ruleID)).Err(); err != nil {
		return fmt.Errorf("release cooldown: %w", err)
	}
	return nil
}

// MemoryCooldown is an in-process Cooldown driven by an injectable clock
type MemoryCooldown struct {
	mu      sync.Mutex
	until   map[string]time.Time
	nowFunc func() time.Time
}

func NewMemoryCooldown(nowFunc func() time.Time) *MemoryCooldown {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &MemoryCooldown{until: make(map[string]time.Time), nowFunc: nowFunc}
}

func (c *MemoryCooldown) Acquire(_ context.Context, logicalID, ruleID string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	key := cooldownKey(logicalID, ruleID)
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false, nil
	}
	c.until[key] = now.Add(window)
	return true, nil
}

func (c *MemoryCooldown) Release(_ context.Context, logicalID, ruleID string) error {
	c.mu.Lock()
	delete(c.until, cooldownKey(logicalID, ruleID))
	c.mu.Unlock()
	return nil
}
