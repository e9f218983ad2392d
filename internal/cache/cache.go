// Package cache is a best-effort redis read-through cache for config reads.
// Every operation degrades to a miss or a no-op when redis is unavailable or
// not configured; cache failures never fail the calling request.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/confhub/confhub/pkg/models"
)

// ConfigCache caches single entries and whole-scope batch results.
type ConfigCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. A nil client disables caching entirely.
func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ConfigCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConfigCache{rdb: rdb, ttl: ttl, logger: logger}
}

func entryKey(service, env, key string) string {
	return fmt.Sprintf("confhub:cfg:%s:%s:%s", service, env, key)
}

func scopeKey(service, env string) string {
	return fmt.Sprintf("confhub:scope:%s:%s", service, env)
}

// GetEntry returns a cached entry, or ok=false on miss.
func (c *ConfigCache) GetEntry(ctx context.Context, service, env, key string) (*models.ConfigEntry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, entryKey(service, env, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var entry models.ConfigEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// SetEntry caches a single entry.
func (c *ConfigCache) SetEntry(ctx context.Context, entry *models.ConfigEntry) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, entryKey(entry.ServiceName, entry.Environment, entry.ConfigKey), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", zap.Error(err))
	}
}

// GetScope returns a cached whole-scope batch result, or ok=false on miss.
func (c *ConfigCache) GetScope(ctx context.Context, service, env string) (*models.BatchGetResponse, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, scopeKey(service, env)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var resp models.BatchGetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// SetScope caches a whole-scope batch result.
func (c *ConfigCache) SetScope(ctx context.Context, resp *models.BatchGetResponse) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, scopeKey(resp.ServiceName, resp.Environment), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", zap.Error(err))
	}
}

// Invalidate drops the cached entry for key and the scope's batch result.
// Called after every committed mutation.
func (c *ConfigCache) Invalidate(ctx context.Context, service, env, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, entryKey(service, env, key), scopeKey(service, env)).Err(); err != nil {
		c.logger.Debug("cache invalidate failed", zap.Error(err))
	}
}
