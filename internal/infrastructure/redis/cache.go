// Package redis implements the optional enrichment response cache. Cache
// failures are never fatal: a broken or unreachable cache degrades to
// querying the registry directly.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// clientAPI is the slice of the go-redis client the cache uses.
type clientAPI interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// EntryCache caches registry lookups keyed by identifier, with a TTL so
// stale registry data ages out.
type EntryCache struct {
	client clientAPI
	prefix string
	ttl    time.Duration
	logger logging.Logger
}

// NewEntryCache connects and verifies the cache. Returns an error when Addr
// is set but unreachable; the caller decides whether to run without a cache.
func NewEntryCache(ctx context.Context, cfg config.RedisConfig, log logging.Logger) (*EntryCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to reach cache").WithDetail(cfg.Addr)
	}
	log.Info("enrichment cache connected", logging.String("addr", cfg.Addr))
	return &EntryCache{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, logger: log}, nil
}

func newEntryCacheWithClient(client clientAPI, prefix string, ttl time.Duration, log logging.Logger) *EntryCache {
	return &EntryCache{client: client, prefix: prefix, ttl: ttl, logger: log}
}

func (c *EntryCache) Close() error { return c.client.Close() }

// Get returns a cached entry. Any cache error counts as a miss.
func (c *EntryCache) Get(ctx context.Context, key string) (*lookup.Entry, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Debug("cache read failed", logging.String("key", key), logging.Err(err))
		}
		return nil, false
	}
	var e lookup.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Debug("cache entry corrupt", logging.String("key", key), logging.Err(err))
		return nil, false
	}
	return &e, true
}

// Set stores an entry with the configured TTL. Failures are logged and
// dropped.
func (c *EntryCache) Set(ctx context.Context, key string, e *lookup.Entry) {
	if e == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Debug("cache write failed", logging.String("key", key), logging.Err(err))
	}
}
