package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

// MetadataCache stores Lookup results by normalized query.
type MetadataCache interface {
	Get(ctx context.Context, key string) (Metadata, bool)
	Set(ctx context.Context, key string, m Metadata)
}

// CachedResolver serves Lookup from a cache. Resolve is never cached because
// stream URLs expire.
type CachedResolver struct {
	inner Resolver
	cache MetadataCache
}

func NewCachedResolver(inner Resolver, cache MetadataCache) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache}
}

func (c *CachedResolver) Lookup(ctx context.Context, query string) (Metadata, error) {
	key := cacheKey(query)
	if m, ok := c.cache.Get(ctx, key); ok {
		return m, nil
	}
	m, err := c.inner.Lookup(ctx, query)
	if err != nil {
		return Metadata{}, err
	}
	c.cache.Set(ctx, key, m)
	return m, nil
}

func (c *CachedResolver) Resolve(ctx context.Context, query string) (storage.StreamRef, error) {
	return c.inner.Resolve(ctx, query)
}

func cacheKey(query string) string {
	return "music:meta:" + strings.ToLower(strings.Join(strings.Fields(query), " "))
}

// NewMetadataCache builds the cache selected by cfg. A nil cache means caching
// is disabled.
func NewMetadataCache(ctx context.Context, cfg *config.CacheConfig, log *zap.Logger) (MetadataCache, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Driver {
	case "redis":
		return NewRedisCache(ctx, cfg.Redis, ttl, log)
	case "memory", "":
		return NewMemoryCache(ttl, 1024), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}

type memoryEntry struct {
	meta    Metadata
	expires time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration, max int) *MemoryCache {
	return &MemoryCache{ttl: ttl, max: max, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Metadata{}, false
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return Metadata{}, false
	}
	return e.meta, true
}

func (m *MemoryCache) Set(_ context.Context, key string, meta Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.entries) >= m.max {
		for k, e := range m.entries {
			if now.After(e.expires) {
				delete(m.entries, k)
			}
		}
		if len(m.entries) >= m.max {
			for k := range m.entries {
				delete(m.entries, k)
				break
			}
		}
	}
	m.entries[key] = memoryEntry{meta: meta, expires: now.Add(m.ttl)}
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisCache(ctx context.Context, cfg config.RedisConfig, ttl time.Duration, log *zap.Logger) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis cache requires music.cache.redis.addr")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("unable to reach redis, metadata cache will miss", zap.Error(err))
	} else {
		log.Info("connected to redis", zap.String("addr", cfg.Addr))
	}
	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (Metadata, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Debug("redis get failed", zap.String("key", key), zap.Error(err))
		}
		return Metadata{}, false
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, false
	}
	return m, true
}

func (r *RedisCache) Set(ctx context.Context, key string, m Metadata) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Debug("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *RedisCache) Close() error { return r.client.Close() }
