package music

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

type countingResolver struct {
	lookups  int
	resolves int
	err      error
}

func (c *countingResolver) Lookup(ctx context.Context, q string) (Metadata, error) {
	c.lookups++
	if c.err != nil {
		return Metadata{}, c.err
	}
	return Metadata{Title: "T " + q}, nil
}

func (c *countingResolver) Resolve(ctx context.Context, q string) (storage.StreamRef, error) {
	c.resolves++
	return storage.StreamRef{Source: q}, nil
}

func TestCachedResolverCachesLookupOnly(t *testing.T) {
	inner := &countingResolver{}
	r := NewCachedResolver(inner, NewMemoryCache(time.Minute, 10))
	ctx := context.Background()

	m, err := r.Lookup(ctx, "Some  Song")
	require.NoError(t, err)
	assert.Equal(t, "T Some  Song", m.Title)

	m, err = r.Lookup(ctx, "some song")
	require.NoError(t, err)
	assert.Equal(t, "T Some  Song", m.Title)
	assert.Equal(t, 1, inner.lookups)

	_, _ = r.Resolve(ctx, "some song")
	_, _ = r.Resolve(ctx, "some song")
	assert.Equal(t, 2, inner.resolves)
}

func TestCachedResolverDoesNotCacheFailures(t *testing.T) {
	inner := &countingResolver{err: errors.New("boom")}
	r := NewCachedResolver(inner, NewMemoryCache(time.Minute, 10))

	_, err := r.Lookup(context.Background(), "x")
	assert.Error(t, err)
	_, err = r.Lookup(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, 2, inner.lookups)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute, 10)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", Metadata{Title: "v"})
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCacheBounded(t *testing.T) {
	c := NewMemoryCache(time.Minute, 2)
	ctx := context.Background()
	c.Set(ctx, "a", Metadata{})
	c.Set(ctx, "b", Metadata{})
	c.Set(ctx, "c", Metadata{})

	assert.Len(t, c.entries, 2)
	_, ok := c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestNewMetadataCache(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	c, err := NewMetadataCache(ctx, &config.CacheConfig{Driver: "memory", TTLSeconds: 60}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	c, err = NewMetadataCache(ctx, &config.CacheConfig{Driver: "none"}, log)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewMetadataCache(ctx, &config.CacheConfig{Driver: "redis"}, log)
	assert.Error(t, err)

	_, err = NewMetadataCache(ctx, &config.CacheConfig{Driver: "memcached"}, log)
	assert.Error(t, err)
}
