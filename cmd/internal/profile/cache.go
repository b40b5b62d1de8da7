package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is the minimal key-value contract used to memoize profiles.
// Implementations must be concurrency-safe and return ErrMiss for absent keys.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss in a typed way.
var ErrMiss = errors.New("cache: miss")

// RedisCache adapts a go-redis v9 client to Cache.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache parses url, connects and pings.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	if url == "" {
		return nil, errors.New("redis: empty url")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisCache{client: c}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// CachedLookup memoizes a Lookup in a Cache. Cache failures are logged and bypassed;
// misses on the underlying Lookup are not cached.
type CachedLookup struct {
	next  Lookup
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// DefaultCacheTTL bounds how stale a cached profile may be.
const DefaultCacheTTL = 5 * time.Minute

// NewCachedLookup wraps next with cache.
func NewCachedLookup(next Lookup, cache Cache, ttl time.Duration, log *slog.Logger) (*CachedLookup, error) {
	if next == nil || cache == nil {
		return nil, errors.New("profile: nil lookup or cache")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CachedLookup{next: next, cache: cache, ttl: ttl, log: log}, nil
}

func cacheKey(participantID string) string { return "duet:profile:" + participantID }

// GetProfile returns the cached profile or loads and caches it.
func (c *CachedLookup) GetProfile(ctx context.Context, participantID string) (Profile, error) {
	key := cacheKey(participantID)

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var p Profile
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			return p, nil
		}
		c.log.Warn("profile.cache.decode.fail", "participant_id", participantID)
	case !errors.Is(err, ErrMiss):
		c.log.Warn("profile.cache.get.fail", "participant_id", participantID, "err", err)
	}

	p, err := c.next.GetProfile(ctx, participantID)
	if err != nil {
		return Profile{}, err
	}

	if b, jerr := json.Marshal(p); jerr == nil {
		if serr := c.cache.Set(ctx, key, string(b), c.ttl); serr != nil {
			c.log.Warn("profile.cache.set.fail", "participant_id", participantID, "err", serr)
		}
	}
	return p, nil
}

// Invalidate drops the cached entry for participantID.
func (c *CachedLookup) Invalidate(ctx context.Context, participantID string) error {
	_, err := c.cache.Del(ctx, cacheKey(participantID))
	return err
}
