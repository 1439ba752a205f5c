// Package redis caches fetched sitemap bodies in Redis so repeated walks
// within the TTL skip the network.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const sitemapKeyPrefix = "sitemap:"

// client is the subset of *goredis.Client used by the cache.
type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache stores sitemap bodies keyed by their normalized URL.
type Cache struct {
	client client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Cache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newWithClient(rdb, opts.TTL), nil
}

func newWithClient(c client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: c, ttl: ttl}
}

// Get returns the cached body for url. A miss returns false with no error.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, bool, error) {
	body, err := c.client.Get(ctx, key(url)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get sitemap: %w", err)
	}
	return body, true, nil
}

// Set stores body for url with the configured TTL.
func (c *Cache) Set(ctx context.Context, url string, body []byte) error {
	if err := c.client.Set(ctx, key(url), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set sitemap: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// key hashes the URL so arbitrary lengths map to a fixed-size key.
func key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return sitemapKeyPrefix + hex.EncodeToString(sum[:])
}
