// Package cache implements the layered tile response cache: a fixed-capacity
// in-process LRU fronted by an optional Redis-compatible key-value store.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultSize is the Tier-1 capacity per renderer variant.
const DefaultSize = 512

// Key is the deterministic tile fingerprint. Equal keys imply equal
// responses, so every parameter that changes the bytes must be part of it.
type Key struct {
	Format  string
	Dataset string
	Z       int
	X       int
	Y       int
	Safety  float64
	Shallow float64
	Deep    float64
}

// String renders the fingerprint used as the external KV key.
func (k Key) String() string {
	return fmt.Sprintf("tile:%s:%s:%d:%d:%d:%s:%s:%s",
		k.Format, k.Dataset, k.Z, k.X, k.Y,
		strconv.FormatFloat(k.Safety, 'g', -1, 64),
		strconv.FormatFloat(k.Shallow, 'g', -1, 64),
		strconv.FormatFloat(k.Deep, 'g', -1, 64))
}

// Entry is a cached tile response.
type Entry struct {
	Bytes     []byte
	ETag      string
	MediaType string
}

// ETagFor computes the strong validator for a response body.
func ETagFor(data []byte) string {
	sum := sha1.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// MediaTypeFor maps a tile format to its content type.
func MediaTypeFor(format string) string {
	switch format {
	case "png", "png-mvp":
		return "image/png"
	case "webp":
		return "image/webp"
	case "tif", "geotiff":
		return "image/tiff"
	default:
		return "application/x-protobuf"
	}
}

// Cache is the two-tier response cache. The external store holds raw bytes
// only; ETag and media type are recomputed on a Tier-2 hit. KV faults degrade
// to in-process caching and are never surfaced to callers.
type Cache struct {
	local *lru.Cache[Key, Entry]
	rdb   *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

// New builds a cache with the given Tier-1 capacity. redisURL may be empty;
// ttl applies to Tier-2 entries only (zero means no expiry).
func New(size int, redisURL string, ttl time.Duration, log *slog.Logger) (*Cache, error) {
	if size < 1 {
		size = DefaultSize
	}
	local, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, err
	}
	c := &Cache{local: local, ttl: ttl, log: log}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.rdb = redis.NewClient(opts)
	}
	return c, nil
}

// Get returns the cached entry for the key. The external store is consulted
// first when configured; a Tier-2 hit is promoted into the local LRU.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key.String()).Bytes()
		if err == nil {
			entry := Entry{
				Bytes:     data,
				ETag:      ETagFor(data),
				MediaType: MediaTypeFor(key.Format),
			}
			c.local.Add(key, entry)
			return entry, true
		}
		if err != redis.Nil {
			c.log.Debug("tile cache kv read failed", "key", key.String(), "error", err)
		}
	}
	return c.local.Get(key)
}

// Put stores the entry in both tiers. Writes are idempotent; the Tier-2
// write is best effort.
func (c *Cache) Put(ctx context.Context, key Key, entry Entry) {
	c.local.Add(key, entry)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key.String(), entry.Bytes, c.ttl).Err(); err != nil {
		c.log.Debug("tile cache kv write failed", "key", key.String(), "error", err)
	}
}

// Len reports the Tier-1 entry count.
func (c *Cache) Len() int { return c.local.Len() }

// Close releases the external store connection.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
