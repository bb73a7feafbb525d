// Package kvcache is the KV Cache: a small get/set/delete/ttl/exists/keys/
// increment surface with an always-available in-memory backend and an
// optional external Redis backend that comes up asynchronously. The
// in-memory backend stays the primary store: once Redis is reachable, writes
// are mirrored to it and a local miss falls back to it, but Redis never
// replaces the in-memory map, and Keys and Flush see only local entries.
package kvcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the KV Cache. Reads and writes always go to the in-memory map;
// when an external backend is configured and healthy, writes are mirrored
// to it too, so the external store stays warm for any other process
// sharing it, and a restart can rehydrate from it.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry

	redisAddr string
	redis     *redis.Client // nil until the background connect succeeds
	redisMu   sync.RWMutex
}

type entry struct {
	value   string
	expires time.Time // zero = no expiry
}

// New returns an in-memory-only Cache. Call ConnectExternal to add a Redis
// backend in the background.
func New() *Cache {
	return &Cache{items: map[string]entry{}}
}

// ConnectExternal starts a background attempt to reach redisAddr. The
// in-memory backend keeps serving every operation in the meantime; once
// connected, the client is installed atomically and subsequent writes
// mirror to it. Safe to call with an empty address (no-op).
func (c *Cache) ConnectExternal(ctx context.Context, redisAddr string) {
	if redisAddr == "" {
		return
	}
	c.redisAddr = redisAddr
	go func() {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		backoff := time.Second
		for {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				c.redisMu.Lock()
				c.redis = client
				c.redisMu.Unlock()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (c *Cache) externalClient() *redis.Client {
	c.redisMu.RLock()
	defer c.redisMu.RUnlock()
	return c.redis
}

// Set stores value under key with the given ttl (0 = no expiry).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()

	if cl := c.externalClient(); cl != nil {
		cl.Set(ctx, key, value, ttl)
	}
	return nil
}

// Get returns the value for key and whether it was present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		if e.expires.IsZero() || time.Now().Before(e.expires) {
			return e.value, true
		}
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
	}
	if cl := c.externalClient(); cl != nil {
		v, err := cl.Get(ctx, key).Result()
		if err == nil {
			return v, true
		}
	}
	return "", false
}

// SetTTL updates the expiry of an already-present key without changing its
// value; ttl <= 0 clears the expiry (the key never expires). Returns false
// if key is absent.
func (c *Cache) SetTTL(ctx context.Context, key string, ttl time.Duration) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		if ttl > 0 {
			e.expires = time.Now().Add(ttl)
		} else {
			e.expires = time.Time{}
		}
		c.items[key] = e
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if cl := c.externalClient(); cl != nil {
		if ttl > 0 {
			cl.Expire(ctx, key, ttl)
		} else {
			cl.Persist(ctx, key)
		}
	}
	return true
}

// Delete removes key from both backends.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	if cl := c.externalClient(); cl != nil {
		cl.Del(ctx, key)
	}
}

// Exists reports whether key is present and unexpired.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

// Keys returns every unexpired key whose name has the given prefix.
func (c *Cache) Keys(ctx context.Context, prefix string) []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k, e := range c.items {
		if len(prefix) > 0 && (len(k) < len(prefix) || k[:len(prefix)] != prefix) {
			continue
		}
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Flush removes every key from the in-memory backend (the external backend,
// if any, is left untouched — it may be shared with other processes).
func (c *Cache) Flush() {
	c.mu.Lock()
	c.items = map[string]entry{}
	c.mu.Unlock()
}

// Increment atomically adds delta to the integer stored at key (default 0)
// and returns the new value.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.items[key]
	cur, _ := strconv.ParseInt(e.value, 10, 64)
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	c.items[key] = e
	if cl := c.externalClient(); cl != nil {
		cl.IncrBy(ctx, key, delta)
	}
	return cur, nil
}

// Healthy reports whether the external backend (if configured) is connected.
func (c *Cache) Healthy() (configured, connected bool) {
	return c.redisAddr != "", c.externalClient() != nil
}
