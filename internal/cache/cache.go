package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Cache stores downloaded pages for a short time so the four field lookups
// of one collector cycle share a single request.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
	Delete(key string)
}

type memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// New returns an in-process cache.
func New() Cache { return &memory{m: make(map[string]entry), now: time.Now} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
}

func (c *memory) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

const redisTimeout = 500 * time.Millisecond

// Redis shares cached pages between collectors through a Redis server.
type Redis struct {
	r      *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{r: client, prefix: prefix}
}

// NewAuto returns a Redis cache when addr is set, otherwise an in-process one.
func NewAuto(addr, prefix string) Cache {
	if addr != "" {
		log.Info().Str("addr", addr).Msg("Using Redis page cache")
		return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	}
	return New()
}

// Get treats Redis errors as a miss.
func (r *Redis) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	v, err := r.r.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get failed")
		}
		return nil, false
	}
	return v, true
}

// Set logs and ignores Redis errors.
func (r *Redis) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.r.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis set failed")
	}
}

func (r *Redis) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.r.Del(ctx, r.prefix+key).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis del failed")
	}
}
