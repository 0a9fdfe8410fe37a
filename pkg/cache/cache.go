// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the shared Redis-backed cache with an in-process
// front cache, and the pub/sub bus used for cross-process invalidation and
// alert fan-out. The database stays the source of truth; everything here is
// derived data with a TTL.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_cache_hits_total",
		Help: "Number of cache hits by layer.",
	}, []string{"layer"})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_cache_misses_total",
		Help: "Number of lookups that missed both cache layers.",
	})
)

// Cache layers an in-process TTL map in front of Redis. Local entries use
// the same TTL as the Redis entry capped at localTTLMax so cross-process
// invalidations are observed promptly even without a bus message.
type Cache struct {
	logger log.Logger
	rdb    *redis.Client
	clock  clock.Clock

	mtx   sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	value   string
	expires time.Time
}

const localTTLMax = 30 * time.Second

// New connects to Redis and starts the local janitor. The janitor stops
// when ctx is cancelled.
func New(ctx context.Context, logger log.Logger, reg prometheus.Registerer, redisURL string) (*Cache, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(cacheHits, cacheMisses)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis URL")
	}
	c := &Cache{
		logger: logger,
		rdb:    redis.NewClient(opts),
		clock:  clock.RealClock{},
		local:  map[string]localEntry{},
	}
	go c.janitor(ctx)
	return c, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(logger log.Logger, rdb *redis.Client, c clock.Clock) *Cache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &Cache{logger: logger, rdb: rdb, clock: c, local: map[string]localEntry{}}
}

func (c *Cache) janitor(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := c.clock.Now()
			c.mtx.Lock()
			for k, e := range c.local {
				if now.After(e.expires) {
					delete(c.local, k)
				}
			}
			c.mtx.Unlock()
		}
	}
}

// Get returns the cached value for key. ok is false on a miss; a Redis
// outage is reported as ErrCacheUnavailable so callers can fall through to
// the store.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	now := c.clock.Now()
	c.mtx.RLock()
	if e, ok := c.local[key]; ok && now.Before(e.expires) {
		c.mtx.RUnlock()
		cacheHits.WithLabelValues("local").Inc()
		return e.value, true, nil
	}
	c.mtx.RUnlock()

	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		cacheMisses.Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(platform.ErrCacheUnavailable, err.Error())
	}
	cacheHits.WithLabelValues("shared").Inc()

	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 || ttl > localTTLMax {
		ttl = localTTLMax
	}
	c.mtx.Lock()
	c.local[key] = localEntry{value: v, expires: now.Add(ttl)}
	c.mtx.Unlock()
	return v, true, nil
}

// Set writes key with ttl to both layers.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(platform.ErrCacheUnavailable, err.Error())
	}
	localTTL := ttl
	if localTTL <= 0 || localTTL > localTTLMax {
		localTTL = localTTLMax
	}
	c.mtx.Lock()
	c.local[key] = localEntry{value: value, expires: c.clock.Now().Add(localTTL)}
	c.mtx.Unlock()
	return nil
}

// Delete drops key from both layers. Mutations follow write-through: update
// the database first, then call Delete.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.mtx.Lock()
	for _, k := range keys {
		delete(c.local, k)
	}
	c.mtx.Unlock()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(platform.ErrCacheUnavailable, err.Error())
	}
	return nil
}

// Forget drops a key from the local layer only. Bus subscribers use it when
// another process already removed the shared entry.
func (c *Cache) Forget(keys ...string) {
	c.mtx.Lock()
	for _, k := range keys {
		delete(c.local, k)
	}
	c.mtx.Unlock()
}

// Incr atomically increments a counter with a TTL set on first use. Backs
// the per-target webhook rate accounting.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(platform.ErrCacheUnavailable, err.Error())
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to set counter TTL", "key", key, "err", err)
		}
	}
	return n, nil
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
