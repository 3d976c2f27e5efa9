// Package cache provides client-record caches and token-endpoint rate
// limiters backed by redis or process memory.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/oauth/oserver"
)

const clientKeyPrefix = "oauth_client:"

var (
	_ oserver.ClientCache = (*RedisClientCache)(nil)
	_ oserver.ClientCache = (*LocalClientCache)(nil)
)

// RedisClientCache stores client records in redis. Records are BSON encoded
// so the secret hash, which never appears in JSON, survives the round trip.
type RedisClientCache struct {
	redis  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisClientCache(cmdable redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisClientCache {
	return &RedisClientCache{redis: cmdable, ttl: ttl, logger: logging.OrNop(logger)}
}

func (c *RedisClientCache) Get(ctx context.Context, clientID string) (*oserver.Client, bool) {
	data, err := c.redis.Get(ctx, clientKeyPrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("client cache get", zap.String("client_id", clientID), zap.Error(err))
		return nil, false
	}
	var client oserver.Client
	if err := bson.Unmarshal(data, &client); err != nil {
		c.logger.Warn("client cache decode", zap.String("client_id", clientID), zap.Error(err))
		return nil, false
	}
	return &client, true
}

func (c *RedisClientCache) Set(ctx context.Context, client *oserver.Client) {
	data, err := bson.Marshal(client)
	if err != nil {
		c.logger.Warn("client cache encode", zap.String("client_id", client.ClientID), zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, clientKeyPrefix+client.ClientID, data, c.ttl).Err(); err != nil {
		c.logger.Warn("client cache set", zap.String("client_id", client.ClientID), zap.Error(err))
	}
}

func (c *RedisClientCache) Delete(ctx context.Context, clientID string) {
	if err := c.redis.Del(ctx, clientKeyPrefix+clientID).Err(); err != nil {
		c.logger.Warn("client cache delete", zap.String("client_id", clientID), zap.Error(err))
	}
}

type localEntry struct {
	client    oserver.Client
	expiresAt time.Time
}

// LocalClientCache is an in-process TTL cache for single-instance deployments
// and tests.
type LocalClientCache struct {
	mu      sync.Mutex
	entries map[string]localEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalClientCache builds a cache whose entries live for ttl. now may be
// nil.
func NewLocalClientCache(ttl time.Duration, now func() time.Time) *LocalClientCache {
	if now == nil {
		now = time.Now
	}
	return &LocalClientCache{entries: make(map[string]localEntry), ttl: ttl, now: now}
}

func (c *LocalClientCache) Get(_ context.Context, clientID string) (*oserver.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[clientID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, clientID)
		return nil, false
	}
	client := e.client
	return &client, true
}

func (c *LocalClientCache) Set(_ context.Context, client *oserver.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[client.ClientID] = localEntry{client: *client, expiresAt: c.now().Add(c.ttl)}
}

func (c *LocalClientCache) Delete(_ context.Context, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, clientID)
}

// Len reports the number of entries, expired or not.
func (c *LocalClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
