package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Seann-Moser/oauthcore/oauth/oserver"
)

const rateKeyPrefix = "rate_limit:"

var (
	_ oserver.RateLimiter = (*RedisLimiter)(nil)
	_ oserver.RateLimiter = (*LocalLimiter)(nil)
)

// RedisLimiter allows limit requests per key in each fixed window, shared by
// every instance pointed at the same redis.
type RedisLimiter struct {
	redis  redis.Cmdable
	limit  int
	window time.Duration
}

func NewRedisLimiter(cmdable redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: cmdable, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	k := rateKeyPrefix + key
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	// A counter without an expiry opens the window, including one left
	// behind by an earlier failed EXPIRE.
	if ttl.Val() < 0 {
		if err := l.redis.Expire(ctx, k, l.window).Err(); err != nil {
			return false, err
		}
	}
	return incr.Val() <= int64(l.limit), nil
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is a per-key token bucket refilling limit tokens per window.
type LocalLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*keyLimiter
}

// NewLocalLimiter returns nil when limit <= 0; a nil *LocalLimiter allows
// everything.
func NewLocalLimiter(limit int, window time.Duration, now func() time.Time) *LocalLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &LocalLimiter{
		limit: rate.Every(window / time.Duration(limit)),
		burst: limit,
		idle:  5 * window,
		now:   now,
		keys:  make(map[string]*keyLimiter),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.keys[key]
	if !ok {
		l.cleanupLocked(now)
		entry = &keyLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1), nil
}

func (l *LocalLimiter) cleanupLocked(now time.Time) {
	for key, entry := range l.keys {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.keys, key)
		}
	}
}
