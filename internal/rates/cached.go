package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"multiasset-ledger/internal/money"
)

// DefaultCacheTTL caps how long a quote is reused even if its source says
// it is valid for longer.
const DefaultCacheTTL = 15 * time.Minute

// Cached keeps quotes in Redis under rate:FROM:TO. A cached quote is served
// only while it is still valid; Redis failures fall through to the source.
type Cached struct {
	next   Provider
	rdb    redis.UniversalClient
	maxTTL time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewCached(next Provider, rdb redis.UniversalClient, maxTTL time.Duration, logger *zap.Logger) *Cached {
	if maxTTL <= 0 {
		maxTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, rdb: rdb, maxTTL: maxTTL, now: time.Now, logger: logger}
}

func (c *Cached) WithClock(now func() time.Time) *Cached {
	c.now = now
	return c
}

func cacheKey(from, to string) string {
	return fmt.Sprintf("rate:%s:%s", from, to)
}

func (c *Cached) GetRate(ctx context.Context, from, to string) (Quote, error) {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	key := cacheKey(from, to)

	if q, ok := c.lookup(ctx, key); ok {
		return q, nil
	}

	q, err := c.next.GetRate(ctx, from, to)
	if err != nil {
		return Quote{}, err
	}
	c.store(ctx, key, q)
	return q, nil
}

func (c *Cached) lookup(ctx context.Context, key string) (Quote, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false
	}
	if err != nil {
		c.logger.Warn("rate cache read failed", zap.String("key", key), zap.Error(err))
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn("rate cache entry unreadable", zap.String("key", key), zap.Error(err))
		return Quote{}, false
	}
	if q.Expired(c.now()) {
		return Quote{}, false
	}
	return q, true
}

func (c *Cached) store(ctx context.Context, key string, q Quote) {
	ttl := q.ValidUntil.Sub(c.now())
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", zap.String("key", key), zap.Error(err))
	}
}
