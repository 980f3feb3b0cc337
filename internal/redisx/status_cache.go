package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachedStatus struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache is a read-through cache of order status. A nil *StatusCache is
// a valid cache that never hits.
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool) {
	if c == nil {
		return CachedStatus{}, false
	}
	b, err := c.rdb.Get(ctx, OrderStatusKey(orderID)).Bytes()
	if err != nil {
		return CachedStatus{}, false
	}
	var s CachedStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return CachedStatus{}, false
	}
	return s, true
}

// Generation returns the order's invalidation counter. Read it before loading
// the order and pass it to Set.
func (c *StatusCache) Generation(ctx context.Context, orderID string) string {
	if c == nil {
		return ""
	}
	gen, err := c.rdb.Get(ctx, OrderStatusGenKey(orderID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0"
	case err != nil:
		// matches no counter, so Set will not write
		return "unknown"
	}
	return gen
}

// setIfGeneration writes the entry only if no invalidation happened since the
// caller read the generation.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Set caches s unless the order was invalidated after gen was read, which
// would make s stale. It reports whether the entry was written.
func (c *StatusCache) Set(ctx context.Context, orderID, gen string, s CachedStatus) (bool, error) {
	if c == nil {
		return false, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := setIfGeneration.Run(ctx, c.rdb,
		[]string{OrderStatusKey(orderID), OrderStatusGenKey(orderID)},
		gen, b, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate drops the entry and bumps the generation, so a read that loaded
// the order before the change cannot put the old status back.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	if c == nil {
		return nil
	}
	genKey := OrderStatusGenKey(orderID)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.Expire(ctx, genKey, TTLStatusCacheGen)
		p.Del(ctx, OrderStatusKey(orderID))
		return nil
	})
	return err
}
