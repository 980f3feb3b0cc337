package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a best-effort single-holder lock that keeps replicas from doing
// the same periodic work. It expires on its own; there is no release.
type Lease struct {
	rdb    redis.Cmdable
	holder string
}

func NewLease(rdb redis.Cmdable, holder string) *Lease {
	return &Lease{rdb: rdb, holder: holder}
}

func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, LeaseKey(name), l.holder, ttl).Result()
}
