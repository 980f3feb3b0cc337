package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed message ids for one consumer.
type Deduper struct {
	rdb      redis.Cmdable
	consumer string
	ttl      time.Duration
}

func NewDeduper(rdb redis.Cmdable, consumer string) *Deduper {
	return &Deduper{rdb: rdb, consumer: consumer, ttl: TTLDedup}
}

func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.rdb, DedupKey(d.consumer, id))
}

func (d *Deduper) Mark(ctx context.Context, id string) error {
	_, err := MarkOnce(ctx, d.rdb, DedupKey(d.consumer, id), d.ttl)
	return err
}
