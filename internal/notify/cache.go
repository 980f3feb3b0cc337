package notify

import (
	"context"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"go.uber.org/zap"
)

// CacheInvalidator drops the cached order status whenever an order event is
// emitted, so the next read goes to the database.
type CacheInvalidator struct {
	cache *redisx.StatusCache
	log   *zap.Logger
}

func NewCacheInvalidator(cache *redisx.StatusCache, log *zap.Logger) *CacheInvalidator {
	return &CacheInvalidator{cache: cache, log: log}
}

func (c *CacheInvalidator) Notify(ctx context.Context, ev orders.Event) {
	if ev.OrderID == "" {
		return
	}
	if err := c.cache.Invalidate(ctx, ev.OrderID); err != nil {
		c.log.Warn("invalidate status cache", zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}
