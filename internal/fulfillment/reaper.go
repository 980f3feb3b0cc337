package fulfillment

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultReapInterval   = 5 * time.Minute
	DefaultPendingTimeout = 30 * time.Minute
	reapBatchSize         = 200
	reapLeaseName         = "expiry-reaper"
)

// Lease keeps replicas from sweeping in the same interval.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Reaper cancels pending orders whose payment window has passed and releases
// their reserved stock.
type Reaper struct {
	coord    *Coordinator
	interval time.Duration
	timeout  time.Duration
	lease    Lease
	log      *zap.Logger
}

type ReaperOption func(*Reaper)

func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithPendingTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLease(l Lease) ReaperOption {
	return func(r *Reaper) { r.lease = l }
}

func NewReaper(coord *Coordinator, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		coord:    coord,
		interval: DefaultReapInterval,
		timeout:  DefaultPendingTimeout,
		log:      coord.log.Named("reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", zap.Duration("interval", r.interval), zap.Duration("timeout", r.timeout))
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep cancels every pending order older than the timeout and returns how
// many it cancelled. A failure on one order is logged and the sweep goes on.
func (r *Reaper) Sweep(ctx context.Context) (n int, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.Sweep")
	defer func() { observability.EndSpan(span, err) }()

	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, reapLeaseName, r.interval-r.interval/10)
		if err != nil {
			// row locks keep an unguarded sweep correct
			r.log.Warn("reaper lease unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			return 0, nil
		}
	}

	cutoff := r.coord.clock.Now().Add(-r.timeout)
	ids, err := r.coord.store.ListStalePendingOrders(ctx, cutoff, reapBatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		expired, err := r.coord.ExpireOrder(ctx, id, cutoff)
		if err != nil {
			r.log.Error("expire order failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if expired {
			n++
		}
	}
	span.SetAttributes(attribute.Int("reaper.cancelled", n))
	if n > 0 {
		r.log.Info("expired pending orders", zap.Int("count", n))
	}
	return n, nil
}
