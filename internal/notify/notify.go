// Package notify delivers domain events after their transaction commits.
// Delivery is fire-and-forget: a failed notification never fails the
// operation that produced it.
package notify

import (
	"context"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, ev orders.Event)
}

type Nop struct{}

func (Nop) Notify(context.Context, orders.Event) {}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev orders.Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Log writes events to the logger. Used when no broker is configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Notify(_ context.Context, ev orders.Event) {
	l.log.Info("event",
		zap.String("type", ev.Type),
		zap.String("order_id", ev.OrderID),
		zap.String("user_id", ev.UserID),
		zap.Any("payload", ev.Payload),
	)
}
