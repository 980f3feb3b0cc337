package notify

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is what a Sender delivers to the customer or the operator.
type Message struct {
	EventID   string
	EventType string
	UserID    string
	OrderID   string
	Subject   string
	// Operator marks alerts that need manual follow-up.
	Operator bool
}

// Sender delivers rendered messages. Email and SMS transports live behind it.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.log.Info("notification sent",
		zap.String("event_id", m.EventID),
		zap.String("event_type", m.EventType),
		zap.String("user_id", m.UserID),
		zap.String("order_id", m.OrderID),
		zap.Bool("operator", m.Operator),
		zap.String("subject", m.Subject))
	return nil
}

type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// Worker consumes fulfillment events and turns them into notifications.
// Delivery is at least once from Kafka; the deduper makes sends effectively
// once per event id.
type Worker struct {
	dedup  Deduper
	cache  *redisx.StatusCache
	sender Sender
	log    *zap.Logger
}

func NewWorker(dedup Deduper, cache *redisx.StatusCache, sender Sender, log *zap.Logger) *Worker {
	return &Worker{dedup: dedup, cache: cache, sender: sender, log: log}
}

// Handle is a kafka.Handler. Undecodable messages are logged and committed;
// a failed send is returned so the offset is not committed.
func (w *Worker) Handle(ctx context.Context, m kafka.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		w.log.Error("skip malformed event",
			zap.Int64("offset", m.Offset),
			zap.String("event_type", kafkax.Header(m, kafkax.HeaderEventType)),
			zap.Error(err))
		return nil
	}
	log := w.log.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))

	if w.dedup != nil {
		seen, err := w.dedup.Seen(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed", zap.Error(err))
		} else if seen {
			log.Debug("duplicate event")
			return nil
		}
	}

	if env.CorrelationID != "" {
		if err := w.cache.Invalidate(ctx, env.CorrelationID); err != nil {
			log.Warn("invalidate status cache", zap.Error(err))
		}
	}

	msg, ok, err := Render(env)
	if err != nil {
		log.Error("skip event with bad payload", zap.Error(err))
		return nil
	}
	if ok {
		if err := w.sender.Send(ctx, msg); err != nil {
			return fmt.Errorf("send %s: %w", env.EventID, err)
		}
	}

	if w.dedup != nil {
		if err := w.dedup.Mark(ctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return nil
}

// Render builds the message for an event. ok is false for events nobody is
// told about.
func Render(env orders.Envelope) (msg Message, ok bool, err error) {
	msg = Message{EventID: env.EventID, EventType: env.EventType, UserID: env.UserID, OrderID: env.CorrelationID}
	switch env.EventType {
	case orders.EventOrderCreated, orders.EventOrderConfirmed, orders.EventOrderCancelled, orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderPayload](env.Payload)
		if err != nil {
			return Message{}, false, err
		}
		switch env.EventType {
		case orders.EventOrderCreated:
			msg.Subject = fmt.Sprintf("Order %s placed, total %s", p.OrderNumber, p.Total)
		case orders.EventOrderConfirmed:
			msg.Subject = fmt.Sprintf("Order %s confirmed", p.OrderNumber)
		case orders.EventOrderCancelled:
			msg.Subject = fmt.Sprintf("Order %s cancelled", p.OrderNumber)
		default:
			msg.Subject = fmt.Sprintf("Order %s is now %s", p.OrderNumber, p.Status)
		}
	case orders.EventPaymentFailed:
		p, err := kafkax.UnwrapPayload[orders.PaymentPayload](env.Payload)
		if err != nil {
			return Message{}, false, err
		}
		msg.Subject = fmt.Sprintf("Payment of %s failed", p.Amount)
	case orders.EventPaymentLateCapture:
		p, err := kafkax.UnwrapPayload[orders.PaymentPayload](env.Payload)
		if err != nil {
			return Message{}, false, err
		}
		msg.Subject = fmt.Sprintf("Late capture %s on %s needs a manual refund", p.GatewayPaymentID, p.GatewayOrderID)
		msg.Operator = true
	case orders.EventRefundInitiated, orders.EventRefundFailed:
		p, err := kafkax.UnwrapPayload[orders.RefundPayload](env.Payload)
		if err != nil {
			return Message{}, false, err
		}
		if env.EventType == orders.EventRefundFailed {
			msg.Subject = fmt.Sprintf("Refund of %s failed: %s", p.Amount, p.Error)
			msg.Operator = true
		} else {
			msg.Subject = fmt.Sprintf("Refund of %s initiated", p.Amount)
		}
	case orders.EventShipmentUpdated:
		p, err := kafkax.UnwrapPayload[orders.ShipmentPayload](env.Payload)
		if err != nil {
			return Message{}, false, err
		}
		msg.Subject = fmt.Sprintf("Shipment %s is %s", p.AWB, p.Status)
	default:
		return Message{}, false, nil
	}
	return msg, true, nil
}
