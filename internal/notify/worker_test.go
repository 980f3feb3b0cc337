package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDeduper) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	return nil
}

type fakeSender struct {
	sent []notify.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, m notify.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func message(t *testing.T, ev orders.Event) kafka.Message {
	t.Helper()
	key, value, headers, err := kafkax.EncodeEvent(ev, "test", time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return kafka.Message{Key: key, Value: value, Headers: headers}
}

func confirmed() orders.Event {
	o := orders.Order{ID: "order-1", OrderNumber: "ORD250101", UserID: "user-1", Status: orders.StatusConfirmed, Total: decimal.NewFromInt(590)}
	return orders.OrderEvent(orders.EventOrderConfirmed, o, orders.StatusPending, "")
}

func TestWorker_Handle(t *testing.T) {
	t.Parallel()

	t.Run("sends once per event id", func(t *testing.T) {
		sender := &fakeSender{}
		w := notify.NewWorker(&memDeduper{}, nil, sender, zap.NewNop())
		m := message(t, confirmed())

		for i := 0; i < 2; i++ {
			if err := w.Handle(context.Background(), m); err != nil {
				t.Fatalf("delivery %d: %v", i, err)
			}
		}
		if len(sender.sent) != 1 {
			t.Fatalf("expected one send, got %d", len(sender.sent))
		}
		got := sender.sent[0]
		if got.UserID != "user-1" || got.OrderID != "order-1" || got.Subject != "Order ORD250101 confirmed" || got.Operator {
			t.Fatalf("unexpected message %+v", got)
		}
	})

	t.Run("failed send is retried", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("smtp down")}
		dedup := &memDeduper{}
		w := notify.NewWorker(dedup, nil, sender, zap.NewNop())
		m := message(t, confirmed())

		if err := w.Handle(context.Background(), m); err == nil {
			t.Fatal("expected error so the offset is not committed")
		}
		sender.err = nil
		if err := w.Handle(context.Background(), m); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if len(sender.sent) != 1 {
			t.Fatalf("expected the redelivery to send, got %d", len(sender.sent))
		}
	})

	t.Run("malformed message is skipped", func(t *testing.T) {
		sender := &fakeSender{}
		w := notify.NewWorker(nil, nil, sender, zap.NewNop())
		if err := w.Handle(context.Background(), kafka.Message{Value: []byte("garbage")}); err != nil {
			t.Fatalf("expected skip, got %v", err)
		}
		if len(sender.sent) != 0 {
			t.Fatal("expected nothing sent")
		}
	})
}

func TestRender(t *testing.T) {
	t.Parallel()

	envelope := func(t *testing.T, ev orders.Event) orders.Envelope {
		t.Helper()
		env, err := kafkax.DecodeEnvelope(message(t, ev).Value)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	}

	tests := []struct {
		name     string
		ev       orders.Event
		ok       bool
		subject  string
		operator bool
	}{
		{
			name:    "order confirmed",
			ev:      confirmed(),
			ok:      true,
			subject: "confirmed",
		},
		{
			name: "late capture alerts the operator",
			ev: orders.Event{Type: orders.EventPaymentLateCapture, OrderID: "order-1", Payload: orders.PaymentPayload{
				GatewayOrderID: "gw_1", GatewayPaymentID: "pay_1", Status: orders.PaymentFailed,
			}},
			ok:       true,
			subject:  "manual refund",
			operator: true,
		},
		{
			name: "refund failure alerts the operator",
			ev: orders.Event{Type: orders.EventRefundFailed, OrderID: "order-1", Payload: orders.RefundPayload{
				OrderID: "order-1", Amount: "590.00", Error: "gateway timeout",
			}},
			ok:       true,
			subject:  "gateway timeout",
			operator: true,
		},
		{
			name: "shipment update",
			ev: orders.Event{Type: orders.EventShipmentUpdated, OrderID: "order-1", Payload: orders.ShipmentPayload{
				OrderID: "order-1", AWB: "AWB1", Status: orders.ShipmentInTransit,
			}},
			ok:      true,
			subject: "AWB1 is in_transit",
		},
		{
			name: "capture itself is silent",
			ev:   orders.Event{Type: orders.EventPaymentCaptured, OrderID: "order-1", Payload: orders.PaymentPayload{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := notify.Render(envelope(t, tt.ev))
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if !strings.Contains(msg.Subject, tt.subject) || msg.Operator != tt.operator {
				t.Fatalf("unexpected message %+v", msg)
			}
		})
	}
}
