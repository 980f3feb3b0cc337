package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
)

func webhookBody(event, gwOrderID, gwPaymentID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": event,
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":                gwPaymentID,
					"order_id":          gwOrderID,
					"amount":            59000,
					"currency":          "INR",
					"error_description": "card declined",
				},
			},
		},
	})
	return body
}

// webhook delivers a signed event without a delivery id.
func (e *env) webhook(t *testing.T, event, gwOrderID, gwPaymentID string) (payments.Outcome, error) {
	body := webhookBody(event, gwOrderID, gwPaymentID)
	return e.rec.HandleWebhook(context.Background(), body, payments.SignWebhook(webhookSecret, body), "")
}

func TestReconciler_HandleWebhook(t *testing.T) {
	t.Parallel()

	t.Run("bad signature", func(t *testing.T) {
		e := newEnv(t)
		_, att := e.pendingOrder(t)
		body := webhookBody("payment.captured", att.GatewayOrderID, "pay_1")

		_, err := e.rec.HandleWebhook(context.Background(), body, payments.SignWebhook("wrong", body), "evt_1")
		if !errors.Is(err, orders.ErrInvalidSignature) {
			t.Fatalf("expected invalid signature, got %v", err)
		}
		if _, reserved := e.counters(t); reserved != 2 {
			t.Fatal("expected no state change")
		}
	})

	t.Run("duplicate delivery is skipped", func(t *testing.T) {
		e := newEnv(t)
		_, att := e.pendingOrder(t)
		body := webhookBody("payment.failed", att.GatewayOrderID, "pay_1")
		sig := payments.SignWebhook(webhookSecret, body)

		out, err := e.rec.HandleWebhook(context.Background(), body, sig, "evt_1")
		if err != nil || out != payments.OutcomeFailed {
			t.Fatalf("expected failed, got %s %v", out, err)
		}
		out, err = e.rec.HandleWebhook(context.Background(), body, sig, "evt_1")
		if err != nil || out != payments.OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s %v", out, err)
		}
		if n := e.notifier.count(orders.EventPaymentFailed); n != 1 {
			t.Fatalf("expected one failure event, got %d", n)
		}
	})

	t.Run("unhandled event types are ignored", func(t *testing.T) {
		e := newEnv(t)
		out, err := e.webhook(t, "refund.processed", "gw_x", "pay_x")
		if err != nil || out != payments.OutcomeIgnored {
			t.Fatalf("expected ignored, got %s %v", out, err)
		}
	})

	t.Run("unknown gateway order is acknowledged", func(t *testing.T) {
		e := newEnv(t)
		out, err := e.webhook(t, "payment.captured", "gw_missing", "pay_x")
		if err != nil || out != payments.OutcomeUnknownPayment {
			t.Fatalf("expected unknown payment, got %s %v", out, err)
		}
	})

	t.Run("signed but unusable payloads are ignored", func(t *testing.T) {
		e := newEnv(t)
		_, att := e.pendingOrder(t)
		for name, body := range map[string][]byte{
			"not json":         []byte("{"),
			"missing order id": webhookBody("payment.captured", "", "pay_1"),
		} {
			out, err := e.rec.HandleWebhook(context.Background(), body, payments.SignWebhook(webhookSecret, body), "")
			if err != nil || out != payments.OutcomeIgnored {
				t.Errorf("%s: expected ignored, got %s %v", name, out, err)
			}
		}
		if _, reserved := e.counters(t); reserved != 2 {
			t.Fatalf("expected no state change, got reserved %d", reserved)
		}
		if out, err := e.webhook(t, "payment.captured", att.GatewayOrderID, "pay_1"); err != nil || out != payments.OutcomeCaptured {
			t.Fatalf("expected a later valid event to capture, got %s %v", out, err)
		}
	})

	t.Run("capture that cannot re-reserve is a late capture", func(t *testing.T) {
		e := newEnv(t)
		o, att := e.pendingOrder(t)
		// stock sold elsewhere after the failure released it
		_, _ = e.webhook(t, "payment.failed", att.GatewayOrderID, "pay_1")
		p, _ := e.store.Product("p1")
		p.Stock = 1
		e.store.PutProduct(p)

		body := webhookBody("payment.captured", att.GatewayOrderID, "pay_1")
		sig := payments.SignWebhook(webhookSecret, body)
		out, err := e.rec.HandleWebhook(context.Background(), body, sig, "evt_9")
		if err != nil || out != payments.OutcomeLateCapture {
			t.Fatalf("expected late capture, got %s %v", out, err)
		}
		if e.order(t, o.ID).Status != orders.StatusCancelled {
			t.Fatal("expected the unfillable order cancelled")
		}
		pay, _ := e.store.GetPaymentByOrder(context.Background(), o.ID)
		if pay.Status != orders.PaymentCaptured || pay.GatewayPaymentID != "pay_1" {
			t.Fatalf("expected the capture recorded, got %+v", pay)
		}
		if p, _ := e.store.Product("p1"); p.Stock != 1 || p.ReservedStock != 0 {
			t.Fatalf("expected stock untouched, got %d/%d", p.Stock, p.ReservedStock)
		}
		if _, err := e.rec.Refund(context.Background(), o.ID, nil, "late capture"); err != nil {
			t.Fatalf("refund: %v", err)
		}
	})
}
