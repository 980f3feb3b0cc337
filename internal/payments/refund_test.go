package payments_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
)

func TestReconciler_Refund(t *testing.T) {
	t.Parallel()

	captured := func(t *testing.T) (*env, orders.Order) {
		t.Helper()
		e := newEnv(t)
		o, att := e.pendingOrder(t)
		if _, err := e.rec.Verify(context.Background(), "user-1", verifyInput(att.GatewayOrderID, "pay_1")); err != nil {
			t.Fatalf("verify: %v", err)
		}
		return e, o
	}
	amount := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}

	t.Run("partial then full", func(t *testing.T) {
		e, o := captured(t)

		res, err := e.rec.Refund(context.Background(), o.ID, amount("90.00"), "damaged item")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.PaymentStatus != orders.PaymentCaptured || res.OrderStatus != orders.StatusConfirmed ||
			!res.RefundedAmount.Equal(decimal.NewFromInt(90)) {
			t.Fatalf("unexpected partial result %+v", res)
		}

		res, err = e.rec.Refund(context.Background(), o.ID, nil, "return")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Amount.Equal(decimal.NewFromInt(500)) || res.PaymentStatus != orders.PaymentRefunded ||
			res.OrderStatus != orders.StatusRefunded {
			t.Fatalf("unexpected full result %+v", res)
		}
		if len(e.gateway.refunds) != 2 || e.gateway.refunds[0] != 9000 || e.gateway.refunds[1] != 50000 {
			t.Fatalf("unexpected gateway refunds %v", e.gateway.refunds)
		}
		if n := e.notifier.count(orders.EventRefundInitiated); n != 2 {
			t.Fatalf("expected two refund events, got %d", n)
		}
		// money only; stock stays committed
		if stock, reserved := e.counters(t); stock != 3 || reserved != 0 {
			t.Fatalf("expected 3/0, got %d/%d", stock, reserved)
		}
	})

	t.Run("more than refundable", func(t *testing.T) {
		e, o := captured(t)
		_, err := e.rec.Refund(context.Background(), o.ID, amount("590.01"), "")
		if !errors.Is(err, orders.ErrInvalidRefund) {
			t.Fatalf("expected invalid refund, got %v", err)
		}
		if len(e.gateway.refunds) != 0 {
			t.Fatal("expected gateway untouched")
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		e, o := captured(t)
		_, err := e.rec.Refund(context.Background(), o.ID, amount("0"), "")
		if !errors.Is(err, orders.ErrInvalidRefund) {
			t.Fatalf("expected invalid refund, got %v", err)
		}
	})

	t.Run("unpaid order", func(t *testing.T) {
		e := newEnv(t)
		o, _ := e.pendingOrder(t)
		_, err := e.rec.Refund(context.Background(), o.ID, nil, "")
		if !errors.Is(err, orders.ErrNotCaptured) {
			t.Fatalf("expected not captured, got %v", err)
		}
	})

	t.Run("full refund needs a refundable status", func(t *testing.T) {
		e, o := captured(t)
		if err := e.store.UpdateOrderStatus(context.Background(), o.ID, orders.StatusShipped, e.clock.Now()); err != nil {
			t.Fatalf("set status: %v", err)
		}
		_, err := e.rec.Refund(context.Background(), o.ID, nil, "")
		var te *orders.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected transition error, got %v", err)
		}
		// a partial refund is fine while shipped
		if _, err := e.rec.Refund(context.Background(), o.ID, amount("10"), ""); err != nil {
			t.Fatalf("expected partial refund to pass, got %v", err)
		}
	})

	t.Run("gateway failure records nothing", func(t *testing.T) {
		e, o := captured(t)
		e.gateway.refundErr = orders.ErrGatewayUnavailable
		_, err := e.rec.Refund(context.Background(), o.ID, nil, "")
		if !errors.Is(err, orders.ErrIntegration) {
			t.Fatalf("expected integration error, got %v", err)
		}
		pay, _ := e.store.GetPaymentByOrder(context.Background(), o.ID)
		if !pay.RefundedAmount.IsZero() || pay.Status != orders.PaymentCaptured {
			t.Fatalf("expected payment untouched, got %+v", pay)
		}
	})
}

func TestReconciler_CancelRefundsCapturedPayment(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	o, att := e.pendingOrder(t)
	if _, err := e.rec.Verify(context.Background(), "user-1", verifyInput(att.GatewayOrderID, "pay_1")); err != nil {
		t.Fatalf("verify: %v", err)
	}

	got, err := e.coord.CancelOrder(context.Background(), o.ID, "user-1")
	if err != nil || got.Status != orders.StatusCancelled {
		t.Fatalf("expected cancelled, got %v %v", got.Status, err)
	}
	pay, _ := e.store.GetPaymentByOrder(context.Background(), o.ID)
	if pay.Status != orders.PaymentRefunded || !pay.RefundedAmount.Equal(pay.Amount) {
		t.Fatalf("expected full refund recorded, got %+v", pay)
	}
	if len(e.gateway.refunds) != 1 || e.gateway.refunds[0] != 59000 {
		t.Fatalf("unexpected gateway refunds %v", e.gateway.refunds)
	}
	if e.order(t, o.ID).Status != orders.StatusCancelled {
		t.Fatal("expected order to stay cancelled")
	}
	if stock, reserved := e.counters(t); stock != 5 || reserved != 0 {
		t.Fatalf("expected stock restored 5/0, got %d/%d", stock, reserved)
	}
}
