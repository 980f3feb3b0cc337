package payments

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type RefundResult struct {
	RefundID       string
	Amount         decimal.Decimal
	RefundedAmount decimal.Decimal
	PaymentStatus  orders.PaymentStatus
	OrderStatus    orders.Status
}

// Refund returns part or all of a captured payment. amount nil means the
// remaining refundable amount. A full refund moves the order to refunded,
// which must be a valid transition from its current status. Cancelled orders
// stay cancelled.
func (r *Reconciler) Refund(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (res RefundResult, err error) {
	ctx, span := tracer.Start(ctx, "payments.Refund")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}
	pay, err := r.store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}
	if pay == nil || pay.Status != orders.PaymentCaptured {
		return RefundResult{}, orders.ErrNotCaptured
	}
	amt, err := refundAmount(*pay, amount)
	if err != nil {
		return RefundResult{}, err
	}
	if full := amt.Equal(pay.Refundable()); full && o.Status != orders.StatusCancelled {
		if err := orders.ValidateTransition(o.Status, orders.StatusRefunded); err != nil {
			return RefundResult{}, err
		}
	}

	gr, err := r.gateway.Refund(ctx, pay.GatewayPaymentID, orders.MinorUnits(amt), map[string]string{
		"order_number": o.OrderNumber,
		"reason":       reason,
	})
	if err != nil {
		return RefundResult{}, err
	}

	var order orders.Order
	err = r.store.WithTx(ctx, func(ctx context.Context) error {
		o, p, err := r.lockPayment(ctx, orderID, pay.GatewayOrderID)
		if err != nil {
			return err
		}
		if p.Status != orders.PaymentCaptured || amt.GreaterThan(p.Refundable()) {
			return fmt.Errorf("%w: payment changed while refunding", orders.ErrConflict)
		}
		now := r.clock.Now()
		p.RefundedAmount = p.RefundedAmount.Add(amt)
		if p.Refundable().IsZero() {
			p.Status = orders.PaymentRefunded
			if orders.CanTransition(o.Status, orders.StatusRefunded) {
				if err := r.store.UpdateOrderStatus(ctx, o.ID, orders.StatusRefunded, now); err != nil {
					return err
				}
				o.Status = orders.StatusRefunded
			}
		}
		p.UpdatedAt = now
		if err := r.store.UpdatePayment(ctx, p); err != nil {
			return err
		}
		order = o
		res = RefundResult{
			RefundID:       gr.ID,
			Amount:         amt,
			RefundedAmount: p.RefundedAmount,
			PaymentStatus:  p.Status,
			OrderStatus:    o.Status,
		}
		return nil
	})
	if err != nil {
		// The gateway already moved the money.
		r.log.Error("refund issued but not recorded",
			zap.String("order_id", orderID), zap.String("refund_id", gr.ID), zap.Error(err))
		r.notifier.Notify(ctx, refundEvent(orders.EventRefundFailed, o, orderID, gr.ID, amt, reason, err))
		return RefundResult{}, err
	}

	r.log.Info("refund issued",
		zap.String("order_id", orderID),
		zap.String("refund_id", gr.ID),
		zap.String("amount", amt.StringFixed(2)))
	r.notifier.Notify(ctx, refundEvent(orders.EventRefundInitiated, order, orderID, gr.ID, amt, reason, nil))
	return res, nil
}

// RefundCancelled refunds whatever is left of a captured payment on a
// cancelled order. The order keeps its cancelled status.
func (r *Reconciler) RefundCancelled(ctx context.Context, orderID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "payments.RefundCancelled")
	defer func() { observability.EndSpan(span, err) }()

	pay, err := r.store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if pay == nil || pay.Status != orders.PaymentCaptured {
		return nil
	}
	amt := pay.Refundable()
	if !amt.IsPositive() {
		return nil
	}
	gr, err := r.gateway.Refund(ctx, pay.GatewayPaymentID, orders.MinorUnits(amt), map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	var order orders.Order
	err = r.store.WithTx(ctx, func(ctx context.Context) error {
		o, p, err := r.lockPayment(ctx, orderID, pay.GatewayOrderID)
		if err != nil {
			return err
		}
		if p.Status != orders.PaymentCaptured {
			return nil
		}
		p.RefundedAmount = p.Amount
		p.Status = orders.PaymentRefunded
		p.UpdatedAt = r.clock.Now()
		order = o
		return r.store.UpdatePayment(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("refund %s issued but not recorded: %w", gr.ID, err)
	}
	r.log.Info("cancelled order refunded", zap.String("order_id", orderID), zap.String("refund_id", gr.ID))
	r.notifier.Notify(ctx, refundEvent(orders.EventRefundInitiated, order, orderID, gr.ID, amt, reason, nil))
	return nil
}

func refundAmount(p orders.Payment, requested *decimal.Decimal) (decimal.Decimal, error) {
	remaining := p.Refundable()
	if requested == nil {
		if !remaining.IsPositive() {
			return decimal.Zero, orders.ErrInvalidRefund
		}
		return remaining, nil
	}
	amt := requested.Round(2)
	if !amt.IsPositive() || amt.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("%w: must be between 0.01 and %s", orders.ErrInvalidRefund, remaining.StringFixed(2))
	}
	return amt, nil
}

func refundEvent(typ string, o orders.Order, orderID, refundID string, amt decimal.Decimal, reason string, cause error) orders.Event {
	p := orders.RefundPayload{
		OrderID:  orderID,
		RefundID: refundID,
		Amount:   amt.StringFixed(2),
		Reason:   reason,
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	return orders.Event{Type: typ, OrderID: orderID, UserID: o.UserID, Payload: p}
}
