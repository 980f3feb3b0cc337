package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-fulfillment/internal/fulfillment")

type Store interface {
	inventory.Store
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListCartItems(ctx context.Context, userID string) ([]orders.CartItem, error)
	GetAddress(ctx context.Context, userID, addressID string) (orders.Address, error)
	CreateOrder(ctx context.Context, o orders.Order) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error
	ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, int, error)
	ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]string, error)
	GetPaymentByOrderForUpdate(ctx context.Context, orderID string) (*orders.Payment, error)
	UpdatePayment(ctx context.Context, p orders.Payment) error
	GetShipmentByOrder(ctx context.Context, orderID string) (*orders.Shipment, error)
}

// Refunder returns the money of a captured payment whose order was cancelled.
// It is called after the cancellation has committed.
type Refunder interface {
	RefundCancelled(ctx context.Context, orderID, reason string) error
}

// Coordinator creates and cancels orders, keeping order status and stock
// counters consistent in one transaction.
type Coordinator struct {
	store        Store
	ledger       *inventory.Ledger
	clock        clock.Clock
	notifier     notify.Notifier
	refunder     Refunder
	orderNumbers func(time.Time) string
	log          *zap.Logger
}

// orderNumberAttempts bounds retries when a generated order number collides.
const orderNumberAttempts = 3

type Option func(*Coordinator)

func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithRefunder(r Refunder) Option {
	return func(c *Coordinator) { c.refunder = r }
}

// WithOrderNumbers replaces the order number generator.
func WithOrderNumbers(fn func(time.Time) string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.orderNumbers = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func NewCoordinator(store Store, ledger *inventory.Ledger, clk clock.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		ledger:       ledger,
		clock:        clk,
		notifier:     notify.Nop{},
		orderNumbers: orders.NewOrderNumber,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder turns the user's cart into a pending order and reserves every
// line. Either the order and all reservations exist, or nothing changed.
// The cart is left intact until payment is captured.
func (c *Coordinator) CreateOrder(ctx context.Context, userID, addressID string) (order orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.CreateOrder")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("user.id", userID))

	now := c.clock.Now()
	for attempt := 1; ; attempt++ {
		order, err = c.createOrder(ctx, userID, addressID, now)
		if !errors.Is(err, orders.ErrOrderNumberTaken) || attempt == orderNumberAttempts {
			break
		}
		c.log.Warn("order number collision, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return orders.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	c.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Total.StringFixed(2)))
	c.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderCreated, order, "", ""))
	return order, nil
}

// createOrder runs one attempt of CreateOrder in its own transaction, so a
// failed attempt leaves no reservations behind.
func (c *Coordinator) createOrder(ctx context.Context, userID, addressID string, now time.Time) (orders.Order, error) {
	var order orders.Order
	err := c.store.WithTx(ctx, func(ctx context.Context) error {
		addr, err := c.store.GetAddress(ctx, userID, addressID)
		if err != nil {
			return err
		}
		cart, err := c.store.ListCartItems(ctx, userID)
		if err != nil {
			return err
		}
		if len(cart) == 0 {
			return orders.ErrEmptyCart
		}
		sort.Slice(cart, func(i, j int) bool { return cart[i].ProductID < cart[j].ProductID })

		orderID := uuid.NewString()
		items := make([]orders.OrderItem, 0, len(cart))
		for _, line := range cart {
			if line.Quantity <= 0 {
				return orders.ErrInvalidQuantity
			}
			p, err := c.store.GetProductForUpdate(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if _, err := c.ledger.Reserve(ctx, orderID, p.ID, line.Quantity); err != nil {
				return err
			}
			items = append(items, orders.OrderItem{
				ID:           uuid.NewString(),
				OrderID:      orderID,
				ProductID:    p.ID,
				ProductName:  p.Name,
				ProductImage: p.Image(),
				Quantity:     line.Quantity,
				Price:        p.Price,
				Total:        orders.LineTotal(p.Price, line.Quantity),
			})
		}

		totals := orders.PriceOrder(items)
		order = orders.Order{
			ID:          orderID,
			OrderNumber: c.orderNumbers(now),
			UserID:      userID,
			Shipping:    addr.Snapshot(),
			Subtotal:    totals.Subtotal,
			ShippingFee: totals.ShippingFee,
			Tax:         totals.Tax,
			Discount:    totals.Discount,
			Total:       totals.Total,
			Status:      orders.StatusPending,
			Items:       items,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return c.store.CreateOrder(ctx, order)
	})
	return order, err
}

// CancelOrder cancels one of the user's orders. Paid orders get their stock
// back; unpaid ones drop their reservation. A captured payment is refunded
// after the cancellation commits.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID, userID string) (order orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.CancelOrder")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	var (
		previous orders.Status
		refund   bool
	)
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := c.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return orders.ErrOrderNotFound
		}
		if !orders.IsCancellable(o.Status) {
			return fmt.Errorf("%w: status is %s", orders.ErrNotCancellable, o.Status)
		}
		previous = o.Status
		refund, err = c.cancelLocked(ctx, &o, "cancelled by customer")
		order = o
		return err
	})
	if err != nil {
		return orders.Order{}, err
	}

	c.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("previous_status", string(previous)))
	c.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderCancelled, order, previous, "cancelled by customer"))
	if refund {
		c.refundAfterCancel(ctx, order, "order cancelled")
	}
	return order, nil
}

// cancelLocked returns the order's stock and marks it cancelled. The order row
// must already be locked. It reports whether a captured payment needs a refund.
func (c *Coordinator) cancelLocked(ctx context.Context, o *orders.Order, reason string) (bool, error) {
	pay, err := c.store.GetPaymentByOrderForUpdate(ctx, o.ID)
	if err != nil {
		return false, err
	}
	if err := c.returnStock(ctx, *o, pay); err != nil {
		return false, err
	}

	now := c.clock.Now()
	if pay != nil && pay.Status == orders.PaymentPending {
		pay.Status = orders.PaymentFailed
		pay.FailureReason = reason
		pay.UpdatedAt = now
		if err := c.store.UpdatePayment(ctx, *pay); err != nil {
			return false, err
		}
	}
	if err := c.store.UpdateOrderStatus(ctx, o.ID, orders.StatusCancelled, now); err != nil {
		return false, err
	}
	o.Status = orders.StatusCancelled
	o.UpdatedAt = now
	return pay != nil && pay.Status == orders.PaymentCaptured, nil
}

// returnStock undoes the order's effect on the ledger: committed units are
// restocked, reserved units released. An unpaid order whose payment failed
// holds nothing.
func (c *Coordinator) returnStock(ctx context.Context, o orders.Order, pay *orders.Payment) error {
	var op func(context.Context, string, string, int) (orders.StockMovement, error)
	switch {
	case o.Status == orders.StatusConfirmed || o.Status == orders.StatusProcessing:
		op = c.ledger.Restock
	case orders.HoldsReservation(o, pay):
		op = c.ledger.Release
	default:
		return nil
	}
	for _, it := range sortedItems(o.Items) {
		if _, err := op(ctx, o.ID, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) refundAfterCancel(ctx context.Context, o orders.Order, reason string) {
	if c.refunder == nil {
		c.log.Warn("captured payment on cancelled order needs manual refund", zap.String("order_id", o.ID))
		c.notifier.Notify(ctx, refundFailed(o, "no refunder configured"))
		return
	}
	if err := c.refunder.RefundCancelled(ctx, o.ID, reason); err != nil {
		c.log.Error("refund after cancellation failed", zap.String("order_id", o.ID), zap.Error(err))
		c.notifier.Notify(ctx, refundFailed(o, err.Error()))
	}
}

func refundFailed(o orders.Order, msg string) orders.Event {
	return orders.Event{
		Type:    orders.EventRefundFailed,
		OrderID: o.ID,
		UserID:  o.UserID,
		Payload: orders.RefundPayload{OrderID: o.ID, Amount: o.Total.StringFixed(2), Error: msg},
	}
}

// ExpireOrder cancels a pending order created before cutoff. It re-checks the
// order under its lock, so a concurrent payment or cancel makes it a no-op.
func (c *Coordinator) ExpireOrder(ctx context.Context, orderID string, cutoff time.Time) (expired bool, err error) {
	var order orders.Order
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := c.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending || !o.CreatedAt.Before(cutoff) {
			return nil
		}
		if _, err := c.cancelLocked(ctx, &o, "payment window expired"); err != nil {
			return err
		}
		order, expired = o, true
		return nil
	})
	if err != nil || !expired {
		return false, err
	}
	c.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderCancelled, order, orders.StatusPending, "payment window expired"))
	return true, nil
}

// GetOrder returns one of the user's orders.
func (c *Coordinator) GetOrder(ctx context.Context, orderID, userID string) (orders.Order, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.UserID != userID {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type Page struct {
	Orders   []orders.Order
	Total    int
	Page     int
	PageSize int
}

func (c *Coordinator) ListOrders(ctx context.Context, userID string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	list, total, err := c.store.ListOrdersByUser(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	return Page{Orders: list, Total: total, Page: page, PageSize: pageSize}, nil
}

type Tracking struct {
	Order    orders.Order
	Shipment *orders.Shipment
}

func (c *Coordinator) TrackOrder(ctx context.Context, orderID, userID string) (Tracking, error) {
	o, err := c.GetOrder(ctx, orderID, userID)
	if err != nil {
		return Tracking{}, err
	}
	sh, err := c.store.GetShipmentByOrder(ctx, orderID)
	if err != nil {
		return Tracking{}, err
	}
	return Tracking{Order: o, Shipment: sh}, nil
}

// UpdateStatus is the operator override. The move must be a valid
// transition; cancelling through it returns stock like a customer cancel.
func (c *Coordinator) UpdateStatus(ctx context.Context, orderID string, target orders.Status, note string) (order orders.Order, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.UpdateStatus")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.status", string(target)))

	if !target.Valid() {
		return orders.Order{}, fmt.Errorf("%w: unknown status %q", orders.ErrValidation, target)
	}
	var (
		previous orders.Status
		refund   bool
	)
	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := c.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := orders.ValidateTransition(o.Status, target); err != nil {
			return err
		}
		previous = o.Status
		if target == orders.StatusCancelled {
			refund, err = c.cancelLocked(ctx, &o, "cancelled by operator")
			order = o
			return err
		}
		now := c.clock.Now()
		if err := c.store.UpdateOrderStatus(ctx, o.ID, target, now); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = target, now
		order = o
		return nil
	})
	if err != nil {
		return orders.Order{}, err
	}

	c.log.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(previous)),
		zap.String("to", string(target)),
		zap.String("note", note))
	typ := orders.EventOrderStatusChanged
	if target == orders.StatusCancelled {
		typ = orders.EventOrderCancelled
	}
	c.notifier.Notify(ctx, orders.OrderEvent(typ, order, previous, note))
	if refund {
		c.refundAfterCancel(ctx, order, "order cancelled by operator")
	}
	return order, nil
}

func sortedItems(items []orders.OrderItem) []orders.OrderItem {
	out := make([]orders.OrderItem, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
