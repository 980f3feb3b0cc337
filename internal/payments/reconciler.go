package payments

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
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-fulfillment/internal/payments")

const (
	GatewayName     = "razorpay"
	DefaultCurrency = "INR"
)

type Store interface {
	inventory.Store
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error
	ClearCart(ctx context.Context, userID string) error
	CreatePayment(ctx context.Context, p orders.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*orders.Payment, error)
	GetPaymentByOrderForUpdate(ctx context.Context, orderID string) (*orders.Payment, error)
	GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (orders.Payment, error)
	UpdatePayment(ctx context.Context, p orders.Payment) error
}

// Deduper remembers webhook deliveries that were already handled.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

type Secrets struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// Reconciler converges the verify call and the gateway webhook onto exactly
// one stock commit per order, whatever order they arrive in and however many
// times.
type Reconciler struct {
	store    Store
	ledger   *inventory.Ledger
	gateway  Gateway
	clock    clock.Clock
	secrets  Secrets
	debug    bool
	notifier notify.Notifier
	dedup    Deduper
	log      *zap.Logger
}

type Option func(*Reconciler)

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

func WithDeduper(d Deduper) Option { return func(r *Reconciler) { r.dedup = d } }

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithDebug accepts unsigned requests when the matching secret is not
// configured.
func WithDebug(debug bool) Option { return func(r *Reconciler) { r.debug = debug } }

func NewReconciler(store Store, ledger *inventory.Ledger, gateway Gateway, clk clock.Clock, secrets Secrets, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		ledger:   ledger,
		gateway:  gateway,
		clock:    clk,
		secrets:  secrets,
		notifier: notify.Nop{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Attempt struct {
	OrderID        string
	OrderNumber    string
	GatewayOrderID string
	Amount         decimal.Decimal
	AmountMinor    int64
	Currency       string
	KeyID          string
}

// CreateAttempt opens a gateway order for a pending order. A previous attempt
// is reused with the new gateway order id; if it had failed, its released
// reservation is taken again first.
func (r *Reconciler) CreateAttempt(ctx context.Context, userID, orderID string) (att Attempt, err error) {
	ctx, span := tracer.Start(ctx, "payments.CreateAttempt")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return Attempt{}, err
	}
	if o.UserID != userID {
		return Attempt{}, orders.ErrOrderNotFound
	}
	if o.Status != orders.StatusPending {
		return Attempt{}, fmt.Errorf("%w: status is %s", orders.ErrOrderNotPending, o.Status)
	}
	if pay, err := r.store.GetPaymentByOrder(ctx, orderID); err != nil {
		return Attempt{}, err
	} else if pay != nil && (pay.Status == orders.PaymentCaptured || pay.Status == orders.PaymentRefunded) {
		return Attempt{}, orders.ErrAlreadyCaptured
	}

	minor := orders.MinorUnits(o.Total)
	gw, err := r.gateway.CreateOrder(ctx, minor, DefaultCurrency, o.OrderNumber)
	if err != nil {
		return Attempt{}, err
	}

	now := r.clock.Now()
	err = r.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := r.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return fmt.Errorf("%w: status is %s", orders.ErrOrderNotPending, o.Status)
		}
		pay, err := r.store.GetPaymentByOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if pay == nil {
			return r.store.CreatePayment(ctx, orders.Payment{
				ID:             uuid.NewString(),
				OrderID:        orderID,
				Gateway:        GatewayName,
				GatewayOrderID: gw.ID,
				Amount:         o.Total,
				RefundedAmount: decimal.Zero,
				Currency:       DefaultCurrency,
				Status:         orders.PaymentPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		switch pay.Status {
		case orders.PaymentCaptured, orders.PaymentRefunded:
			return orders.ErrAlreadyCaptured
		case orders.PaymentFailed:
			if err := r.reserveLines(ctx, o); err != nil {
				return err
			}
		}
		pay.GatewayOrderID = gw.ID
		pay.GatewayPaymentID = ""
		pay.GatewaySignature = ""
		pay.FailureReason = ""
		pay.Amount = o.Total
		pay.Status = orders.PaymentPending
		pay.UpdatedAt = now
		return r.store.UpdatePayment(ctx, *pay)
	})
	if err != nil {
		return Attempt{}, err
	}

	r.log.Info("payment attempt created", zap.String("order_id", orderID), zap.String("gateway_order_id", gw.ID))
	return Attempt{
		OrderID:        orderID,
		OrderNumber:    o.OrderNumber,
		GatewayOrderID: gw.ID,
		Amount:         o.Total,
		AmountMinor:    minor,
		Currency:       DefaultCurrency,
		KeyID:          r.secrets.KeyID,
	}, nil
}

type VerifyInput struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

type Result struct {
	OrderID         string
	OrderNumber     string
	OrderStatus     orders.Status
	PaymentStatus   orders.PaymentStatus
	AlreadyCaptured bool
}

// Verify is the synchronous completion channel called by the buyer's client.
func (r *Reconciler) Verify(ctx context.Context, userID string, in VerifyInput) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "payments.Verify")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("payment.gateway_order_id", in.GatewayOrderID))

	if in.GatewayOrderID == "" || in.GatewayPaymentID == "" {
		return Result{}, fmt.Errorf("%w: gateway order id and payment id are required", orders.ErrValidation)
	}
	pay, err := r.store.GetPaymentByGatewayOrderID(ctx, in.GatewayOrderID)
	if err != nil {
		return Result{}, err
	}
	o, err := r.store.GetOrder(ctx, pay.OrderID)
	if err != nil {
		return Result{}, err
	}
	if o.UserID != userID {
		return Result{}, orders.ErrPaymentNotFound
	}
	if pay.Status == orders.PaymentCaptured {
		// The webhook got here first.
		return Result{OrderID: o.ID, OrderNumber: o.OrderNumber, OrderStatus: o.Status,
			PaymentStatus: pay.Status, AlreadyCaptured: true}, nil
	}
	if !r.validPaymentSignature(in) {
		r.log.Warn("payment signature mismatch", zap.String("gateway_order_id", in.GatewayOrderID))
		if _, err := r.fail(ctx, in.GatewayOrderID, in.GatewayPaymentID, "signature verification failed"); err != nil {
			r.log.Error("record signature failure", zap.String("gateway_order_id", in.GatewayOrderID), zap.Error(err))
		}
		return Result{}, orders.ErrInvalidSignature
	}

	res, err = r.capture(ctx, in.GatewayOrderID, in.GatewayPaymentID, in.Signature)
	if errors.Is(err, orders.ErrLateCapture) {
		r.alertLateCapture(ctx, in.GatewayOrderID, in.GatewayPaymentID, err)
	}
	return res, err
}

func (r *Reconciler) validPaymentSignature(in VerifyInput) bool {
	if r.secrets.KeySecret == "" {
		return r.debug
	}
	return VerifyPaymentSignature(r.secrets.KeySecret, in.GatewayOrderID, in.GatewayPaymentID, in.Signature)
}

// capture is the commit path shared by both channels. The payment row's
// status, read under lock, is the idempotency guard.
func (r *Reconciler) capture(ctx context.Context, gatewayOrderID, gatewayPaymentID, signature string) (Result, error) {
	ref, err := r.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return Result{}, err
	}

	var (
		res       Result
		order     orders.Order
		payment   orders.Payment
		committed bool
	)
	now := r.clock.Now()
	err = r.store.WithTx(ctx, func(ctx context.Context) error {
		o, pay, err := r.lockPayment(ctx, ref.OrderID, gatewayOrderID)
		if err != nil {
			return err
		}
		res = Result{OrderID: o.ID, OrderNumber: o.OrderNumber, OrderStatus: o.Status, PaymentStatus: pay.Status}

		switch pay.Status {
		case orders.PaymentCaptured, orders.PaymentRefunded:
			res.AlreadyCaptured = true
			return nil
		case orders.PaymentFailed:
			if o.Status != orders.StatusPending {
				return fmt.Errorf("%w: order is %s", orders.ErrLateCapture, o.Status)
			}
			if err := r.reserveLines(ctx, o); err != nil {
				return fmt.Errorf("%w: %w", orders.ErrLateCapture, err)
			}
		case orders.PaymentPending:
			if o.Status != orders.StatusPending {
				return fmt.Errorf("%w: order is %s", orders.ErrLateCapture, o.Status)
			}
		}

		for _, it := range sortedItems(o.Items) {
			if _, err := r.ledger.Commit(ctx, o.ID, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if err := orders.ValidateTransition(o.Status, orders.StatusConfirmed); err != nil {
			return err
		}
		pay.Status = orders.PaymentCaptured
		pay.GatewayPaymentID = gatewayPaymentID
		pay.GatewaySignature = signature
		pay.FailureReason = ""
		pay.UpdatedAt = now
		if err := r.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		if err := r.store.UpdateOrderStatus(ctx, o.ID, orders.StatusConfirmed, now); err != nil {
			return err
		}
		if err := r.store.ClearCart(ctx, o.UserID); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = orders.StatusConfirmed, now
		order, payment, committed = o, pay, true
		res.OrderStatus, res.PaymentStatus = o.Status, pay.Status
		return nil
	})
	if errors.Is(err, orders.ErrLateCapture) {
		if rerr := r.recordLateCapture(ctx, ref.OrderID, gatewayOrderID, gatewayPaymentID, signature); rerr != nil {
			r.log.Error("record late capture", zap.String("gateway_order_id", gatewayOrderID), zap.Error(rerr))
		}
	}
	if err != nil {
		return Result{}, err
	}
	if committed {
		r.log.Info("payment captured",
			zap.String("order_id", order.ID),
			zap.String("gateway_order_id", gatewayOrderID),
			zap.String("gateway_payment_id", gatewayPaymentID))
		r.notifier.Notify(ctx, orders.PaymentEvent(orders.EventPaymentCaptured, order, payment))
		r.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderConfirmed, order, orders.StatusPending, ""))
	}
	return res, nil
}

// recordLateCapture keeps money the gateway took visible to the refund path.
// The payment becomes captured without touching stock. A pending order whose
// stock could not be taken again is cancelled, since nothing will ship.
func (r *Reconciler) recordLateCapture(ctx context.Context, orderID, gatewayOrderID, gatewayPaymentID, signature string) error {
	return r.store.WithTx(ctx, func(ctx context.Context) error {
		o, pay, err := r.lockPayment(ctx, orderID, gatewayOrderID)
		if err != nil {
			return err
		}
		if pay.Status == orders.PaymentCaptured || pay.Status == orders.PaymentRefunded {
			return nil
		}
		now := r.clock.Now()
		pay.Status = orders.PaymentCaptured
		pay.GatewayPaymentID = gatewayPaymentID
		pay.GatewaySignature = signature
		pay.FailureReason = ""
		pay.UpdatedAt = now
		if err := r.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		if o.Status == orders.StatusPending {
			return r.store.UpdateOrderStatus(ctx, o.ID, orders.StatusCancelled, now)
		}
		return nil
	})
}

// fail is the failure path. A captured payment is never downgraded.
func (r *Reconciler) fail(ctx context.Context, gatewayOrderID, gatewayPaymentID, reason string) (bool, error) {
	ref, err := r.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return false, err
	}

	var (
		order   orders.Order
		payment orders.Payment
		failed  bool
	)
	err = r.store.WithTx(ctx, func(ctx context.Context) error {
		o, pay, err := r.lockPayment(ctx, ref.OrderID, gatewayOrderID)
		if err != nil {
			return err
		}
		if pay.Status != orders.PaymentPending {
			return nil
		}
		if orders.HoldsReservation(o, &pay) {
			for _, it := range sortedItems(o.Items) {
				if _, err := r.ledger.Release(ctx, o.ID, it.ProductID, it.Quantity); err != nil {
					return err
				}
			}
		}
		pay.Status = orders.PaymentFailed
		pay.GatewayPaymentID = gatewayPaymentID
		pay.FailureReason = reason
		pay.UpdatedAt = r.clock.Now()
		if err := r.store.UpdatePayment(ctx, pay); err != nil {
			return err
		}
		order, payment, failed = o, pay, true
		return nil
	})
	if err != nil || !failed {
		return false, err
	}
	r.log.Info("payment failed",
		zap.String("order_id", order.ID),
		zap.String("gateway_order_id", gatewayOrderID),
		zap.String("reason", reason))
	r.notifier.Notify(ctx, orders.PaymentEvent(orders.EventPaymentFailed, order, payment))
	return true, nil
}

// lockPayment locks the order, then its payment, and checks the payment still
// belongs to gatewayOrderID (a newer attempt replaces it).
func (r *Reconciler) lockPayment(ctx context.Context, orderID, gatewayOrderID string) (orders.Order, orders.Payment, error) {
	o, err := r.store.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return orders.Order{}, orders.Payment{}, err
	}
	pay, err := r.store.GetPaymentByOrderForUpdate(ctx, orderID)
	if err != nil {
		return orders.Order{}, orders.Payment{}, err
	}
	if pay == nil || pay.GatewayOrderID != gatewayOrderID {
		return orders.Order{}, orders.Payment{}, orders.ErrPaymentNotFound
	}
	return o, *pay, nil
}

func (r *Reconciler) reserveLines(ctx context.Context, o orders.Order) error {
	for _, it := range sortedItems(o.Items) {
		if _, err := r.ledger.Reserve(ctx, o.ID, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) alertLateCapture(ctx context.Context, gatewayOrderID, gatewayPaymentID string, cause error) {
	r.log.Error("capture reported after payment failure, manual refund may be needed",
		zap.String("gateway_order_id", gatewayOrderID),
		zap.String("gateway_payment_id", gatewayPaymentID),
		zap.Error(cause))
	ev := orders.Event{
		Type: orders.EventPaymentLateCapture,
		Payload: orders.PaymentPayload{
			GatewayOrderID:   gatewayOrderID,
			GatewayPaymentID: gatewayPaymentID,
			Status:           orders.PaymentCaptured,
			Reason:           cause.Error(),
		},
	}
	if pay, err := r.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID); err == nil {
		ev.OrderID = pay.OrderID
		p := ev.Payload.(orders.PaymentPayload)
		p.OrderID = pay.OrderID
		p.Amount = pay.Amount.StringFixed(2)
		ev.Payload = p
	}
	r.notifier.Notify(ctx, ev)
}

func sortedItems(items []orders.OrderItem) []orders.OrderItem {
	out := make([]orders.OrderItem, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
