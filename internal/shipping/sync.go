package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-fulfillment/internal/shipping")

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error
	CreateShipment(ctx context.Context, sh orders.Shipment) error
	GetShipmentByOrder(ctx context.Context, orderID string) (*orders.Shipment, error)
	GetShipmentByAWB(ctx context.Context, awb string) (orders.Shipment, error)
	GetShipmentByAWBForUpdate(ctx context.Context, awb string) (orders.Shipment, error)
	UpdateShipmentTracking(ctx context.Context, sh orders.Shipment, entry orders.TrackingEntry) error
}

// CarrierEvent is one status report for a shipment, pushed by webhook or
// pulled by tracking. Times stay strings because carriers send them in
// several layouts; see parseCarrierTime.
type CarrierEvent struct {
	AWB               string `json:"awb"`
	CurrentStatusID   int    `json:"current_status_id"`
	CurrentStatus     string `json:"current_status"`
	Location          string `json:"location"`
	Timestamp         string `json:"current_timestamp,omitempty"`
	EstimatedDelivery string `json:"etd,omitempty"`
}

type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUnknownAWB    Outcome = "unknown_awb"
	OutcomeUnknownStatus Outcome = "unknown_status"
)

var carrierTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseCarrierTime accepts RFC3339 and the zone-less layouts carriers use,
// read as UTC. ok is false for empty or unrecognised values.
func parseCarrierTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range carrierTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Sync projects carrier status onto shipments and their orders.
type Sync struct {
	store    Store
	carrier  Carrier
	clock    clock.Clock
	notifier notify.Notifier
	log      *zap.Logger
}

func NewSync(store Store, carrier Carrier, clk clock.Clock, notifier notify.Notifier, log *zap.Logger) *Sync {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sync{store: store, carrier: carrier, clock: clk, notifier: notifier, log: log}
}

// HandleCarrierEvent appends the event to the shipment's history and moves
// the order forward. Events without an AWB, unknown AWBs and unknown status
// ids are acknowledged and ignored.
func (s *Sync) HandleCarrierEvent(ctx context.Context, ev CarrierEvent) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "shipping.HandleCarrierEvent")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("shipment.awb", ev.AWB), attribute.Int("carrier.status_id", ev.CurrentStatusID))

	if ev.AWB == "" {
		s.log.Warn("carrier event without awb", zap.Int("status_id", ev.CurrentStatusID))
		return OutcomeIgnored, nil
	}
	status, ok := MapCarrierStatus(ev.CurrentStatusID)
	if !ok {
		s.log.Debug("unmapped carrier status", zap.String("awb", ev.AWB), zap.Int("status_id", ev.CurrentStatusID))
		return OutcomeUnknownStatus, nil
	}
	ref, err := s.store.GetShipmentByAWB(ctx, ev.AWB)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			s.log.Warn("carrier event for unknown awb", zap.String("awb", ev.AWB))
			return OutcomeUnknownAWB, nil
		}
		return "", err
	}

	var (
		shipment orders.Shipment
		order    orders.Order
		previous orders.Status
	)
	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrderForUpdate(ctx, ref.OrderID)
		if err != nil {
			return err
		}
		sh, err := s.store.GetShipmentByAWBForUpdate(ctx, ev.AWB)
		if err != nil {
			return err
		}

		at, ok := parseCarrierTime(ev.Timestamp)
		if !ok {
			if ev.Timestamp != "" {
				s.log.Debug("unparseable carrier timestamp", zap.String("awb", ev.AWB), zap.String("value", ev.Timestamp))
			}
			at = now
		}
		label := ev.CurrentStatus
		if label == "" {
			label = string(status)
		}
		entry := orders.TrackingEntry{Status: label, StatusID: ev.CurrentStatusID, Timestamp: at, Location: ev.Location}

		sh.Status = status
		switch status {
		case orders.ShipmentPickedUp, orders.ShipmentInTransit:
			if sh.ShippedAt == nil {
				sh.ShippedAt = &at
			}
		case orders.ShipmentDelivered:
			if sh.ShippedAt == nil {
				sh.ShippedAt = &at
			}
			sh.DeliveredAt = &at
		}
		if eta, ok := parseCarrierTime(ev.EstimatedDelivery); ok {
			sh.EstimatedDelivery = &eta
		} else if ev.EstimatedDelivery != "" {
			s.log.Debug("unparseable carrier etd", zap.String("awb", ev.AWB), zap.String("value", ev.EstimatedDelivery))
		}
		sh.UpdatedAt = now
		if err := s.store.UpdateShipmentTracking(ctx, sh, entry); err != nil {
			return err
		}
		sh.TrackingHistory = append(sh.TrackingHistory, entry)

		previous = o.Status
		if target, ok := orderTarget(status); ok {
			if o.Status, err = s.advance(ctx, o, target, now); err != nil {
				return err
			}
		}
		shipment, order = sh, o
		return nil
	})
	if err != nil {
		return "", err
	}

	s.notifier.Notify(ctx, shipmentEvent(order, shipment, ev.Location))
	if order.Status != previous {
		s.log.Info("order advanced by carrier",
			zap.String("order_id", order.ID), zap.String("from", string(previous)), zap.String("to", string(order.Status)))
		s.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderStatusChanged, order, previous, "carrier update"))
	}
	return OutcomeApplied, nil
}

// advance walks the order to target one validated hop at a time. Orders that
// are delivered, cancelled or refunded are left alone.
func (s *Sync) advance(ctx context.Context, o orders.Order, target orders.Status, at time.Time) (orders.Status, error) {
	switch o.Status {
	case orders.StatusDelivered, orders.StatusCancelled, orders.StatusRefunded:
		return o.Status, nil
	}
	path, ok := orders.PathTo(o.Status, target)
	if !ok {
		s.log.Warn("carrier status not reachable from order status",
			zap.String("order_id", o.ID), zap.String("status", string(o.Status)), zap.String("target", string(target)))
		return o.Status, nil
	}
	cur := o.Status
	for _, next := range path {
		if err := orders.ValidateTransition(cur, next); err != nil {
			return o.Status, err
		}
		cur = next
	}
	if cur == o.Status {
		return cur, nil
	}
	if err := s.store.UpdateOrderStatus(ctx, o.ID, cur, at); err != nil {
		return o.Status, err
	}
	return cur, nil
}

// Refresh pulls the latest status for an order's shipment from the carrier
// and applies it like a webhook.
func (s *Sync) Refresh(ctx context.Context, orderID string) (Outcome, error) {
	sh, err := s.store.GetShipmentByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if sh == nil {
		return "", orders.ErrShipmentNotFound
	}
	ev, err := s.carrier.TrackShipment(ctx, sh.AWB)
	if err != nil {
		return "", err
	}
	ev.AWB = sh.AWB
	return s.HandleCarrierEvent(ctx, ev)
}

// CreateShipment books a shipment for a paid order and moves the order to
// shipped. The carrier is called before any row is locked.
func (s *Sync) CreateShipment(ctx context.Context, orderID string, dims Dimensions) (shipment orders.Shipment, err error) {
	ctx, span := tracer.Start(ctx, "shipping.CreateShipment")
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Shipment{}, err
	}
	if err := shippable(o); err != nil {
		return orders.Shipment{}, err
	}
	if existing, err := s.store.GetShipmentByOrder(ctx, orderID); err != nil {
		return orders.Shipment{}, err
	} else if existing != nil {
		return orders.Shipment{}, orders.ErrShipmentExists
	}

	booked, err := s.carrier.CreateShipment(ctx, shipmentRequest(o, dims))
	if err != nil {
		return orders.Shipment{}, err
	}

	var (
		order    orders.Order
		previous orders.Status
	)
	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		o, err := s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := shippable(o); err != nil {
			return err
		}
		shipment = orders.Shipment{
			ID:                uuid.NewString(),
			OrderID:           o.ID,
			CarrierOrderID:    booked.CarrierOrderID,
			CarrierShipmentID: booked.CarrierShipmentID,
			AWB:               booked.AWB,
			CourierName:       booked.CourierName,
			TrackingURL:       booked.TrackingURL,
			Status:            orders.ShipmentPickupScheduled,
			TrackingHistory:   []orders.TrackingEntry{},
			EstimatedDelivery: booked.EstimatedDelivery,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.store.CreateShipment(ctx, shipment); err != nil {
			return err
		}
		previous = o.Status
		if o.Status, err = s.advance(ctx, o, orders.StatusShipped, now); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return orders.Shipment{}, err
	}

	s.log.Info("shipment created",
		zap.String("order_id", orderID), zap.String("awb", shipment.AWB), zap.String("courier", shipment.CourierName))
	s.notifier.Notify(ctx, shipmentEvent(order, shipment, ""))
	if order.Status != previous {
		s.notifier.Notify(ctx, orders.OrderEvent(orders.EventOrderStatusChanged, order, previous, "shipment created"))
	}
	return shipment, nil
}

func shippable(o orders.Order) error {
	if o.Status != orders.StatusConfirmed && o.Status != orders.StatusProcessing {
		return fmt.Errorf("%w: status is %s", orders.ErrNotShippable, o.Status)
	}
	return nil
}

func shipmentRequest(o orders.Order, dims Dimensions) ShipmentRequest {
	items := make([]ShipmentItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ShipmentItem{
			Name:  it.ProductName,
			SKU:   it.ProductID,
			Units: it.Quantity,
			Price: it.Price.StringFixed(2),
		})
	}
	return ShipmentRequest{
		OrderNumber: o.OrderNumber,
		OrderDate:   o.CreatedAt,
		Shipping:    o.Shipping,
		Items:       items,
		SubTotal:    o.Subtotal.StringFixed(2),
		PaymentMode: "Prepaid",
		Dimensions:  dims,
	}
}

func shipmentEvent(o orders.Order, sh orders.Shipment, location string) orders.Event {
	return orders.Event{
		Type:    orders.EventShipmentUpdated,
		OrderID: o.ID,
		UserID:  o.UserID,
		Payload: orders.ShipmentPayload{
			OrderID:     o.ID,
			AWB:         sh.AWB,
			CourierName: sh.CourierName,
			TrackingURL: sh.TrackingURL,
			Status:      sh.Status,
			Location:    location,
		},
	}
}
