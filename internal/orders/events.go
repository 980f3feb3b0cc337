package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderConfirmed     = "order.confirmed"
	EventOrderCancelled     = "order.cancelled"
	EventOrderStatusChanged = "order.status_changed"
	EventPaymentCaptured    = "payment.captured"
	EventPaymentFailed      = "payment.failed"
	EventPaymentLateCapture = "payment.late_capture"
	EventRefundInitiated    = "refund.initiated"
	EventRefundFailed       = "refund.failed"
	EventShipmentUpdated    = "shipment.updated"
)

// Event is what the core hands to a Notifier after a transaction commits.
type Event struct {
	Type    string
	OrderID string
	UserID  string
	Payload any
}

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	UserID        string          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderPayload struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      Status `json:"status"`
	Previous    Status `json:"previous_status,omitempty"`
	Total       string `json:"total"`
	Reason      string `json:"reason,omitempty"`
}

type PaymentPayload struct {
	OrderID          string        `json:"order_id"`
	GatewayOrderID   string        `json:"gateway_order_id"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	Amount           string        `json:"amount"`
	Status           PaymentStatus `json:"status"`
	Reason           string        `json:"reason,omitempty"`
}

type RefundPayload struct {
	OrderID  string `json:"order_id"`
	RefundID string `json:"refund_id,omitempty"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ShipmentPayload struct {
	OrderID     string         `json:"order_id"`
	AWB         string         `json:"awb"`
	CourierName string         `json:"courier_name,omitempty"`
	TrackingURL string         `json:"tracking_url,omitempty"`
	Status      ShipmentStatus `json:"status"`
	Location    string         `json:"location,omitempty"`
}

func OrderEvent(typ string, o Order, previous Status, reason string) Event {
	return Event{
		Type:    typ,
		OrderID: o.ID,
		UserID:  o.UserID,
		Payload: OrderPayload{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			Status:      o.Status,
			Previous:    previous,
			Total:       o.Total.StringFixed(2),
			Reason:      reason,
		},
	}
}

func PaymentEvent(typ string, o Order, p Payment) Event {
	return Event{
		Type:    typ,
		OrderID: o.ID,
		UserID:  o.UserID,
		Payload: PaymentPayload{
			OrderID:          o.ID,
			GatewayOrderID:   p.GatewayOrderID,
			GatewayPaymentID: p.GatewayPaymentID,
			Amount:           p.Amount.StringFixed(2),
			Status:           p.Status,
			Reason:           p.FailureReason,
		},
	}
}
