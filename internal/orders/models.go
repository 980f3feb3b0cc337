package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	Images        []string
	Stock         int // units owned
	ReservedStock int // units held by unpaid orders
	Active        bool
	UpdatedAt     time.Time
}

func (p Product) Available() int { return p.Stock - p.ReservedStock }

func (p Product) Image() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

type CartItem struct {
	UserID    string
	ProductID string
	Quantity  int
}

type Address struct {
	ID          string
	UserID      string
	Name        string
	Mobile      string
	Email       string
	Line1       string
	Line2       string
	City        string
	State       string
	Pincode     string
	Country     string
	AddressType string
}

// ShippingAddress is the address snapshot frozen onto an order.
type ShippingAddress struct {
	Name        string `json:"name"`
	Mobile      string `json:"mobile"`
	Email       string `json:"email,omitempty"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state"`
	Pincode     string `json:"pincode"`
	Country     string `json:"country"`
	AddressType string `json:"address_type"`
}

func (a Address) Snapshot() ShippingAddress {
	return ShippingAddress{
		Name:        a.Name,
		Mobile:      a.Mobile,
		Email:       a.Email,
		Line1:       a.Line1,
		Line2:       a.Line2,
		City:        a.City,
		State:       a.State,
		Pincode:     a.Pincode,
		Country:     a.Country,
		AddressType: a.AddressType,
	}
}

type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Shipping    ShippingAddress
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
	Tax         decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
	Status      Status
	Items       []OrderItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderItem is an immutable snapshot of a cart line at order time.
type OrderItem struct {
	ID           string
	OrderID      string
	ProductID    string
	ProductName  string
	ProductImage string
	Quantity     int
	Price        decimal.Decimal
	Total        decimal.Decimal
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type Payment struct {
	ID               string
	OrderID          string
	Gateway          string
	GatewayOrderID   string // idempotency key for both completion channels
	GatewayPaymentID string
	GatewaySignature string
	Amount           decimal.Decimal
	RefundedAmount   decimal.Decimal
	Currency         string
	Status           PaymentStatus
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// HoldsReservation reports whether the order's lines are still counted in
// ReservedStock. A pending order loses its reservation when its payment fails.
func HoldsReservation(o Order, p *Payment) bool {
	if o.Status != StatusPending {
		return false
	}
	return p == nil || p.Status != PaymentFailed
}

type ShipmentStatus string

const (
	ShipmentPickupScheduled ShipmentStatus = "pickup_scheduled"
	ShipmentPickedUp        ShipmentStatus = "picked_up"
	ShipmentInTransit       ShipmentStatus = "in_transit"
	ShipmentDelivered       ShipmentStatus = "delivered"
	ShipmentRTO             ShipmentStatus = "rto"
)

type TrackingEntry struct {
	Status    string    `json:"status"`
	StatusID  int       `json:"status_id"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
}

type Shipment struct {
	ID                string
	OrderID           string
	CarrierOrderID    string
	CarrierShipmentID string
	AWB               string
	CourierName       string
	TrackingURL       string
	Status            ShipmentStatus
	TrackingHistory   []TrackingEntry
	EstimatedDelivery *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type MovementKind string

const (
	MovementReserve MovementKind = "reserve"
	MovementCommit  MovementKind = "commit"
	MovementRelease MovementKind = "release"
	MovementRestock MovementKind = "restock"
)

// StockMovement is the result of one ledger operation, also kept as an audit row.
type StockMovement struct {
	OrderID       string
	ProductID     string
	Kind          MovementKind
	Quantity      int
	Stock         int // after the movement
	ReservedStock int // after the movement
	At            time.Time
}
