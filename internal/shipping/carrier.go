package shipping

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/integration"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

type Carrier interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (CarrierShipment, error)
	TrackShipment(ctx context.Context, awb string) (CarrierEvent, error)
}

type Dimensions struct {
	Length  float64 `json:"length"`
	Breadth float64 `json:"breadth"`
	Height  float64 `json:"height"`
	Weight  float64 `json:"weight"`
}

type ShipmentItem struct {
	Name  string `json:"name"`
	SKU   string `json:"sku"`
	Units int    `json:"units"`
	Price string `json:"selling_price"`
}

type ShipmentRequest struct {
	OrderNumber string                 `json:"order_id"`
	OrderDate   time.Time              `json:"order_date"`
	Shipping    orders.ShippingAddress `json:"shipping"`
	Items       []ShipmentItem         `json:"order_items"`
	SubTotal    string                 `json:"sub_total"`
	PaymentMode string                 `json:"payment_method"`
	Dimensions
}

type CarrierShipment struct {
	CarrierOrderID    string     `json:"order_id"`
	CarrierShipmentID string     `json:"shipment_id"`
	AWB               string     `json:"awb_code"`
	CourierName       string     `json:"courier_name"`
	TrackingURL       string     `json:"tracking_url"`
	EstimatedDelivery *time.Time `json:"etd,omitempty"`
}

// HTTPCarrier talks to a Shiprocket-style REST API with a bearer token.
type HTTPCarrier struct {
	client *integration.Client
}

func NewHTTPCarrier(baseURL, token string, log *zap.Logger) *HTTPCarrier {
	return &HTTPCarrier{
		client: integration.New(baseURL, orders.ErrCarrierUnavailable,
			integration.WithAuth(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }),
			integration.WithLogger(log.Named("carrier")),
		),
	}
}

func (c *HTTPCarrier) CreateShipment(ctx context.Context, req ShipmentRequest) (CarrierShipment, error) {
	var out CarrierShipment
	if err := c.client.Do(ctx, http.MethodPost, "/v1/external/shipments", req, &out); err != nil {
		return CarrierShipment{}, err
	}
	if out.AWB == "" {
		return CarrierShipment{}, fmt.Errorf("%w: no awb assigned", orders.ErrCarrierUnavailable)
	}
	return out, nil
}

func (c *HTTPCarrier) TrackShipment(ctx context.Context, awb string) (CarrierEvent, error) {
	var out CarrierEvent
	if err := c.client.Do(ctx, http.MethodGet, "/v1/external/courier/track/awb/"+awb, nil, &out); err != nil {
		return CarrierEvent{}, err
	}
	if out.AWB == "" {
		out.AWB = awb
	}
	return out, nil
}

// StubCarrier answers locally. It backs debug mode when no carrier is
// configured.
type StubCarrier struct {
	seq atomic.Int64
}

func (s *StubCarrier) CreateShipment(_ context.Context, req ShipmentRequest) (CarrierShipment, error) {
	n := s.seq.Add(1)
	awb := "MOCKAWB" + strconv.FormatInt(time.Now().Unix(), 10) + strconv.FormatInt(n, 10)
	eta := time.Now().UTC().Add(5 * 24 * time.Hour)
	return CarrierShipment{
		CarrierOrderID:    "mock_" + req.OrderNumber,
		CarrierShipmentID: "mock_ship_" + strconv.FormatInt(n, 10),
		AWB:               awb,
		CourierName:       "Mock Courier",
		TrackingURL:       "https://example.invalid/track/" + awb,
		EstimatedDelivery: &eta,
	}, nil
}

func (s *StubCarrier) TrackShipment(_ context.Context, awb string) (CarrierEvent, error) {
	return CarrierEvent{AWB: awb, CurrentStatusID: 1, CurrentStatus: "PICKUP SCHEDULED"}, nil
}
