package payments

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

// Gateway is the payment provider. Amounts are in minor units.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrder, error)
	Refund(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (GatewayRefund, error)
}

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// HTTPGateway talks to a Razorpay-compatible REST API with basic auth.
type HTTPGateway struct {
	client *integration.Client
}

func NewHTTPGateway(baseURL, keyID, keySecret string, log *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		client: integration.New(baseURL, orders.ErrGatewayUnavailable,
			integration.WithAuth(func(r *http.Request) { r.SetBasicAuth(keyID, keySecret) }),
			integration.WithLogger(log.Named("gateway")),
		),
	}
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrder, error) {
	in := map[string]any{
		"amount":          amount,
		"currency":        currency,
		"receipt":         receipt,
		"payment_capture": 1,
	}
	var out GatewayOrder
	if err := g.client.Do(ctx, http.MethodPost, "/v1/orders", in, &out); err != nil {
		return GatewayOrder{}, err
	}
	if out.ID == "" {
		return GatewayOrder{}, fmt.Errorf("%w: empty order id", orders.ErrGatewayUnavailable)
	}
	return out, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, gatewayPaymentID string, amount int64, notes map[string]string) (GatewayRefund, error) {
	in := map[string]any{"amount": amount, "notes": notes}
	var out GatewayRefund
	if err := g.client.Do(ctx, http.MethodPost, "/v1/payments/"+gatewayPaymentID+"/refund", in, &out); err != nil {
		return GatewayRefund{}, err
	}
	return out, nil
}

// StubGateway answers locally. It backs debug mode when no credentials are
// configured.
type StubGateway struct {
	seq atomic.Int64
}

func (s *StubGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string) (GatewayOrder, error) {
	n := s.seq.Add(1)
	return GatewayOrder{
		ID:       "order_mock_" + strconv.FormatInt(time.Now().UnixNano(), 36) + strconv.FormatInt(n, 10),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (s *StubGateway) Refund(_ context.Context, gatewayPaymentID string, amount int64, _ map[string]string) (GatewayRefund, error) {
	n := s.seq.Add(1)
	return GatewayRefund{
		ID:        "rfnd_mock_" + strconv.FormatInt(n, 10),
		PaymentID: gatewayPaymentID,
		Amount:    amount,
		Status:    "processed",
	}, nil
}
