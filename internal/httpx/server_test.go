package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/memory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/shipping"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	adminToken    = "admin-token"
	carrierToken  = "carrier-token"
	keySecret     = "key-secret"
	webhookSecret = "webhook-secret"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type server struct {
	store *memory.Store
	srv   *httptest.Server
}

func newServer(t *testing.T, deps ...httpx.Pinger) *server {
	t.Helper()
	st := memory.NewStore()
	clk := clock.NewManual(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	ledger := inventory.NewLedger(st, clk)
	rec := payments.NewReconciler(st, ledger, &payments.StubGateway{}, clk,
		payments.Secrets{KeyID: "key-id", KeySecret: keySecret, WebhookSecret: webhookSecret})
	coord := fulfillment.NewCoordinator(st, ledger, clk, fulfillment.WithRefunder(rec))
	ship := shipping.NewSync(st, &shipping.StubCarrier{}, clk, nil, log)

	router := httpx.NewRouter(log, deps...)
	(&httpx.OrdersHandler{Orders: coord, Log: log}).Register(router)
	(&httpx.PaymentsHandler{Payments: rec, Log: log}).Register(router)
	(&httpx.CarrierHandler{Shipping: ship, Token: carrierToken, Log: log}).Register(router)
	(&httpx.AdminHandler{Orders: coord, Payments: rec, Shipping: ship, Token: adminToken, Log: log}).Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	st.PutAddress(orders.Address{ID: "addr-1", UserID: "user-1", Name: "Kiran", City: "Mumbai"})
	st.PutProduct(orders.Product{ID: "p1", Name: "Kettle", Price: decimal.RequireFromString("1200.00"), Stock: 3, Active: true})
	return &server{store: st, srv: srv}
}

func (s *server) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func asUser(id string) map[string]string { return map[string]string{httpx.HeaderUserID: id} }

func (s *server) createOrder(t *testing.T, qty int) map[string]any {
	t.Helper()
	s.store.PutCartItem(orders.CartItem{UserID: "user-1", ProductID: "p1", Quantity: qty})
	resp, body := s.do(t, http.MethodPost, "/orders", map[string]string{"address_id": "addr-1"}, asUser("user-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		s := newServer(t, pingFunc(func(context.Context) error { return nil }))
		resp, body := s.do(t, http.MethodGet, "/healthz", nil, nil)
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Fatalf("expected ok, got %d %v", resp.StatusCode, body)
		}
	})

	t.Run("dependency down", func(t *testing.T) {
		s := newServer(t, pingFunc(func(context.Context) error { return errors.New("down") }))
		resp, _ := s.do(t, http.MethodGet, "/healthz", nil, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", resp.StatusCode)
		}
	})
}

func TestOrdersAPI(t *testing.T) {
	t.Parallel()

	t.Run("requires a user", func(t *testing.T) {
		s := newServer(t)
		resp, _ := s.do(t, http.MethodGet, "/orders", nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("create renders money as fixed strings", func(t *testing.T) {
		s := newServer(t)
		body := s.createOrder(t, 1)
		if body["status"] != "pending" || body["subtotal"] != "1200.00" || body["shipping_fee"] != "0.00" ||
			body["tax"] != "216.00" || body["total"] != "1416.00" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("insufficient stock is a conflict naming the product", func(t *testing.T) {
		s := newServer(t)
		s.store.PutCartItem(orders.CartItem{UserID: "user-1", ProductID: "p1", Quantity: 4})
		resp, body := s.do(t, http.MethodPost, "/orders", map[string]string{"address_id": "addr-1"}, asUser("user-1"))
		if resp.StatusCode != http.StatusConflict || body["product_id"] != "p1" || body["available"] != float64(3) {
			t.Fatalf("expected 409 with availability, got %d %v", resp.StatusCode, body)
		}
	})

	t.Run("validation and not found", func(t *testing.T) {
		s := newServer(t)
		resp, _ := s.do(t, http.MethodPost, "/orders", map[string]string{}, asUser("user-1"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for missing address, got %d", resp.StatusCode)
		}
		resp, _ = s.do(t, http.MethodPost, "/orders", []byte("{"), asUser("user-1"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
		}
		resp, _ = s.do(t, http.MethodPost, "/orders", map[string]string{"address_id": "addr-1"}, asUser("user-1"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for empty cart, got %d", resp.StatusCode)
		}
		resp, _ = s.do(t, http.MethodGet, "/orders/missing", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("list, get, status, track and cancel", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)

		resp, body := s.do(t, http.MethodGet, "/orders?page=1&page_size=5", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["total"] != float64(1) {
			t.Fatalf("unexpected list %d %v", resp.StatusCode, body)
		}
		resp, _ = s.do(t, http.MethodGet, "/orders/"+id, nil, asUser("user-2"))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for another user, got %d", resp.StatusCode)
		}
		resp, body = s.do(t, http.MethodGet, "/orders/"+id+"/status", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["status"] != "pending" || body["cached"] != false {
			t.Fatalf("unexpected status %d %v", resp.StatusCode, body)
		}
		resp, body = s.do(t, http.MethodGet, "/orders/"+id+"/track", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["shipment"] != nil {
			t.Fatalf("unexpected track %d %v", resp.StatusCode, body)
		}
		resp, body = s.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
			t.Fatalf("unexpected cancel %d %v", resp.StatusCode, body)
		}
		resp, _ = s.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409 on second cancel, got %d", resp.StatusCode)
		}
	})
}

func TestPaymentsAPI(t *testing.T) {
	t.Parallel()

	t.Run("create, verify and late webhook", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 2)["id"].(string)

		resp, att := s.do(t, http.MethodPost, "/payments/create", map[string]string{"order_id": id}, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || att["amount"] != "2832.00" || att["amount_minor"] != float64(283200) {
			t.Fatalf("unexpected attempt %d %v", resp.StatusCode, att)
		}
		gwOrder := att["gateway_order_id"].(string)

		resp, body := s.do(t, http.MethodPost, "/payments/verify", map[string]string{
			"razorpay_order_id":   gwOrder,
			"razorpay_payment_id": "pay_1",
			"razorpay_signature":  payments.SignPayment(keySecret, gwOrder, "pay_1"),
		}, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["order_status"] != "confirmed" || body["already_captured"] != false {
			t.Fatalf("unexpected verify %d %v", resp.StatusCode, body)
		}

		hook, _ := json.Marshal(map[string]any{
			"event": "payment.captured",
			"payload": map[string]any{"payment": map[string]any{"entity": map[string]any{
				"id": "pay_1", "order_id": gwOrder,
			}}},
		})
		resp, body = s.do(t, http.MethodPost, "/webhooks/payment", hook, map[string]string{
			httpx.HeaderPaymentSignature: payments.SignWebhook(webhookSecret, hook),
			httpx.HeaderPaymentEventID:   "evt_1",
		})
		if resp.StatusCode != http.StatusOK || body["status"] != string(payments.OutcomeAlreadyApplied) {
			t.Fatalf("unexpected webhook %d %v", resp.StatusCode, body)
		}
		p, _ := s.store.Product("p1")
		if p.Stock != 1 || p.ReservedStock != 0 {
			t.Fatalf("expected 1/0, got %d/%d", p.Stock, p.ReservedStock)
		}
	})

	t.Run("webhook with bad signature is rejected", func(t *testing.T) {
		s := newServer(t)
		resp, _ := s.do(t, http.MethodPost, "/webhooks/payment", []byte(`{"event":"payment.captured"}`),
			map[string]string{httpx.HeaderPaymentSignature: "nope"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("signed but unusable webhook is acknowledged", func(t *testing.T) {
		s := newServer(t)
		noOrder, _ := json.Marshal(map[string]any{
			"event":   "payment.captured",
			"payload": map[string]any{"payment": map[string]any{"entity": map[string]any{"id": "pay_1"}}},
		})
		for name, hook := range map[string][]byte{"not json": []byte("{"), "missing order id": noOrder} {
			resp, body := s.do(t, http.MethodPost, "/webhooks/payment", hook, map[string]string{
				httpx.HeaderPaymentSignature: payments.SignWebhook(webhookSecret, hook),
			})
			if resp.StatusCode != http.StatusOK || body["status"] != string(payments.OutcomeIgnored) {
				t.Errorf("%s: expected 200 ignored, got %d %v", name, resp.StatusCode, body)
			}
		}
	})

	t.Run("verify with bad signature", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		_, att := s.do(t, http.MethodPost, "/payments/create", map[string]string{"order_id": id}, asUser("user-1"))
		resp, _ := s.do(t, http.MethodPost, "/payments/verify", map[string]string{
			"razorpay_order_id":   att["gateway_order_id"].(string),
			"razorpay_payment_id": "pay_1",
			"razorpay_signature":  "forged",
		}, asUser("user-1"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		p, _ := s.store.Product("p1")
		if p.Stock != 3 || p.ReservedStock != 0 {
			t.Fatalf("expected the reservation released, got %d/%d", p.Stock, p.ReservedStock)
		}
	})
}

func TestAdminAPI(t *testing.T) {
	t.Parallel()

	t.Run("requires the admin token", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		for _, token := range []string{"", "wrong"} {
			resp, _ := s.do(t, http.MethodPatch, "/admin/orders/"+id+"/status",
				map[string]string{"status": "confirmed"}, map[string]string{httpx.HeaderAdminToken: token})
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("token %q: expected 401, got %d", token, resp.StatusCode)
			}
		}
	})

	t.Run("invalid transition lists allowed moves", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		resp, body := s.do(t, http.MethodPatch, "/admin/orders/"+id+"/status",
			map[string]string{"status": "delivered"}, map[string]string{httpx.HeaderAdminToken: adminToken})
		allowed, _ := body["allowed_transitions"].([]any)
		if resp.StatusCode != http.StatusBadRequest || len(allowed) != 2 {
			t.Fatalf("expected 400 with allowed moves, got %d %v", resp.StatusCode, body)
		}
	})

	t.Run("ship then carrier delivery", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		admin := map[string]string{httpx.HeaderAdminToken: adminToken}

		resp, _ := s.do(t, http.MethodPost, "/admin/orders/"+id+"/ship", map[string]float64{"weight": 1.5}, admin)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409 shipping an unpaid order, got %d", resp.StatusCode)
		}
		if resp, body := s.do(t, http.MethodPatch, "/admin/orders/"+id+"/status",
			map[string]string{"status": "confirmed"}, admin); resp.StatusCode != http.StatusOK {
			t.Fatalf("confirm: %d %v", resp.StatusCode, body)
		}
		resp, body := s.do(t, http.MethodPost, "/admin/orders/"+id+"/ship", map[string]float64{"weight": 1.5}, admin)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
		}
		awb := body["shipment"].(map[string]any)["awb"].(string)

		event := map[string]any{"awb": awb, "current_status_id": 7, "current_status": "DELIVERED"}
		resp, _ = s.do(t, http.MethodPost, "/webhooks/carrier", event, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 without carrier token, got %d", resp.StatusCode)
		}
		resp, body = s.do(t, http.MethodPost, "/webhooks/carrier", event, map[string]string{httpx.HeaderCarrierToken: carrierToken})
		if resp.StatusCode != http.StatusOK || body["status"] != string(shipping.OutcomeApplied) {
			t.Fatalf("unexpected carrier webhook %d %v", resp.StatusCode, body)
		}
		resp, body = s.do(t, http.MethodGet, "/orders/"+id+"/track", nil, asUser("user-1"))
		if resp.StatusCode != http.StatusOK || body["status"] != "delivered" {
			t.Fatalf("unexpected track %d %v", resp.StatusCode, body)
		}
	})

	t.Run("refund without capture", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		resp, _ := s.do(t, http.MethodPost, "/admin/orders/"+id+"/refund", map[string]any{}, map[string]string{httpx.HeaderAdminToken: adminToken})
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
	})
}

func TestCarrierWebhook(t *testing.T) {
	t.Parallel()

	headers := map[string]string{httpx.HeaderCarrierToken: carrierToken}

	t.Run("unusable bodies are acknowledged", func(t *testing.T) {
		s := newServer(t)
		for name, body := range map[string]any{
			"not json":    []byte("not json"),
			"missing awb": map[string]any{"current_status_id": 6},
		} {
			resp, out := s.do(t, http.MethodPost, "/webhooks/carrier", body, headers)
			if resp.StatusCode != http.StatusOK || out["status"] != string(shipping.OutcomeIgnored) {
				t.Errorf("%s: expected 200 ignored, got %d %v", name, resp.StatusCode, out)
			}
		}
		resp, body := s.do(t, http.MethodPost, "/webhooks/carrier", map[string]any{"awb": "UNKNOWN", "current_status_id": 6}, headers)
		if resp.StatusCode != http.StatusOK || body["status"] != string(shipping.OutcomeUnknownAWB) {
			t.Fatalf("expected ack for unknown awb, got %d %v", resp.StatusCode, body)
		}
	})

	t.Run("zone-less carrier times are accepted", func(t *testing.T) {
		s := newServer(t)
		id := s.createOrder(t, 1)["id"].(string)
		admin := map[string]string{httpx.HeaderAdminToken: adminToken}
		if resp, body := s.do(t, http.MethodPatch, "/admin/orders/"+id+"/status",
			map[string]string{"status": "confirmed"}, admin); resp.StatusCode != http.StatusOK {
			t.Fatalf("confirm: %d %v", resp.StatusCode, body)
		}
		resp, body := s.do(t, http.MethodPost, "/admin/orders/"+id+"/ship", map[string]float64{"weight": 1}, admin)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ship: %d %v", resp.StatusCode, body)
		}
		awb := body["shipment"].(map[string]any)["awb"].(string)

		resp, body = s.do(t, http.MethodPost, "/webhooks/carrier", map[string]any{
			"awb":               awb,
			"current_status_id": 6,
			"current_status":    "IN TRANSIT",
			"current_timestamp": "2025-06-02 09:15:00",
			"etd":               "2025-06-05 18:00:00",
		}, headers)
		if resp.StatusCode != http.StatusOK || body["status"] != string(shipping.OutcomeApplied) {
			t.Fatalf("expected applied, got %d %v", resp.StatusCode, body)
		}
		sh, err := s.store.GetShipmentByAWB(context.Background(), awb)
		if err != nil {
			t.Fatalf("shipment: %v", err)
		}
		want := time.Date(2025, 6, 5, 18, 0, 0, 0, time.UTC)
		if sh.EstimatedDelivery == nil || !sh.EstimatedDelivery.Equal(want) {
			t.Fatalf("expected etd %s, got %v", want, sh.EstimatedDelivery)
		}
	})
}
