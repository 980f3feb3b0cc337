package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	HeaderPaymentSignature = "X-Razorpay-Signature"
	HeaderPaymentEventID   = "X-Razorpay-Event-Id"
)

type PaymentsHandler struct {
	Payments *payments.Reconciler
	Log      *zap.Logger
}

type createPaymentReq struct {
	OrderID string `json:"order_id"`
}

type createPaymentResp struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         string `json:"amount"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	KeyID          string `json:"key_id,omitempty"`
}

type verifyReq struct {
	GatewayOrderID   string `json:"razorpay_order_id"`
	GatewayPaymentID string `json:"razorpay_payment_id"`
	Signature        string `json:"razorpay_signature"`
}

type verifyResp struct {
	OrderID         string               `json:"order_id"`
	OrderNumber     string               `json:"order_number"`
	OrderStatus     orders.Status        `json:"order_status"`
	PaymentStatus   orders.PaymentStatus `json:"payment_status"`
	AlreadyCaptured bool                 `json:"already_captured"`
}

type webhookResp struct {
	Status string `json:"status"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/payments/create", h.createPayment)
		r.Post("/payments/verify", h.verifyPayment)
	})
	r.Post("/webhooks/payment", h.webhook)
}

func (h *PaymentsHandler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "order_id is required"})
		return
	}
	att, err := h.Payments.CreateAttempt(r.Context(), userID(r), req.OrderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, createPaymentResp{
		OrderID:        att.OrderID,
		OrderNumber:    att.OrderNumber,
		GatewayOrderID: att.GatewayOrderID,
		Amount:         att.Amount.StringFixed(2),
		AmountMinor:    att.AmountMinor,
		Currency:       att.Currency,
		KeyID:          att.KeyID,
	})
}

func (h *PaymentsHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.Payments.Verify(r.Context(), userID(r), payments.VerifyInput{
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResp{
		OrderID:         res.OrderID,
		OrderNumber:     res.OrderNumber,
		OrderStatus:     res.OrderStatus,
		PaymentStatus:   res.PaymentStatus,
		AlreadyCaptured: res.AlreadyCaptured,
	})
}

// webhook acknowledges everything except a bad signature; a non-2xx would
// make the gateway retry.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	out, err := h.Payments.HandleWebhook(r.Context(), body,
		r.Header.Get(HeaderPaymentSignature), r.Header.Get(HeaderPaymentEventID))
	if err != nil {
		if statusFor(err) == http.StatusBadRequest {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		h.Log.Error("payment webhook failed", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResp{Status: "error"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResp{Status: string(out)})
}
