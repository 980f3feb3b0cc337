package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/shipping"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AdminHandler struct {
	Orders   *fulfillment.Coordinator
	Payments *payments.Reconciler
	Shipping *shipping.Sync
	Token    string
	Log      *zap.Logger
}

type updateStatusReq struct {
	Status orders.Status `json:"status"`
	Note   string        `json:"note"`
}

type shipReq struct {
	Length  float64 `json:"length"`
	Breadth float64 `json:"breadth"`
	Height  float64 `json:"height"`
	Weight  float64 `json:"weight"`
}

type refundReq struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type refundResp struct {
	RefundID       string               `json:"refund_id"`
	Amount         string               `json:"amount"`
	RefundedAmount string               `json:"refunded_amount"`
	PaymentStatus  orders.PaymentStatus `json:"payment_status"`
	OrderStatus    orders.Status        `json:"order_status"`
}

type shipResp struct {
	OrderID  string        `json:"order_id"`
	Shipment *ShipmentResp `json:"shipment"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireToken(HeaderAdminToken, h.Token))
		r.Patch("/orders/{id}/status", h.updateStatus)
		r.Post("/orders/{id}/ship", h.ship)
		r.Post("/orders/{id}/refund", h.refund)
		r.Post("/orders/{id}/tracking/refresh", h.refreshTracking)
	})
}

func (h *AdminHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *AdminHandler) ship(w http.ResponseWriter, r *http.Request) {
	var req shipReq
	if !decodeJSON(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "id")
	sh, err := h.Shipping.CreateShipment(r.Context(), orderID, shipping.Dimensions{
		Length:  req.Length,
		Breadth: req.Breadth,
		Height:  req.Height,
		Weight:  req.Weight,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, shipResp{OrderID: orderID, Shipment: toShipmentResp(&sh)})
}

func (h *AdminHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "refund by operator"
	}
	res, err := h.Payments.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResp{
		RefundID:       res.RefundID,
		Amount:         res.Amount.StringFixed(2),
		RefundedAmount: res.RefundedAmount.StringFixed(2),
		PaymentStatus:  res.PaymentStatus,
		OrderStatus:    res.OrderStatus,
	})
}

func (h *AdminHandler) refreshTracking(w http.ResponseWriter, r *http.Request) {
	out, err := h.Shipping.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResp{Status: string(out)})
}
