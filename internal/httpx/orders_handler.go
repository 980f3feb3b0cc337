package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrdersHandler struct {
	Orders *fulfillment.Coordinator
	Cache  *redisx.StatusCache // optional
	Log    *zap.Logger
}

type CreateOrderReq struct {
	AddressID string `json:"address_id"`
}

type orderItemResp struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	ProductImage string `json:"product_image,omitempty"`
	Quantity     int    `json:"quantity"`
	Price        string `json:"price"`
	Total        string `json:"total"`
}

type OrderResp struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"order_number"`
	Status          orders.Status          `json:"status"`
	ShippingAddress orders.ShippingAddress `json:"shipping_address"`
	Subtotal        string                 `json:"subtotal"`
	ShippingFee     string                 `json:"shipping_fee"`
	Tax             string                 `json:"tax"`
	Discount        string                 `json:"discount"`
	Total           string                 `json:"total"`
	Items           []orderItemResp        `json:"items"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type ShipmentResp struct {
	AWB               string                 `json:"awb"`
	CourierName       string                 `json:"courier_name"`
	TrackingURL       string                 `json:"tracking_url,omitempty"`
	Status            orders.ShipmentStatus  `json:"status"`
	TrackingHistory   []orders.TrackingEntry `json:"tracking_history"`
	EstimatedDelivery *time.Time             `json:"estimated_delivery,omitempty"`
	ShippedAt         *time.Time             `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time             `json:"delivered_at,omitempty"`
}

type listOrdersResp struct {
	Orders   []OrderResp `json:"orders"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

type trackResp struct {
	OrderNumber string        `json:"order_number"`
	Status      orders.Status `json:"status"`
	Shipment    *ShipmentResp `json:"shipment"`
}

type statusResp struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

func toOrderResp(o orders.Order) OrderResp {
	items := make([]orderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResp{
			ProductID:    it.ProductID,
			ProductName:  it.ProductName,
			ProductImage: it.ProductImage,
			Quantity:     it.Quantity,
			Price:        it.Price.StringFixed(2),
			Total:        it.Total.StringFixed(2),
		})
	}
	return OrderResp{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		ShippingAddress: o.Shipping,
		Subtotal:        o.Subtotal.StringFixed(2),
		ShippingFee:     o.ShippingFee.StringFixed(2),
		Tax:             o.Tax.StringFixed(2),
		Discount:        o.Discount.StringFixed(2),
		Total:           o.Total.StringFixed(2),
		Items:           items,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toShipmentResp(sh *orders.Shipment) *ShipmentResp {
	if sh == nil {
		return nil
	}
	history := sh.TrackingHistory
	if history == nil {
		history = []orders.TrackingEntry{}
	}
	return &ShipmentResp{
		AWB:               sh.AWB,
		CourierName:       sh.CourierName,
		TrackingURL:       sh.TrackingURL,
		Status:            sh.Status,
		TrackingHistory:   history,
		EstimatedDelivery: sh.EstimatedDelivery,
		ShippedAt:         sh.ShippedAt,
		DeliveredAt:       sh.DeliveredAt,
	}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Get("/orders/{id}/track", h.trackOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AddressID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "address_id is required"})
		return
	}
	o, err := h.Orders.CreateOrder(r.Context(), userID(r), req.AddressID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	p, err := h.Orders.ListOrders(r.Context(), userID(r), page, size)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := listOrdersResp{Orders: make([]OrderResp, 0, len(p.Orders)), Total: p.Total, Page: p.Page, PageSize: p.PageSize}
	for _, o := range p.Orders {
		out.Orders = append(out.Orders, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

// getStatus is served from the status cache when possible. Entries are
// dropped by the cache invalidator whenever the order emits an event; the
// generation read before loading keeps a slow read from caching a status
// that was invalidated meanwhile.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, uid := chi.URLParam(r, "id"), userID(r)
	if s, ok := h.Cache.Get(ctx, orderID); ok && s.UserID == uid {
		writeJSON(w, http.StatusOK, statusResp{OrderID: orderID, Status: s.Status, UpdatedAt: s.UpdatedAt, Cached: true})
		return
	}
	gen := h.Cache.Generation(ctx, orderID)
	o, err := h.Orders.GetOrder(ctx, orderID, uid)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if _, err := h.Cache.Set(ctx, orderID, gen, redisx.CachedStatus{UserID: o.UserID, Status: string(o.Status), UpdatedAt: o.UpdatedAt}); err != nil {
		h.Log.Debug("cache order status", zap.String("order_id", orderID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: orderID, Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) trackOrder(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orders.TrackOrder(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, trackResp{
		OrderNumber: t.Order.OrderNumber,
		Status:      t.Order.Status,
		Shipment:    toShipmentResp(t.Shipment),
	})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}
