package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/shipping"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const HeaderCarrierToken = "X-Api-Key"

type CarrierHandler struct {
	Shipping *shipping.Sync
	// Token, when set, must match the X-Api-Key header.
	Token string
	Log   *zap.Logger
}

func (h *CarrierHandler) Register(r chi.Router) {
	r.Post("/webhooks/carrier", h.webhook)
}

func (h *CarrierHandler) webhook(w http.ResponseWriter, r *http.Request) {
	if h.Token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderCarrierToken)), []byte(h.Token)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var ev shipping.CarrierEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		// a non-2xx makes the carrier resend the same body forever
		h.Log.Warn("undecodable carrier webhook ignored", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResp{Status: string(shipping.OutcomeIgnored)})
		return
	}
	out, err := h.Shipping.HandleCarrierEvent(r.Context(), ev)
	if err != nil {
		h.Log.Error("carrier webhook failed", zap.String("awb", ev.AWB), zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResp{Status: "error"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResp{Status: string(out)})
}
