package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderAdminToken  = "X-Admin-Token"
	maxBodyBytes      = 1 << 20
	errInternalServer = "internal server error"
)

type errorResp struct {
	Error     string          `json:"error"`
	Allowed   []orders.Status `json:"allowed_transitions,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Available *int            `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orders.ErrIntegration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := statusFor(err)
	resp := errorResp{Error: err.Error()}
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway {
		log.Error("request failed", zap.Error(err))
		resp.Error = errInternalServer
	}
	var te *orders.TransitionError
	if errors.As(err, &te) {
		resp.Allowed = te.Allowed
	}
	var se *orders.InsufficientStockError
	if errors.As(err, &se) {
		avail := se.Available
		resp.ProductID, resp.Available = se.ProductID, &avail
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return false
	}
	return true
}

// readBody returns the raw body, needed where a signature covers the exact
// bytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return nil, false
	}
	return body, true
}

type userKey struct{}

// RequireUser takes the caller's id from the upstream auth layer.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing user"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

// RequireToken rejects requests whose header does not carry token. An empty
// token locks the routes entirely.
func RequireToken(header, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
