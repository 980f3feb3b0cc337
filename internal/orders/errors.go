package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the core wraps exactly one of these so
// transports can map them with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrIntegration = errors.New("integration failure")
)

var (
	ErrInvalidQuantity    = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrEmptyCart          = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrInvalidSignature   = fmt.Errorf("%w: invalid signature", ErrValidation)
	ErrInvalidRefund      = fmt.Errorf("%w: invalid refund amount", ErrValidation)
	ErrProductNotFound    = fmt.Errorf("%w: product", ErrNotFound)
	ErrOrderNotFound      = fmt.Errorf("%w: order", ErrNotFound)
	ErrAddressNotFound    = fmt.Errorf("%w: address", ErrNotFound)
	ErrPaymentNotFound    = fmt.Errorf("%w: payment", ErrNotFound)
	ErrShipmentNotFound   = fmt.Errorf("%w: shipment", ErrNotFound)
	ErrInsufficientStock  = fmt.Errorf("%w: insufficient stock", ErrConflict)
	ErrNotCancellable     = fmt.Errorf("%w: order cannot be cancelled", ErrConflict)
	ErrOrderNotPending    = fmt.Errorf("%w: order is not pending", ErrConflict)
	ErrAlreadyCaptured    = fmt.Errorf("%w: payment already captured", ErrConflict)
	ErrNotCaptured        = fmt.Errorf("%w: no captured payment", ErrConflict)
	ErrShipmentExists     = fmt.Errorf("%w: shipment already exists", ErrConflict)
	ErrOrderNumberTaken   = fmt.Errorf("%w: order number taken", ErrConflict)
	ErrNotShippable       = fmt.Errorf("%w: order is not shippable", ErrConflict)
	ErrLateCapture        = fmt.Errorf("%w: capture reported after failure", ErrConflict)
	ErrLedgerInvariant    = fmt.Errorf("%w: stock counters would become inconsistent", ErrConflict)
	ErrGatewayUnavailable = fmt.Errorf("%w: payment gateway", ErrIntegration)
	ErrCarrierUnavailable = fmt.Errorf("%w: carrier", ErrIntegration)
)

// InsufficientStockError names the product that could not be reserved.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// TransitionError is an illegal status change.
type TransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *TransitionError) Error() string {
	allowed := "none (terminal state)"
	if len(e.Allowed) > 0 {
		parts := make([]string, 0, len(e.Allowed))
		for _, s := range e.Allowed {
			parts = append(parts, string(s))
		}
		allowed = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("cannot change from %q to %q, allowed: %s", e.From, e.To, allowed)
}

func (e *TransitionError) Unwrap() error { return ErrValidation }
