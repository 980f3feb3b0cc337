package inventory

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

// Store is the slice of persistence the ledger needs. Every call is expected
// to run inside the caller's transaction (carried by ctx).
type Store interface {
	GetProductForUpdate(ctx context.Context, productID string) (orders.Product, error)
	SaveProductStock(ctx context.Context, productID string, stock, reserved int) error
	RecordStockMovement(ctx context.Context, m orders.StockMovement) error
}

// Ledger owns the stock and reserved counters of every product.
// Invariant after each operation: 0 <= ReservedStock <= Stock.
type Ledger struct {
	store Store
	clock clock.Clock
}

func NewLedger(store Store, clk clock.Clock) *Ledger {
	return &Ledger{store: store, clock: clk}
}

// Reserve holds qty units for an unpaid order.
func (l *Ledger) Reserve(ctx context.Context, orderID, productID string, qty int) (orders.StockMovement, error) {
	if qty <= 0 {
		return orders.StockMovement{}, orders.ErrInvalidQuantity
	}
	p, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return orders.StockMovement{}, err
	}
	if !p.Active {
		return orders.StockMovement{}, fmt.Errorf("%w: %s is not available", orders.ErrProductNotFound, p.Name)
	}
	if p.Available() < qty {
		return orders.StockMovement{}, &orders.InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			Available:   p.Available(),
			Requested:   qty,
		}
	}
	return l.apply(ctx, orderID, p, orders.MovementReserve, qty, p.Stock, p.ReservedStock+qty)
}

// Commit turns a reservation into a sale: owned stock leaves the warehouse.
func (l *Ledger) Commit(ctx context.Context, orderID, productID string, qty int) (orders.StockMovement, error) {
	if qty <= 0 {
		return orders.StockMovement{}, orders.ErrInvalidQuantity
	}
	p, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return orders.StockMovement{}, err
	}
	return l.apply(ctx, orderID, p, orders.MovementCommit, qty, p.Stock-qty, max(0, p.ReservedStock-qty))
}

// Release drops a reservation without touching owned stock.
func (l *Ledger) Release(ctx context.Context, orderID, productID string, qty int) (orders.StockMovement, error) {
	if qty <= 0 {
		return orders.StockMovement{}, orders.ErrInvalidQuantity
	}
	p, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return orders.StockMovement{}, err
	}
	return l.apply(ctx, orderID, p, orders.MovementRelease, qty, p.Stock, max(0, p.ReservedStock-qty))
}

// Restock returns committed units to owned stock (paid order cancelled).
func (l *Ledger) Restock(ctx context.Context, orderID, productID string, qty int) (orders.StockMovement, error) {
	if qty <= 0 {
		return orders.StockMovement{}, orders.ErrInvalidQuantity
	}
	p, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return orders.StockMovement{}, err
	}
	return l.apply(ctx, orderID, p, orders.MovementRestock, qty, p.Stock+qty, p.ReservedStock)
}

func (l *Ledger) apply(ctx context.Context, orderID string, p orders.Product, kind orders.MovementKind, qty, stock, reserved int) (orders.StockMovement, error) {
	if reserved < 0 || reserved > stock {
		return orders.StockMovement{}, fmt.Errorf("%w: %s %s qty=%d stock=%d reserved=%d",
			orders.ErrLedgerInvariant, kind, p.ID, qty, p.Stock, p.ReservedStock)
	}
	if err := l.store.SaveProductStock(ctx, p.ID, stock, reserved); err != nil {
		return orders.StockMovement{}, err
	}
	m := orders.StockMovement{
		OrderID:       orderID,
		ProductID:     p.ID,
		Kind:          kind,
		Quantity:      qty,
		Stock:         stock,
		ReservedStock: reserved,
		At:            l.clock.Now(),
	}
	if err := l.store.RecordStockMovement(ctx, m); err != nil {
		return orders.StockMovement{}, err
	}
	return m, nil
}
