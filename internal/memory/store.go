// Package memory is an in-process Store used by tests and STORAGE=memory.
// Transactions are serialised by one mutex and rolled back by restoring a
// snapshot, so row locks are implied by holding the transaction.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

type txKey struct{}

type state struct {
	products  map[string]orders.Product
	addresses map[string]orders.Address
	carts     map[string][]orders.CartItem // by user
	orders    map[string]orders.Order
	payments  map[string]orders.Payment // by order
	shipments map[string]orders.Shipment
	movements []orders.StockMovement
}

func newState() state {
	return state{
		products:  map[string]orders.Product{},
		addresses: map[string]orders.Address{},
		carts:     map[string][]orders.CartItem{},
		orders:    map[string]orders.Order{},
		payments:  map[string]orders.Payment{},
		shipments: map[string]orders.Shipment{},
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.products {
		v.Images = slices.Clone(v.Images)
		c.products[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = slices.Clone(v)
	}
	for k, v := range s.orders {
		v.Items = slices.Clone(v.Items)
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.shipments {
		v.TrackingHistory = slices.Clone(v.TrackingHistory)
		c.shipments[k] = v
	}
	c.movements = slices.Clone(s.movements)
	return c
}

type Store struct {
	mu   sync.Mutex
	data state
}

func NewStore() *Store {
	return &Store{data: newState()}
}

// WithTx runs fn with the store locked. Nested calls join the outer
// transaction. Any error restores the state seen on entry.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// lock takes the store mutex unless ctx already belongs to a transaction.
func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Seeding helpers.

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[p.ID] = p
}

func (s *Store) PutAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.addresses[a.ID] = a
}

func (s *Store) PutCartItem(c orders.CartItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.data.carts[c.UserID]
	for i := range items {
		if items[i].ProductID == c.ProductID {
			items[i].Quantity = c.Quantity
			return
		}
	}
	s.data.carts[c.UserID] = append(items, c)
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.products[id]
	return p, ok
}

func (s *Store) Movements() []orders.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.movements)
}

// Products

func (s *Store) GetProductForUpdate(ctx context.Context, productID string) (orders.Product, error) {
	defer s.lock(ctx)()
	p, ok := s.data.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, productID)
	}
	return p, nil
}

func (s *Store) SaveProductStock(ctx context.Context, productID string, stock, reserved int) error {
	defer s.lock(ctx)()
	p, ok := s.data.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrProductNotFound, productID)
	}
	p.Stock = stock
	p.ReservedStock = reserved
	s.data.products[productID] = p
	return nil
}

func (s *Store) RecordStockMovement(ctx context.Context, m orders.StockMovement) error {
	defer s.lock(ctx)()
	s.data.movements = append(s.data.movements, m)
	return nil
}

// Cart and addresses

func (s *Store) ListCartItems(ctx context.Context, userID string) ([]orders.CartItem, error) {
	defer s.lock(ctx)()
	return slices.Clone(s.data.carts[userID]), nil
}

func (s *Store) ClearCart(ctx context.Context, userID string) error {
	defer s.lock(ctx)()
	delete(s.data.carts, userID)
	return nil
}

func (s *Store) GetAddress(ctx context.Context, userID, addressID string) (orders.Address, error) {
	defer s.lock(ctx)()
	a, ok := s.data.addresses[addressID]
	if !ok || a.UserID != userID {
		return orders.Address{}, orders.ErrAddressNotFound
	}
	return a, nil
}

// Orders

func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	defer s.lock(ctx)()
	if _, ok := s.data.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s exists", orders.ErrConflict, o.ID)
	}
	for _, other := range s.data.orders {
		if other.OrderNumber == o.OrderNumber {
			return fmt.Errorf("%w: %s", orders.ErrOrderNumberTaken, o.OrderNumber)
		}
	}
	o.Items = slices.Clone(o.Items)
	s.data.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	defer s.lock(ctx)()
	return s.order(orderID)
}

func (s *Store) GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	defer s.lock(ctx)()
	return s.order(orderID)
}

func (s *Store) order(orderID string) (orders.Order, error) {
	o, ok := s.data.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	defer s.lock(ctx)()
	o, ok := s.data.orders[orderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	s.data.orders[orderID] = o
	return nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, int, error) {
	defer s.lock(ctx)()
	var all []orders.Order
	for _, o := range s.data.orders {
		if o.UserID == userID {
			o.Items = slices.Clone(o.Items)
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (s *Store) ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]string, error) {
	defer s.lock(ctx)()
	var stale []orders.Order
	for _, o := range s.data.orders {
		if o.Status == orders.StatusPending && o.CreatedAt.Before(before) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	ids := make([]string, 0, len(stale))
	for _, o := range stale {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// Payments

func (s *Store) CreatePayment(ctx context.Context, p orders.Payment) error {
	defer s.lock(ctx)()
	if _, ok := s.data.payments[p.OrderID]; ok {
		return fmt.Errorf("%w: payment for order %s exists", orders.ErrConflict, p.OrderID)
	}
	for _, other := range s.data.payments {
		if other.GatewayOrderID == p.GatewayOrderID {
			return fmt.Errorf("%w: gateway order %s exists", orders.ErrConflict, p.GatewayOrderID)
		}
	}
	s.data.payments[p.OrderID] = p
	return nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*orders.Payment, error) {
	defer s.lock(ctx)()
	return s.paymentByOrder(orderID), nil
}

func (s *Store) GetPaymentByOrderForUpdate(ctx context.Context, orderID string) (*orders.Payment, error) {
	defer s.lock(ctx)()
	return s.paymentByOrder(orderID), nil
}

func (s *Store) paymentByOrder(orderID string) *orders.Payment {
	p, ok := s.data.payments[orderID]
	if !ok {
		return nil
	}
	return &p
}

func (s *Store) GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (orders.Payment, error) {
	defer s.lock(ctx)()
	for _, p := range s.data.payments {
		if p.GatewayOrderID == gatewayOrderID {
			return p, nil
		}
	}
	return orders.Payment{}, orders.ErrPaymentNotFound
}

func (s *Store) UpdatePayment(ctx context.Context, p orders.Payment) error {
	defer s.lock(ctx)()
	cur, ok := s.data.payments[p.OrderID]
	if !ok || cur.ID != p.ID {
		return orders.ErrPaymentNotFound
	}
	for _, other := range s.data.payments {
		if other.ID != p.ID && other.GatewayOrderID == p.GatewayOrderID {
			return fmt.Errorf("%w: gateway order %s exists", orders.ErrConflict, p.GatewayOrderID)
		}
	}
	s.data.payments[p.OrderID] = p
	return nil
}

// Shipments

func (s *Store) CreateShipment(ctx context.Context, sh orders.Shipment) error {
	defer s.lock(ctx)()
	if _, ok := s.data.shipments[sh.OrderID]; ok {
		return orders.ErrShipmentExists
	}
	for _, other := range s.data.shipments {
		if sh.AWB != "" && other.AWB == sh.AWB {
			return fmt.Errorf("%w: awb %s exists", orders.ErrConflict, sh.AWB)
		}
	}
	sh.TrackingHistory = slices.Clone(sh.TrackingHistory)
	s.data.shipments[sh.OrderID] = sh
	return nil
}

func (s *Store) GetShipmentByOrder(ctx context.Context, orderID string) (*orders.Shipment, error) {
	defer s.lock(ctx)()
	sh, ok := s.data.shipments[orderID]
	if !ok {
		return nil, nil
	}
	sh.TrackingHistory = slices.Clone(sh.TrackingHistory)
	return &sh, nil
}

func (s *Store) GetShipmentByAWB(ctx context.Context, awb string) (orders.Shipment, error) {
	return s.GetShipmentByAWBForUpdate(ctx, awb)
}

func (s *Store) GetShipmentByAWBForUpdate(ctx context.Context, awb string) (orders.Shipment, error) {
	defer s.lock(ctx)()
	for _, sh := range s.data.shipments {
		if sh.AWB == awb {
			sh.TrackingHistory = slices.Clone(sh.TrackingHistory)
			return sh, nil
		}
	}
	return orders.Shipment{}, orders.ErrShipmentNotFound
}

// UpdateShipmentTracking stores the shipment's status fields and appends entry
// to its history.
func (s *Store) UpdateShipmentTracking(ctx context.Context, sh orders.Shipment, entry orders.TrackingEntry) error {
	defer s.lock(ctx)()
	cur, ok := s.data.shipments[sh.OrderID]
	if !ok || cur.ID != sh.ID {
		return orders.ErrShipmentNotFound
	}
	cur.Status = sh.Status
	cur.ShippedAt = sh.ShippedAt
	cur.DeliveredAt = sh.DeliveredAt
	cur.EstimatedDelivery = sh.EstimatedDelivery
	cur.UpdatedAt = sh.UpdatedAt
	cur.TrackingHistory = append(slices.Clone(cur.TrackingHistory), entry)
	s.data.shipments[sh.OrderID] = cur
	return nil
}
