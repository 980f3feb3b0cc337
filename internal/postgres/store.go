package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres implementation of every repository the services use.
// Methods named ...ForUpdate take a row lock and must run inside WithTx.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

// notFound reports a missing row or a malformed id.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err)
}

// Products

func (s *Store) GetProductForUpdate(ctx context.Context, productID string) (orders.Product, error) {
	const q = `
SELECT id, name, price, images, stock, reserved_stock, is_active, updated_at
FROM products WHERE id = $1 FOR UPDATE`
	var p orders.Product
	err := s.queryRow(ctx, q, productID).
		Scan(&p.ID, &p.Name, &p.Price, &p.Images, &p.Stock, &p.ReservedStock, &p.Active, &p.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, productID)
		}
		return orders.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *Store) SaveProductStock(ctx context.Context, productID string, stock, reserved int) error {
	ct, err := s.exec(ctx,
		`UPDATE products SET stock = $2, reserved_stock = $3, updated_at = NOW() WHERE id = $1`,
		productID, stock, reserved)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %s", orders.ErrLedgerInvariant, productID)
		}
		return fmt.Errorf("save product stock: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", orders.ErrProductNotFound, productID)
	}
	return nil
}

func (s *Store) RecordStockMovement(ctx context.Context, m orders.StockMovement) error {
	_, err := s.exec(ctx, `
INSERT INTO stock_movements (order_id, product_id, kind, quantity, stock, reserved_stock, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.OrderID, m.ProductID, m.Kind, m.Quantity, m.Stock, m.ReservedStock, m.At)
	if err != nil {
		return fmt.Errorf("record stock movement: %w", err)
	}
	return nil
}

// Cart and addresses

func (s *Store) ListCartItems(ctx context.Context, userID string) ([]orders.CartItem, error) {
	rows, err := s.query(ctx,
		`SELECT user_id, product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()

	var out []orders.CartItem
	for rows.Next() {
		var c orders.CartItem
		if err := rows.Scan(&c.UserID, &c.ProductID, &c.Quantity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ClearCart(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (s *Store) GetAddress(ctx context.Context, userID, addressID string) (orders.Address, error) {
	const q = `
SELECT id, user_id, name, mobile, email, line1, line2, city, state, pincode, country, address_type
FROM addresses WHERE id = $1 AND user_id = $2`
	var a orders.Address
	err := s.queryRow(ctx, q, addressID, userID).Scan(
		&a.ID, &a.UserID, &a.Name, &a.Mobile, &a.Email, &a.Line1, &a.Line2,
		&a.City, &a.State, &a.Pincode, &a.Country, &a.AddressType)
	if err != nil {
		if notFound(err) {
			return orders.Address{}, orders.ErrAddressNotFound
		}
		return orders.Address{}, fmt.Errorf("get address: %w", err)
	}
	return a, nil
}

// Orders

func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	_, err := s.exec(ctx, `
INSERT INTO orders (id, order_number, user_id, shipping_address, subtotal, shipping_fee, tax, discount, total, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.OrderNumber, o.UserID, o.Shipping, o.Subtotal, o.ShippingFee, o.Tax, o.Discount, o.Total,
		o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolationOn(err, "orders_order_number_key") {
			return fmt.Errorf("%w: %s", orders.ErrOrderNumberTaken, o.OrderNumber)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s exists", orders.ErrConflict, o.ID)
		}
		return fmt.Errorf("create order: %w", err)
	}
	for _, it := range o.Items {
		_, err := s.exec(ctx, `
INSERT INTO order_items (id, order_id, product_id, product_name, product_image, quantity, price, total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.ProductImage, it.Quantity, it.Price, it.Total)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}
	return nil
}

const orderColumns = `id, order_number, user_id, shipping_address, subtotal, shipping_fee, tax, discount, total, status, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Shipping, &o.Subtotal, &o.ShippingFee,
		&o.Tax, &o.Discount, &o.Total, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (s *Store) GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (s *Store) getOrder(ctx context.Context, q, orderID string) (orders.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, q, orderID))
	if err != nil {
		if notFound(err) {
			return orders.Order{}, orders.ErrOrderNotFound
		}
		return orders.Order{}, fmt.Errorf("get order: %w", err)
	}
	if o.Items, err = s.orderItems(ctx, o.ID); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) orderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := s.query(ctx, `
SELECT id, order_id, product_id, product_name, product_image, quantity, price, total
FROM order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.ProductImage,
			&it.Quantity, &it.Price, &it.Total); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	ct, err := s.exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, status, at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, int, error) {
	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	rows, err := s.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1
ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if out[i].Items, err = s.orderItems(ctx, out[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *Store) ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.query(ctx, `
SELECT id FROM orders WHERE status = 'pending' AND created_at < $1
ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Payments

const paymentColumns = `id, order_id, gateway, gateway_order_id, gateway_payment_id, gateway_signature,
amount, refunded_amount, currency, status, failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (orders.Payment, error) {
	var p orders.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Gateway, &p.GatewayOrderID, &p.GatewayPaymentID, &p.GatewaySignature,
		&p.Amount, &p.RefundedAmount, &p.Currency, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) CreatePayment(ctx context.Context, p orders.Payment) error {
	_, err := s.exec(ctx, `
INSERT INTO payments (`+paymentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.OrderID, p.Gateway, p.GatewayOrderID, p.GatewayPaymentID, p.GatewaySignature,
		p.Amount, p.RefundedAmount, p.Currency, p.Status, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment for order %s exists", orders.ErrConflict, p.OrderID)
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*orders.Payment, error) {
	return s.paymentByOrder(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
}

func (s *Store) GetPaymentByOrderForUpdate(ctx context.Context, orderID string) (*orders.Payment, error) {
	return s.paymentByOrder(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 FOR UPDATE`, orderID)
}

func (s *Store) paymentByOrder(ctx context.Context, q, orderID string) (*orders.Payment, error) {
	p, err := scanPayment(s.queryRow(ctx, q, orderID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (orders.Payment, error) {
	p, err := scanPayment(s.queryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, gatewayOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Payment{}, orders.ErrPaymentNotFound
		}
		return orders.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p orders.Payment) error {
	ct, err := s.exec(ctx, `
UPDATE payments SET gateway_order_id = $2, gateway_payment_id = $3, gateway_signature = $4,
	amount = $5, refunded_amount = $6, status = $7, failure_reason = $8, updated_at = $9
WHERE id = $1`,
		p.ID, p.GatewayOrderID, p.GatewayPaymentID, p.GatewaySignature,
		p.Amount, p.RefundedAmount, p.Status, p.FailureReason, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: gateway order %s exists", orders.ErrConflict, p.GatewayOrderID)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrPaymentNotFound
	}
	return nil
}

// Shipments

const shipmentColumns = `id, order_id, carrier_order_id, carrier_shipment_id, awb, courier_name, tracking_url,
status, tracking_history, estimated_delivery, shipped_at, delivered_at, created_at, updated_at`

func scanShipment(row pgx.Row) (orders.Shipment, error) {
	var sh orders.Shipment
	err := row.Scan(&sh.ID, &sh.OrderID, &sh.CarrierOrderID, &sh.CarrierShipmentID, &sh.AWB, &sh.CourierName,
		&sh.TrackingURL, &sh.Status, &sh.TrackingHistory, &sh.EstimatedDelivery, &sh.ShippedAt,
		&sh.DeliveredAt, &sh.CreatedAt, &sh.UpdatedAt)
	return sh, err
}

func (s *Store) CreateShipment(ctx context.Context, sh orders.Shipment) error {
	history := sh.TrackingHistory
	if history == nil {
		history = []orders.TrackingEntry{}
	}
	_, err := s.exec(ctx, `
INSERT INTO shipments (`+shipmentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sh.ID, sh.OrderID, sh.CarrierOrderID, sh.CarrierShipmentID, sh.AWB, sh.CourierName, sh.TrackingURL,
		sh.Status, history, sh.EstimatedDelivery, sh.ShippedAt, sh.DeliveredAt, sh.CreatedAt, sh.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return orders.ErrShipmentExists
		}
		return fmt.Errorf("create shipment: %w", err)
	}
	return nil
}

func (s *Store) GetShipmentByOrder(ctx context.Context, orderID string) (*orders.Shipment, error) {
	sh, err := scanShipment(s.queryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE order_id = $1`, orderID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get shipment: %w", err)
	}
	return &sh, nil
}

func (s *Store) GetShipmentByAWB(ctx context.Context, awb string) (orders.Shipment, error) {
	return s.getShipmentByAWB(ctx, awb, "")
}

func (s *Store) GetShipmentByAWBForUpdate(ctx context.Context, awb string) (orders.Shipment, error) {
	return s.getShipmentByAWB(ctx, awb, " FOR UPDATE")
}

func (s *Store) getShipmentByAWB(ctx context.Context, awb, lock string) (orders.Shipment, error) {
	sh, err := scanShipment(s.queryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE awb = $1`+lock, awb))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Shipment{}, orders.ErrShipmentNotFound
		}
		return orders.Shipment{}, fmt.Errorf("get shipment: %w", err)
	}
	return sh, nil
}

// UpdateShipmentTracking appends entry with jsonb || so concurrent readers
// never see a rewritten history.
func (s *Store) UpdateShipmentTracking(ctx context.Context, sh orders.Shipment, entry orders.TrackingEntry) error {
	ct, err := s.exec(ctx, `
UPDATE shipments SET status = $2, shipped_at = $3, delivered_at = $4, estimated_delivery = $5,
	updated_at = $6, tracking_history = tracking_history || jsonb_build_array($7::jsonb)
WHERE id = $1`,
		sh.ID, sh.Status, sh.ShippedAt, sh.DeliveredAt, sh.EstimatedDelivery, sh.UpdatedAt, entry)
	if err != nil {
		return fmt.Errorf("update shipment: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrShipmentNotFound
	}
	return nil
}
