package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setup(t *testing.T) (context.Context, *pgxpool.Pool, *postgres.Store, *clock.Manual) {
	t.Helper()
	ctx := context.Background()
	pool := testutil.NewTestPool(t)
	testutil.TruncateAll(t, ctx, pool)
	return ctx, pool, postgres.NewStore(pool), clock.NewManual(time.Now().UTC().Truncate(time.Microsecond))
}

func TestStore_CreateOrderNeverOversells(t *testing.T) {
	ctx, pool, st, clk := setup(t)
	productID := uuid.NewString()
	testutil.InsertProduct(t, ctx, pool, productID, "Last one", decimal.RequireFromString("999.00"), 1)

	const buyers = 10
	for i := 0; i < buyers; i++ {
		uid := fmt.Sprintf("buyer-%d", i)
		testutil.InsertAddress(t, ctx, pool, uuidFor(uid), uid)
		testutil.InsertCartItem(t, ctx, pool, uid, productID, 1)
	}
	coord := fulfillment.NewCoordinator(st, inventory.NewLedger(st, clk), clk)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < buyers; i++ {
		uid := fmt.Sprintf("buyer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.CreateOrder(ctx, uid, uuidFor(uid))
			if err != nil && !errors.Is(err, orders.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one order, got %d", successes)
	}
	var p orders.Product
	err := st.WithTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = st.GetProductForUpdate(ctx, productID)
		return err
	})
	if err != nil || p.Stock != 1 || p.ReservedStock != 1 {
		t.Fatalf("expected 1/1, got %d/%d (%v)", p.Stock, p.ReservedStock, err)
	}
}

func TestStore_PaymentLifecycle(t *testing.T) {
	ctx, pool, st, clk := setup(t)
	productID, addressID := uuid.NewString(), uuid.NewString()
	testutil.InsertProduct(t, ctx, pool, productID, "Desk", decimal.RequireFromString("4500.50"), 4)
	testutil.InsertAddress(t, ctx, pool, addressID, "user-1")
	testutil.InsertCartItem(t, ctx, pool, "user-1", productID, 2)

	ledger := inventory.NewLedger(st, clk)
	rec := payments.NewReconciler(st, ledger, &payments.StubGateway{}, clk, payments.Secrets{KeySecret: "s"})
	coord := fulfillment.NewCoordinator(st, ledger, clk, fulfillment.WithRefunder(rec))

	o, err := coord.CreateOrder(ctx, "user-1", addressID)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	got, err := st.GetOrder(ctx, o.ID)
	if err != nil || len(got.Items) != 1 || !got.Total.Equal(o.Total) || got.Shipping.City != "Pune" {
		t.Fatalf("unexpected stored order %+v (%v)", got, err)
	}

	att, err := rec.CreateAttempt(ctx, "user-1", o.ID)
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	in := payments.VerifyInput{GatewayOrderID: att.GatewayOrderID, GatewayPaymentID: "pay_1",
		Signature: payments.SignPayment("s", att.GatewayOrderID, "pay_1")}
	if _, err := rec.Verify(ctx, "user-1", in); err != nil {
		t.Fatalf("verify: %v", err)
	}
	res, err := rec.Verify(ctx, "user-1", in)
	if err != nil || !res.AlreadyCaptured {
		t.Fatalf("expected idempotent verify, got %+v %v", res, err)
	}

	cart, _ := st.ListCartItems(ctx, "user-1")
	if len(cart) != 0 {
		t.Fatalf("expected cart cleared, got %d", len(cart))
	}
	amt := decimal.RequireFromString("100.25")
	refund, err := rec.Refund(ctx, o.ID, &amt, "goodwill")
	if err != nil || !refund.RefundedAmount.Equal(amt) {
		t.Fatalf("unexpected refund %+v %v", refund, err)
	}
	pay, _ := st.GetPaymentByOrder(ctx, o.ID)
	if pay.Status != orders.PaymentCaptured || !pay.RefundedAmount.Equal(amt) {
		t.Fatalf("unexpected payment %+v", pay)
	}

	if _, err := coord.CancelOrder(ctx, o.ID, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var p orders.Product
	_ = st.WithTx(ctx, func(ctx context.Context) error {
		p, err = st.GetProductForUpdate(ctx, productID)
		return err
	})
	if p.Stock != 4 || p.ReservedStock != 0 {
		t.Fatalf("expected stock restored 4/0, got %d/%d", p.Stock, p.ReservedStock)
	}
	pay, _ = st.GetPaymentByOrder(ctx, o.ID)
	if pay.Status != orders.PaymentRefunded || !pay.RefundedAmount.Equal(pay.Amount) {
		t.Fatalf("expected the remainder refunded, got %+v", pay)
	}
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx, pool, st, clk := setup(t)
	productID := uuid.NewString()
	testutil.InsertProduct(t, ctx, pool, productID, "Chair", decimal.NewFromInt(10), 5)

	ledger := inventory.NewLedger(st, clk)
	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context) error {
		if _, err := ledger.Reserve(ctx, uuid.NewString(), productID, 3); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var p orders.Product
	_ = st.WithTx(ctx, func(ctx context.Context) error {
		p, err = st.GetProductForUpdate(ctx, productID)
		return err
	})
	if p.ReservedStock != 0 {
		t.Fatalf("expected reservation rolled back, got %d", p.ReservedStock)
	}
}

func TestStore_ShipmentsAndStaleOrders(t *testing.T) {
	ctx, _, st, clk := setup(t)
	now := clk.Now()
	old := orders.Order{
		ID: uuid.NewString(), OrderNumber: "ORDOLD", UserID: "user-1", Status: orders.StatusPending,
		Subtotal: decimal.NewFromInt(10), ShippingFee: decimal.NewFromInt(50), Tax: decimal.RequireFromString("1.80"),
		Total: decimal.RequireFromString("61.80"), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	fresh := old
	fresh.ID, fresh.OrderNumber, fresh.CreatedAt = uuid.NewString(), "ORDNEW", now
	for _, o := range []orders.Order{old, fresh} {
		if err := st.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	ids, err := st.ListStalePendingOrders(ctx, now.Add(-30*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expected only the old order, got %v %v", ids, err)
	}

	sh := orders.Shipment{
		ID: uuid.NewString(), OrderID: old.ID, AWB: "AWB-PG-1", CourierName: "BlueDart",
		Status: orders.ShipmentPickupScheduled, TrackingHistory: []orders.TrackingEntry{},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateShipment(ctx, sh); err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	if err := st.CreateShipment(ctx, sh); !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("expected conflict on second shipment, got %v", err)
	}
	sh.Status = orders.ShipmentInTransit
	sh.ShippedAt = &now
	entry := orders.TrackingEntry{Status: "IN TRANSIT", StatusID: 6, Timestamp: now, Location: "Delhi"}
	if err := st.WithTx(ctx, func(ctx context.Context) error {
		return st.UpdateShipmentTracking(ctx, sh, entry)
	}); err != nil {
		t.Fatalf("update tracking: %v", err)
	}

	got, err := st.GetShipmentByAWB(ctx, "AWB-PG-1")
	if err != nil || got.Status != orders.ShipmentInTransit || len(got.TrackingHistory) != 1 ||
		got.TrackingHistory[0].Location != "Delhi" || got.ShippedAt == nil {
		t.Fatalf("unexpected shipment %+v %v", got, err)
	}
	if _, err := st.GetShipmentByAWB(ctx, "missing"); !errors.Is(err, orders.ErrShipmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// uuidFor derives a stable address id from a user id.
func uuidFor(s string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s)).String()
}
