package shipping

import (
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

func TestMapCarrierStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id     int
		want   orders.ShipmentStatus
		target orders.Status
	}{
		{id: 1, want: orders.ShipmentPickupScheduled},
		{id: 17, want: orders.ShipmentPickupScheduled},
		{id: 3, want: orders.ShipmentPickedUp, target: orders.StatusShipped},
		{id: 6, want: orders.ShipmentInTransit, target: orders.StatusShipped},
		{id: 38, want: orders.ShipmentInTransit, target: orders.StatusShipped},
		{id: 7, want: orders.ShipmentDelivered, target: orders.StatusDelivered},
		{id: 9, want: orders.ShipmentRTO},
	}
	for _, tt := range tests {
		got, ok := MapCarrierStatus(tt.id)
		if !ok || got != tt.want {
			t.Errorf("status %d: expected %s, got %s (%v)", tt.id, tt.want, got, ok)
		}
		target, ok := orderTarget(got)
		if ok != (tt.target != "") || target != tt.target {
			t.Errorf("status %d: expected order target %q, got %q", tt.id, tt.target, target)
		}
	}

	if _, ok := MapCarrierStatus(99); ok {
		t.Error("expected unknown id to be unmapped")
	}
}

func TestParseCarrierTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 6, 5, 18, 0, 0, 0, time.UTC)
	for _, v := range []string{"2025-06-05T18:00:00Z", "2025-06-05T23:30:00+05:30", "2025-06-05 18:00:00", "2025-06-05T18:00:00"} {
		got, ok := parseCarrierTime(v)
		if !ok || !got.Equal(want) {
			t.Errorf("%q: expected %s, got %s (%v)", v, want, got, ok)
		}
	}
	if got, ok := parseCarrierTime("2025-06-05"); !ok || !got.Equal(time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date only: got %s (%v)", got, ok)
	}
	for _, v := range []string{"", "soon", "05/06/2025"} {
		if _, ok := parseCarrierTime(v); ok {
			t.Errorf("%q: expected rejection", v)
		}
	}
}
