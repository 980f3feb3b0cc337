package shipping

import "github.com/ariefcatur/go-order-fulfillment/internal/orders"

// carrierStatus maps the carrier's numeric status ids.
var carrierStatus = map[int]orders.ShipmentStatus{
	1:  orders.ShipmentPickupScheduled,
	2:  orders.ShipmentPickupScheduled,
	17: orders.ShipmentPickupScheduled,
	3:  orders.ShipmentPickedUp,
	4:  orders.ShipmentPickedUp,
	5:  orders.ShipmentInTransit,
	6:  orders.ShipmentInTransit,
	18: orders.ShipmentInTransit,
	38: orders.ShipmentInTransit,
	7:  orders.ShipmentDelivered,
	8:  orders.ShipmentRTO,
	9:  orders.ShipmentRTO,
	10: orders.ShipmentRTO,
}

func MapCarrierStatus(id int) (orders.ShipmentStatus, bool) {
	s, ok := carrierStatus[id]
	return s, ok
}

// orderTarget is the order status a shipment status projects to, if any.
func orderTarget(s orders.ShipmentStatus) (orders.Status, bool) {
	switch s {
	case orders.ShipmentPickedUp, orders.ShipmentInTransit:
		return orders.StatusShipped, true
	case orders.ShipmentDelivered:
		return orders.StatusDelivered, true
	}
	return "", false
}
