package orders

import "strings"

const (
	TopicOrderEvents    = "fulfillment.order.events"
	TopicPaymentEvents  = "fulfillment.payment.events"
	TopicShipmentEvents = "fulfillment.shipment.events"
)

var Topics = []string{TopicOrderEvents, TopicPaymentEvents, TopicShipmentEvents}

// TopicFor routes an event type to its topic by prefix.
func TopicFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "payment."), strings.HasPrefix(eventType, "refund."):
		return TopicPaymentEvents
	case strings.HasPrefix(eventType, "shipment."):
		return TopicShipmentEvents
	default:
		return TopicOrderEvents
	}
}

// Partition key = order id so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
