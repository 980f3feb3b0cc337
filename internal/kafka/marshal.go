package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const envelopeVersion = 1

// EncodeEvent wraps ev in a versioned envelope and returns the message key,
// value and headers ready for Producer.Publish.
func EncodeEvent(ev orders.Event, producer string, at time.Time) (key, value []byte, headers []kafka.Header, err error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  envelopeVersion,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: ev.OrderID,
		UserID:        ev.UserID,
		Payload:       payload,
	}
	value, err = json.Marshal(env)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode envelope: %w", err)
	}
	headers = []kafka.Header{
		{Key: HeaderEventType, Value: []byte(ev.Type)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(envelopeVersion))},
	}
	return orders.PartitionKey(ev.OrderID), value, headers, nil
}

func DecodeEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return orders.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return orders.Envelope{}, fmt.Errorf("decode envelope: missing event id or type")
	}
	return env, nil
}

// UnwrapPayload decodes an envelope payload into its concrete type.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
