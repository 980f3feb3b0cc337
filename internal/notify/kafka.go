package notify

import (
	"context"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

// KafkaPublisher routes each event to its topic's producer.
type KafkaPublisher struct {
	producers map[string]*kafkax.Producer
	service   string
	clock     clock.Clock
	log       *zap.Logger
}

func NewKafkaPublisher(producers map[string]*kafkax.Producer, service string, clk clock.Clock, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producers: producers, service: service, clock: clk, log: log}
}

func (k *KafkaPublisher) Notify(ctx context.Context, ev orders.Event) {
	topic := orders.TopicFor(ev.Type)
	p, ok := k.producers[topic]
	if !ok {
		k.log.Warn("no producer for topic", zap.String("topic", topic), zap.String("type", ev.Type))
		return
	}
	key, value, headers, err := kafkax.EncodeEvent(ev, k.service, k.clock.Now())
	if err != nil {
		k.log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	p.Publish(ctx, key, value, headers...)
}
