package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer buffers messages in an inbox drained by one writer goroutine, so
// Publish never waits on the broker.
type Producer struct {
	w       *kafka.Writer
	topic   string
	inbox   chan kafka.Message
	closing chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic:   topic,
		inbox:   make(chan kafka.Message, buf),
		closing: make(chan struct{}),
		log:     log.With(zap.String("topic", topic)),
	}
}

// Run writes messages until ctx is done or Close is called, then flushes what
// is left in the inbox and closes the writer.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.flush()
		case <-p.closing:
			return p.flush()
		case m := <-p.inbox:
			p.write(ctx, m)
		}
	}
}

func (p *Producer) flush() error {
	for {
		select {
		case m := <-p.inbox:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.write(ctx, m)
			cancel()
		default:
			return p.w.Close()
		}
	}
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("kafka write failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// Publish enqueues a message, carrying the trace context of ctx in its
// headers. After Close it drops the message.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: InjectTraceContext(ctx, headers),
	}
	select {
	case <-p.closing:
		p.log.Warn("producer closed, message dropped", zap.ByteString("key", key))
	case p.inbox <- m:
	}
}

func (p *Producer) Close() { p.once.Do(func() { close(p.closing) }) }
