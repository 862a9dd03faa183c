package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/machinist/pkg/lg"
)

const writeTimeout = 10 * time.Second

// messageWriter is the slice of kafka.Writer the publisher needs; a test
// can substitute its own.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes every event as a JSON message keyed by machine
// name, so all events of one machine land in one partition, in order.
type KafkaNotifier struct {
	writer messageWriter
	lg     lg.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger lg.Logger) *KafkaNotifier {
	if logger == nil {
		logger = lg.Discard
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			Async:    false,
		},
		lg: logger,
	}
}

func (n *KafkaNotifier) Notify(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		n.lg.Error("marshal event", lg.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(e.Machine), Value: payload}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.lg.Error("publish event",
			lg.String("machine", e.Machine),
			lg.String("task", e.Task),
			lg.Err(err))
	}
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
