package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-booking/internal/models"
)

// ChangeProducer publishes drained change events to the change topic
// for out-of-process subscribers (UI gateways, reporting).
type ChangeProducer struct {
	writer *kafka.Writer
}

func NewChangeProducer(brokers []string, topic string) *ChangeProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &ChangeProducer{writer: w}
}

func (c *ChangeProducer) Publish(ctx context.Context, e models.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// keyed by row id so consumers see per-record ordering
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RowID), Value: b})
}

func (c *ChangeProducer) Close() error {
	if c.writer == nil {
		return nil
	}
	return c.writer.Close()
}
