package feed

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes every message to one topic, keyed by the message topic
// so a partition keeps the order of each stream.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Topic),
		Value: msg.Bytes(),
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
