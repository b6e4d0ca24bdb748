package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/angelmondragon/immsbatch/pkg/config"
)

// Message is a keyed record destined for the configured topic.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes keyed messages synchronously, waiting for all in-sync replicas.
type Producer struct {
	writer writer
	topic  string
}

// NewProducer builds a producer that hashes keys onto partitions so every record
// sharing a key lands on the same partition in order.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: batchTimeout,
		},
		topic: cfg.Topic,
	}, nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// Publish writes the messages and blocks until the brokers acknowledge them.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka producer not initialized")
	}
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		km := kafka.Message{Key: []byte(msg.Key), Value: msg.Value}
		for k, v := range msg.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, km)
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("writing %d kafka messages to %s: %w", len(out), p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// MessageErrors spreads a Publish error over the n messages it covered. Partial
// write failures keep their per-message errors; any other error fails them all.
func MessageErrors(err error, n int) []error {
	out := make([]error, n)
	if err == nil {
		return out
	}
	var perMessage kafka.WriteErrors
	if errors.As(err, &perMessage) && len(perMessage) == n {
		copy(out, perMessage)
		return out
	}
	for i := range out {
		out[i] = err
	}
	return out
}
