package forwarder

import (
	"context"
	"errors"

	"github.com/angelmondragon/immsbatch/pkg/kafka"
	pkgpubsub "github.com/angelmondragon/immsbatch/pkg/pubsub"
)

// Record is one canonical event bound for the sink.
type Record struct {
	Key     string
	Payload []byte
	Attrs   map[string]string
}

// SendResult reports the fate of one Record. ID identifies the accepted record
// when the sink provides one.
type SendResult struct {
	ID  string
	Err error
}

// Sink delivers canonical events downstream. Records sharing a key stay in order.
// SendBatch returns one result per record, in the order given.
type Sink interface {
	SendBatch(ctx context.Context, records []Record) []SendResult
}

type orderedPublisher interface {
	Publish(ctx context.Context, data []byte, orderingKey string, attrs map[string]string) (string, error)
}

type asyncPublisher interface {
	PublishAsync(ctx context.Context, data []byte, orderingKey string, attrs map[string]string) pkgpubsub.PendingPublish
}

// PubSubSink publishes to an ordered topic keyed by partition key.
type PubSubSink struct {
	publisher asyncPublisher
}

// NewPubSubSink wraps an ordered publisher.
func NewPubSubSink(p asyncPublisher) (*PubSubSink, error) {
	if p == nil {
		return nil, errors.New("downstream publisher required")
	}
	return &PubSubSink{publisher: p}, nil
}

// SendBatch queues every record before waiting on any of them, letting the
// client pack the batch into as few publish requests as it can.
func (s *PubSubSink) SendBatch(ctx context.Context, records []Record) []SendResult {
	pending := make([]pkgpubsub.PendingPublish, len(records))
	for i, r := range records {
		pending[i] = s.publisher.PublishAsync(ctx, r.Payload, r.Key, r.Attrs)
	}
	out := make([]SendResult, len(records))
	for i, p := range pending {
		out[i].ID, out[i].Err = p.Wait(ctx)
	}
	return out
}

type kafkaProducer interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink writes to a Kafka topic partitioned by key.
type KafkaSink struct {
	producer kafkaProducer
}

// NewKafkaSink wraps a producer.
func NewKafkaSink(p kafkaProducer) (*KafkaSink, error) {
	if p == nil {
		return nil, errors.New("kafka producer required")
	}
	return &KafkaSink{producer: p}, nil
}

// SendBatch writes the records in one producer call. Kafka offers no record id
// on write, so ids are empty.
func (s *KafkaSink) SendBatch(ctx context.Context, records []Record) []SendResult {
	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{Key: r.Key, Value: r.Payload, Headers: r.Attrs}
	}
	errs := kafka.MessageErrors(s.producer.Publish(ctx, msgs...), len(records))
	out := make([]SendResult, len(records))
	for i, err := range errs {
		out[i].Err = err
	}
	return out
}
