package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/immsbatch/pkg/config"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishMapsKeysAndHeaders(t *testing.T) {
	w := &recordingWriter{}
	p := &Producer{writer: w, topic: "canonical"}

	err := p.Publish(context.Background(), Message{
		Key:     "RAVS_FLU",
		Value:   []byte(`{"row_id":"a^1"}`),
		Headers: map[string]string{"file_key": "flu.csv"},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "RAVS_FLU", string(w.msgs[0].Key))
	assert.Equal(t, `{"row_id":"a^1"}`, string(w.msgs[0].Value))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "file_key", w.msgs[0].Headers[0].Key)

	require.NoError(t, p.Publish(context.Background()))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	p := &Producer{writer: &recordingWriter{err: errors.New("leader not available")}, topic: "canonical"}
	err := p.Publish(context.Background(), Message{Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canonical")
}

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, "t", p.Topic())
	require.NoError(t, p.Close())
}

func TestMessageErrorsKeepsPartialFailures(t *testing.T) {
	boom := errors.New("leader not available")
	partial := &recordingWriter{err: kafka.WriteErrors{nil, boom, nil}}
	p := &Producer{writer: partial, topic: "events"}

	err := p.Publish(context.Background(), Message{Key: "a"}, Message{Key: "b"}, Message{Key: "c"})
	require.Error(t, err)
	errs := MessageErrors(err, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])

	whole := errors.New("dial tcp: refused")
	for _, e := range MessageErrors(whole, 2) {
		assert.ErrorIs(t, e, whole)
	}
	assert.Equal(t, []error{nil, nil}, MessageErrors(nil, 2))
}
