package pubsub

import (
	"context"
	"errors"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
)

const defaultPublishTimeout = 15 * time.Second

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type rawPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

// Publisher sends messages through the client's batching publisher.
type Publisher struct {
	raw     rawPublisher
	timeout time.Duration
}

// PendingPublish is a message handed to the publisher whose server id is not
// known yet.
type PendingPublish interface {
	Wait(ctx context.Context) (string, error)
}

// NewPublisher wraps a Pub/Sub publisher handle. Use OrderedPublisher handles
// when messages carry ordering keys.
func NewPublisher(p *pubsub.Publisher, timeout time.Duration) (*Publisher, error) {
	if p == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return newPublisher(&gcpPublisher{Publisher: p}, timeout), nil
}

func newPublisher(raw rawPublisher, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{raw: raw, timeout: timeout}
}

// Publish sends data with the ordering key and attributes and waits for the
// server id.
func (p *Publisher) Publish(ctx context.Context, data []byte, orderingKey string, attrs map[string]string) (string, error) {
	return p.PublishAsync(ctx, data, orderingKey, attrs).Wait(ctx)
}

// PublishAsync queues data without waiting, so consecutive calls share one
// publish request. After a failed ordered publish Wait resumes the key so later
// publishes for it are accepted again.
func (p *Publisher) PublishAsync(ctx context.Context, data []byte, orderingKey string, attrs map[string]string) PendingPublish {
	if p == nil || p.raw == nil {
		return failedPublish{err: errors.New("pubsub publisher not initialized")}
	}
	result := p.raw.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: orderingKey,
		Attributes:  attrs,
	})
	if result == nil {
		return failedPublish{err: errors.New("publisher returned nil result")}
	}
	return &pendingPublish{p: p, orderingKey: orderingKey, result: result}
}

type pendingPublish struct {
	p           *Publisher
	orderingKey string
	result      publishResult
}

func (r *pendingPublish) Wait(ctx context.Context) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.p.timeout)
	defer cancel()

	id, err := r.result.Get(waitCtx)
	if err != nil {
		if r.orderingKey != "" {
			r.p.raw.ResumePublish(r.orderingKey)
		}
		return "", err
	}
	return id, nil
}

type failedPublish struct {
	err error
}

func (r failedPublish) Wait(context.Context) (string, error) {
	return "", r.err
}

type gcpPublisher struct {
	*pubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
