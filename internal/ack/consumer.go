package ack

import (
	"context"
	"errors"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/immsbatch/internal/outcome"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const consumerName = "ack-aggregator"

type processor interface {
	Process(ctx context.Context, batch *outcome.Batch, orderingKey string) (Result, error)
}

type messageGuard interface {
	Seen(ctx context.Context, consumer, messageID string) (bool, error)
	Mark(ctx context.Context, consumer, messageID string) error
}

// Consumer feeds outcome batches from the ordered outcome subscription into the Aggregator.
type Consumer struct {
	aggregator   processor
	subscription *pubsub.Subscriber
	guard        messageGuard
	logg         *logger.Logger
	timeout      time.Duration
}

// NewConsumer wires the consumer. guard may be nil, in which case redeliveries
// rely on row-id dedupe inside the artifact alone.
func NewConsumer(aggregator processor, subscription *pubsub.Subscriber, guard messageGuard, logg *logger.Logger, timeout time.Duration) (*Consumer, error) {
	if aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if subscription == nil {
		return nil, errors.New("outcome subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		aggregator:   aggregator,
		subscription: subscription,
		guard:        guard,
		logg:         logg,
		timeout:      timeout,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"pubsub_message_id": msg.ID,
		"ordering_key":      msg.OrderingKey,
	})

	if c.guard != nil && msg.ID != "" {
		seen, err := c.guard.Seen(ctx, consumerName, msg.ID)
		if err != nil {
			c.logg.Warn(logCtx, "idempotency lookup failed; relying on row dedupe")
		} else if seen {
			c.logg.Info(logCtx, "outcome batch already handled")
			return processResult{ack: true}
		}
	}

	batch, err := outcome.Decode(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "rejecting malformed outcome batch", err)
		return processResult{ack: true}
	}

	res, err := c.aggregator.Process(logCtx, batch, msg.OrderingKey)
	if err != nil {
		return c.handleError(logCtx, err)
	}

	if c.guard != nil && msg.ID != "" {
		if err := c.guard.Mark(ctx, consumerName, msg.ID); err != nil {
			c.logg.Warn(logCtx, "failed to mark outcome batch handled")
		}
	}
	c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
		"state":    res.State,
		"appended": res.Appended,
		"total":    res.Total,
		"saw_eof":  res.SawEOF,
	}), "outcome batch applied")
	return processResult{ack: true}
}

func (c *Consumer) handleError(ctx context.Context, err error) processResult {
	if pkgerrors.IsRetryable(err) {
		c.logg.WarnErr(ctx, "outcome batch failed; redelivering", err)
		return processResult{nack: true}
	}
	c.logg.Error(ctx, "outcome batch failed permanently", err)
	return processResult{ack: true}
}
