package admission

import (
	"context"
	"errors"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/immsbatch/internal/forwarder"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

type admitter interface {
	Admit(ctx context.Context, f FileAdmission) (Decision, error)
}

type fileForwarder interface {
	Forward(ctx context.Context, job forwarder.Job) (forwarder.Result, error)
}

// Consumer reads the ordered admission subscription. A deferred file is nacked,
// which holds back its queue's ordering key until the redelivery is admitted.
type Consumer struct {
	admitter     admitter
	forwarder    fileForwarder
	subscription *pubsub.Subscriber
	logg         *logger.Logger
	timeout      time.Duration
}

// NewConsumer wires the admission consumer.
func NewConsumer(a admitter, f fileForwarder, subscription *pubsub.Subscriber, logg *logger.Logger, timeout time.Duration) (*Consumer, error) {
	if a == nil {
		return nil, errors.New("admission controller is required")
	}
	if f == nil {
		return nil, errors.New("forwarder is required")
	}
	if subscription == nil {
		return nil, errors.New("admission subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{admitter: a, forwarder: f, subscription: subscription, logg: logg, timeout: timeout}, nil
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

	admission, err := DecodeMessage(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "rejecting malformed admission message", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithFileKey(logCtx, admission.Identity.FileKey)

	decision, err := c.admitter.Admit(logCtx, admission)
	if err != nil {
		return c.handleError(logCtx, err)
	}
	logCtx = c.logg.WithMessageID(logCtx, decision.MessageID)

	switch decision.Outcome {
	case DeferBusy:
		return c.handleError(logCtx, pkgerrors.New(pkgerrors.CodeAdmissionDeferred, "queue busy").
			WithDetails(map[string]string{"blocked_by": decision.BlockedBy}))
	case RejectedDuplicate:
		return processResult{ack: true}
	case Admitted:
		if decision.Replayed {
			return processResult{ack: true}
		}
		res, err := c.forwarder.Forward(logCtx, forwarder.Job{MessageID: decision.MessageID, Identity: admission.Identity})
		if err != nil {
			return c.handleError(logCtx, err)
		}
		c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
			"record_count": res.RecordCount,
			"file_failed":  res.FileFailed,
			"skipped":      res.Skipped,
		}), "admitted file handled")
		return processResult{ack: true}
	default:
		c.logg.Error(logCtx, "unknown admission outcome", errors.New(string(decision.Outcome)))
		return processResult{ack: true}
	}
}

func (c *Consumer) handleError(ctx context.Context, err error) processResult {
	if pkgerrors.IsRetryable(err) {
		c.logg.WarnErr(ctx, "admission deferred; redelivering", err)
		return processResult{nack: true}
	}
	c.logg.Error(ctx, "admission failed permanently", err)
	return processResult{ack: true}
}
