package admission

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/immsbatch/internal/filekey"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const unknownPart = "UNKNOWN"

type fileValidator interface {
	Validate(ctx context.Context, bucket, key string, timeCreated time.Time) (filekey.FileIdentity, error)
}

type fileRejecter interface {
	Reject(ctx context.Context, f FileAdmission, reason string) (string, error)
}

type messagePublisher interface {
	Publish(ctx context.Context, data []byte, orderingKey string, attrs map[string]string) (string, error)
}

// IntakeParams wires the intake consumer.
type IntakeParams struct {
	Subscription *pubsub.Subscriber
	Validator    fileValidator
	Rejecter     fileRejecter
	Publisher    messagePublisher
	Logger       *logger.Logger
	SourceBucket string
	// SourcePrefix limits intake to keys under it. Empty accepts every key not ignored.
	SourcePrefix string
	// IgnorePrefixes are pipeline-owned locations (acks, archive) that share the bucket.
	IgnorePrefixes []string
	Timeout        time.Duration
}

// IntakeConsumer turns object notifications into admission requests ordered by queue name.
type IntakeConsumer struct {
	subscription   *pubsub.Subscriber
	validator      fileValidator
	rejecter       fileRejecter
	publisher      messagePublisher
	logg           *logger.Logger
	sourceBucket   string
	sourcePrefix   string
	ignorePrefixes []string
	timeout        time.Duration
}

// NewIntakeConsumer validates params.
func NewIntakeConsumer(p IntakeParams) (*IntakeConsumer, error) {
	if p.Subscription == nil {
		return nil, errors.New("file events subscription is required")
	}
	if p.Validator == nil {
		return nil, errors.New("file validator is required")
	}
	if p.Rejecter == nil {
		return nil, errors.New("rejecter is required")
	}
	if p.Publisher == nil {
		return nil, errors.New("admission publisher is required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &IntakeConsumer{
		subscription:   p.Subscription,
		validator:      p.Validator,
		rejecter:       p.Rejecter,
		publisher:      p.Publisher,
		logg:           p.Logger,
		sourceBucket:   p.SourceBucket,
		sourcePrefix:   p.SourcePrefix,
		ignorePrefixes: p.IgnorePrefixes,
		timeout:        p.Timeout,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *IntakeConsumer) Run(ctx context.Context) error {
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

func (c *IntakeConsumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	attrs := parseAttributes(msg.Attributes)
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"pubsub_message_id": msg.ID,
		"event_type":        attrs.EventType,
		"bucket":            attrs.BucketID,
	})
	if attrs.EventType != objectFinalizeEvent {
		c.logg.Debug(logCtx, "skipping non-finalize event")
		return processResult{ack: true}
	}
	if attrs.PayloadFormat != payloadFormatJSONAPI {
		c.logg.Warn(logCtx, "unsupported payload format")
		return processResult{ack: true}
	}

	event, err := parseFileEvent(attrs, msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode object notification", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithFileKey(logCtx, event.FileKey)
	if !c.accepts(event) {
		c.logg.Debug(logCtx, "object outside intake scope")
		return processResult{ack: true}
	}

	identity, err := c.validator.Validate(logCtx, event.Bucket, event.FileKey, event.CreatedAt)
	admission := FileAdmission{Identity: identity, Generation: event.Generation}
	if err != nil {
		if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
			return c.handleError(logCtx, err)
		}
		return c.reject(logCtx, admission, filekey.Reason(err))
	}

	body, err := json.Marshal(NewMessage(admission))
	if err != nil {
		c.logg.Error(logCtx, "failed to encode admission message", err)
		return processResult{ack: true}
	}
	queue := identity.QueueName()
	if _, err := c.publisher.Publish(logCtx, body, queue, map[string]string{
		"message_id": admission.MessageID(),
		"queue_name": queue,
	}); err != nil {
		return c.handleError(logCtx, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish admission request"))
	}
	c.logg.Info(c.logg.WithQueue(logCtx, queue), "file queued for admission")
	return processResult{ack: true}
}

func (c *IntakeConsumer) reject(ctx context.Context, f FileAdmission, reason string) processResult {
	if f.Identity.Supplier == "" {
		f.Identity.Supplier = unknownPart
	}
	if f.Identity.VaccineType == "" {
		f.Identity.VaccineType = unknownPart
	}
	if _, err := c.rejecter.Reject(ctx, f, reason); err != nil {
		return c.handleError(ctx, err)
	}
	return processResult{ack: true}
}

func (c *IntakeConsumer) accepts(e FileEvent) bool {
	if c.sourceBucket != "" && e.Bucket != c.sourceBucket {
		return false
	}
	if strings.HasSuffix(e.FileKey, "/") {
		return false
	}
	for _, prefix := range c.ignorePrefixes {
		if prefix != "" && strings.HasPrefix(e.FileKey, prefix) {
			return false
		}
	}
	return c.sourcePrefix == "" || strings.HasPrefix(e.FileKey, c.sourcePrefix)
}

func (c *IntakeConsumer) handleError(ctx context.Context, err error) processResult {
	if pkgerrors.IsRetryable(err) {
		c.logg.WarnErr(ctx, "intake failed; redelivering", err)
		return processResult{nack: true}
	}
	c.logg.Error(ctx, "intake failed permanently", err)
	return processResult{ack: true}
}
