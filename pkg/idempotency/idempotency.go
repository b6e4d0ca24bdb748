package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/redis"
)

// Guard tracks handled transport message ids per consumer using Redis SETNX with a TTL.
// Keys follow the `imms:idempotency:msg:handled:<consumer>:<message_id>` pattern.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard builds a guard that remembers handled messages for ttl.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// Seen reports whether a completed delivery of the message was recorded with Mark.
func (g *Guard) Seen(ctx context.Context, consumer, messageID string) (bool, error) {
	key, err := g.key(consumer, messageID)
	if err != nil {
		return false, err
	}
	if _, err := g.store.Get(ctx, key); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Mark records the message as handled once its effects are durable. A crash
// before Mark leaves the message eligible for redelivery.
func (g *Guard) Mark(ctx context.Context, consumer, messageID string) error {
	key, err := g.key(consumer, messageID)
	if err != nil {
		return err
	}
	_, err = g.store.SetNX(ctx, key, "1", g.ttl)
	return err
}

func (g *Guard) key(consumer, messageID string) (string, error) {
	if strings.TrimSpace(consumer) == "" {
		return "", errors.New("consumer name is required")
	}
	if strings.TrimSpace(messageID) == "" {
		return "", errors.New("message id is required")
	}
	return g.store.IdempotencyKey(fmt.Sprintf("msg:handled:%s", consumer), messageID), nil
}
