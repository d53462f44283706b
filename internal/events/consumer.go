package events

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

// Handler processes one compensation event. Returning nil acknowledges the
// message; an error leaves it pending for redelivery.
type Handler func(messageID string, event *CompensationEvent) error

// StreamConsumer reads compensation events from the Redis stream as part of
// a consumer group, reclaiming messages abandoned by crashed workers.
type StreamConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

func NewStreamConsumer(client *redis.Client, group, consumer string) *StreamConsumer {
	return &StreamConsumer{
		client:   client,
		stream:   StreamCompensation,
		group:    group,
		consumer: consumer,
	}
}

// Declare ensures the consumer group exists. BUSYGROUP means another worker
// created it already.
func (c *StreamConsumer) Declare(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			logger.Info("Consumer group already exists",
				zap.String("stream", c.stream), zap.String("group", c.group))
			return nil
		}
		logger.Error("Failed to create consumer group",
			zap.String("stream", c.stream), zap.String("group", c.group), zap.Error(err))
		return err
	}
	logger.Info("Consumer group created",
		zap.String("stream", c.stream), zap.String("group", c.group))
	return nil
}

// Run blocks consuming events until the context is cancelled. Every tenth
// iteration it also reclaims messages another consumer left pending.
func (c *StreamConsumer) Run(ctx context.Context, handler Handler) error {
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    5 * time.Second,
	}

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping compensation consumer",
				zap.String("stream", c.stream), zap.String("consumer", c.consumer))
			return nil
		default:
		}

		iteration++
		if iteration%10 == 0 {
			c.reclaimPending(ctx, handler)
		}

		res, err := c.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Error("Failed to read compensation stream",
				zap.String("stream", c.stream), zap.Error(err))
			continue
		}

		for _, xstream := range res {
			for _, msg := range xstream.Messages {
				c.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// reclaimPending recovers events delivered to a consumer that never acked
// them, e.g. a worker that crashed mid-handling.
func (c *StreamConsumer) reclaimPending(ctx context.Context, handler Handler) {
	args := &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		MinIdle:  5 * time.Minute,
		Start:    "0-0",
		Consumer: c.consumer,
		Count:    100,
	}

	res, _, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Error("Failed to reclaim pending events",
				zap.String("stream", c.stream), zap.Error(err))
		}
		return
	}
	for _, msg := range res {
		c.handleMessage(ctx, msg, handler)
	}
}

func (c *StreamConsumer) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		logger.Error("Compensation message missing data field", zap.String("messageID", msg.ID))
		c.client.XAck(ctx, c.stream, c.group, msg.ID)
		return
	}

	event, err := FromJSON([]byte(raw))
	if err != nil {
		// Poison message: ack so it does not cycle forever.
		logger.Error("Dropping malformed compensation message",
			zap.String("messageID", msg.ID), zap.Error(err))
		c.client.XAck(ctx, c.stream, c.group, msg.ID)
		return
	}

	if err := handler(msg.ID, event); err != nil {
		logger.Error("Compensation handler failed",
			zap.String("messageID", msg.ID), zap.String("sagaId", event.SagaID), zap.Error(err))
		return
	}
	c.client.XAck(ctx, c.stream, c.group, msg.ID)
}
