package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

const (
	// StreamCompensation is the stream compensation workers consume from.
	StreamCompensation = "payout.compensation"

	streamMaxLen    = 10000
	emitBufferSize  = 256
	publishTimeout  = 5 * time.Second
)

// RedisStreamEmitter publishes compensation events to a Redis stream through
// a buffered channel and a single worker goroutine, so the payout path never
// waits on the broker. When the buffer is full, or the emitter is already
// closed, the event is logged and dropped; compensation consumers must
// tolerate log-only delivery.
type RedisStreamEmitter struct {
	client *redis.Client
	stream string

	mu     sync.Mutex
	closed bool
	queue  chan CompensationEvent
	done   chan struct{}
}

func NewRedisStreamEmitter(client *redis.Client) *RedisStreamEmitter {
	e := &RedisStreamEmitter{
		client: client,
		stream: StreamCompensation,
		queue:  make(chan CompensationEvent, emitBufferSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *RedisStreamEmitter) Emit(ctx context.Context, event CompensationEvent) {
	if err := event.Validate(); err != nil {
		logger.Error("Dropping invalid compensation event", zap.Error(err))
		return
	}

	// The lock orders Emit against Close: once closed is set the channel
	// may be closed at any moment, so enqueueing is no longer safe.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		logger.Warn("Compensation emitter closed, falling back to log",
			zap.String("sagaId", event.SagaID),
			zap.String("reason", event.Reason),
		)
		return
	}

	select {
	case e.queue <- event:
	default:
		logger.Error("Compensation event buffer full, falling back to log",
			zap.String("sagaId", event.SagaID),
			zap.String("reason", event.Reason),
		)
	}
}

// Close drains buffered events and stops the worker. Later Emit calls fall
// back to the log path; Close itself is idempotent.
func (e *RedisStreamEmitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}

func (e *RedisStreamEmitter) run() {
	defer close(e.done)
	for event := range e.queue {
		e.publish(event)
	}
}

func (e *RedisStreamEmitter) publish(event CompensationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	data, err := event.ToJSON()
	if err != nil {
		logger.Error("Failed to serialize compensation event", zap.Error(err))
		return
	}

	args := &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}
	id, err := e.client.XAdd(ctx, args).Result()
	if err != nil {
		logger.Error("Failed to publish compensation event",
			zap.String("stream", e.stream),
			zap.String("sagaId", event.SagaID),
			zap.Error(err),
		)
		return
	}

	logger.Info("Published compensation event",
		zap.String("stream", e.stream),
		zap.String("messageID", id),
		zap.String("sagaId", event.SagaID),
	)
}
