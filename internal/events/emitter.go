package events

import (
	"context"

	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

// Emitter publishes compensation events. Emit must never block the payout
// path and must never return an error to it; delivery is best effort.
type Emitter interface {
	Emit(ctx context.Context, event CompensationEvent)
}

// LogEmitter writes compensation events to the structured log. It is the
// default sink when no stream is configured: the event is never silently
// lost, it lands in the log pipeline instead.
type LogEmitter struct{}

func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

func (e *LogEmitter) Emit(ctx context.Context, event CompensationEvent) {
	if err := event.Validate(); err != nil {
		logger.Error("Dropping invalid compensation event", zap.Error(err))
		return
	}
	logger.Warn("Payout failed, compensation required",
		zap.String("sagaId", event.SagaID),
		zap.String("reason", event.Reason),
		zap.String("timestamp", event.Timestamp),
	)
}
