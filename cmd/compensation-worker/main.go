// compensation-worker consumes payout compensation events from the Redis
// stream and surfaces them for the ledger team. The SDK cannot reverse a
// funded payout itself; this worker is where reversal workflows start.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"visa-direct-sdk/internal/events"
	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/pkg/logger"
)

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	redisURL := getEnv("REDIS_URL", "redis://localhost:6379/0")
	group := getEnv("COMPENSATION_GROUP", "compensation-workers")
	consumer := fmt.Sprintf("worker-%d", time.Now().Unix())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := storage.NewRedisClient(ctx, redisURL)
	if err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	streamConsumer := events.NewStreamConsumer(client, group, consumer)
	if err := streamConsumer.Declare(ctx); err != nil {
		os.Exit(1)
	}

	logger.Info("Compensation worker started",
		zap.String("stream", events.StreamCompensation),
		zap.String("group", group),
		zap.String("consumer", consumer),
	)

	done := make(chan error, 1)
	go func() {
		done <- streamConsumer.Run(ctx, handleEvent)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
			os.Exit(1)
		}
	}
}

// handleEvent is the reversal entry point. For now it records the failure;
// hooking the ledger's reversal API in here is the planned follow-up.
func handleEvent(messageID string, event *events.CompensationEvent) error {
	logger.Warn("Payout requires compensation",
		zap.String("messageID", messageID),
		zap.String("sagaId", event.SagaID),
		zap.String("reason", event.Reason),
		zap.Any("funding", event.Funding),
		zap.String("timestamp", event.Timestamp),
	)
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
