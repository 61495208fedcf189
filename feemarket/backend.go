package feemarket

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventBackend delivers market events to subscribers.
type EventBackend interface {
	NotifyEvents(ctx context.Context, events []Event) error
}

type RedisEventBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, pubChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

// NotifyEvents publishes every event as a separate JSON message in one pipeline.
func (b *RedisEventBackend) NotifyEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			return err
		}
		pipe.Publish(ctx, b.pubChannel, data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LogEventBackend writes events to the log. It is used when redis is not configured.
type LogEventBackend struct {
	log *zap.Logger
}

func NewLogEventBackend(log *zap.Logger) *LogEventBackend {
	return &LogEventBackend{log: log}
}

func (b *LogEventBackend) NotifyEvents(_ context.Context, events []Event) error {
	for _, e := range events {
		fields := []zap.Field{
			zap.String("market", e.Market),
			zap.String("kind", string(e.Kind)),
			zap.Uint64("block", e.Block),
		}
		if e.Account != nil {
			fields = append(fields, zap.String("account", e.Account.Hex()))
		}
		if e.Order != nil {
			fields = append(fields, zap.String("order", e.Order.String()))
		}
		if e.Amount != 0 {
			fields = append(fields, zap.Uint64("amount", e.Amount))
		}
		if e.Detail != "" {
			fields = append(fields, zap.String("detail", e.Detail))
		}
		b.log.Info("Market event", fields...)
	}
	return nil
}
