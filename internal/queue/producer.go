package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen bounds the webhook stream; older entries are trimmed
// approximately.
const DefaultMaxLen = 10_000

// WebhookMessage is a verified GitHub delivery handed to downstream workers.
type WebhookMessage struct {
	DeliveryID     string
	Event          string
	InstallationID *string
	TraceID        *string
	Payload        []byte
}

type Producer interface {
	Enqueue(ctx context.Context, msg WebhookMessage) (string, error)
	Close() error
}

type redisProducer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

func NewRedisProducer(client redis.UniversalClient, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		maxLen: DefaultMaxLen,
		logger: logger,
	}
}

// Enqueue appends msg to the stream and returns the entry id.
func (p *redisProducer) Enqueue(ctx context.Context, msg WebhookMessage) (string, error) {
	fields := map[string]any{
		"delivery_id": msg.DeliveryID,
		"event":       msg.Event,
		"payload":     msg.Payload,
	}

	if msg.InstallationID != nil && *msg.InstallationID != "" {
		fields["installation_id"] = *msg.InstallationID
	}
	if msg.TraceID != nil && *msg.TraceID != "" {
		fields["trace_id"] = *msg.TraceID
	}

	entryID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued webhook", "delivery_id", msg.DeliveryID, "event", msg.Event, "entry_id", entryID)
	return entryID, nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
