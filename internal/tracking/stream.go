package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

const (
	streamKey     = "tracking:events"
	consumerGroup = "event-writers"
	streamMaxLen  = 100000
)

// Publisher pushes tracking hits onto the Redis Stream. The HTTP handler
// stays fast and the database write happens out of band.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish appends one hit to the stream.
func (p *Publisher) Publish(ctx context.Context, messageID string, kind Kind, recipient, target string) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"message_id": messageID,
			"kind":       string(kind),
			"recipient":  recipient,
			"target":     target,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish tracking hit: %w", err)
	}
	return nil
}

// EventSink is the durable destination for tracking events.
type EventSink interface {
	Insert(ctx context.Context, e *domain.Event) (bool, error)
}

// Consumer drains the stream into the events table through a consumer
// group, so multiple workers share the stream without double-processing.
type Consumer struct {
	client   *redis.Client
	sink     EventSink
	consumer string
	clock    domain.Clock
	log      *logger.Logger
}

func NewConsumer(client *redis.Client, sink EventSink, consumerName string, clock domain.Clock) *Consumer {
	return &Consumer{
		client:   client,
		sink:     sink,
		consumer: consumerName,
		clock:    clock,
		log:      logger.Component("tracking-consumer"),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.ensureGroup(ctx); err != nil {
		c.log.Error("create consumer group failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.consumeBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("consume batch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) consumeBatch(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: c.consumer,
		Streams:  []string{streamKey, ">"},
		Count:    100,
		Block:    time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := c.handle(ctx, msg); err != nil {
				c.log.Error("handle tracking hit failed", "stream_id", msg.ID, "error", err)
				continue
			}
			if err := c.client.XAck(ctx, streamKey, consumerGroup, msg.ID).Err(); err != nil {
				c.log.Warn("ack failed", "stream_id", msg.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	get := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	messageID := get("message_id")
	kind := Kind(get("kind"))
	recipient := get("recipient")

	var typ domain.EventType
	switch kind {
	case KindOpen:
		typ = domain.EventOpened
	case KindClick:
		typ = domain.EventClicked
	default:
		return fmt.Errorf("unknown tracking kind %q", kind)
	}

	payload, _ := json.Marshal(map[string]string{
		"recipient": recipient,
		"target":    get("target"),
		"hit_at":    get("ts"),
	})
	_, err := c.sink.Insert(ctx, &domain.Event{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Type:      typ,
		Timestamp: c.clock.Now(),
		Payload:   payload,
		// Stream entry IDs are unique per hit; dedup of rapid duplicate
		// hits happens at the handler, not here.
		Fingerprint: domain.EventFingerprint(messageID, typ, recipient+"|"+msg.ID),
	})
	return err
}
