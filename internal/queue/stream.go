package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/rife-worker/internal/jobs"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "rife-worker:jobs"
	defaultGroup  = "interpolation-workers"
)

// InterpolateMessage wraps the payload pushed through Redis.
type InterpolateMessage struct {
	JobID   string       `json:"jobId"`
	Request jobs.Request `json:"request"`
}

// Producer publishes jobs onto a Redis Stream.
type Producer struct {
	client redis.UniversalClient
	stream string
}

// NewProducer constructs a producer for the provided stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = defaultStream
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue pushes an interpolation request to the stream.
func (p *Producer) Enqueue(ctx context.Context, jobID string, req jobs.Request) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("queue producer not configured")
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	data, err := json.Marshal(InterpolateMessage{JobID: jobID, Request: req})
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Err()
}

// Consumer pulls jobs from a Redis Stream consumer group.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
	}
}

// EnsureGroup ensures the consumer group exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("queue consumer not configured")
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Next fetches the next message from the stream (blocking). A nil message
// with a nil error means the block window elapsed.
func (c *Consumer) Next(ctx context.Context) (*InterpolateMessage, string, error) {
	if c == nil || c.client == nil {
		return nil, "", fmt.Errorf("queue consumer not configured")
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.blockDur,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, err := decodeMessage(msg)
			return payload, msg.ID, err
		}
	}
	return nil, "", nil
}

// Reclaim takes over one message another consumer left unacknowledged for
// longer than minIdle, e.g. after a worker crash.
func (c *Consumer) Reclaim(ctx context.Context, minIdle time.Duration) (*InterpolateMessage, string, error) {
	if c == nil || c.client == nil {
		return nil, "", fmt.Errorf("queue consumer not configured")
	}
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(msgs) == 0 {
		return nil, "", nil
	}
	payload, err := decodeMessage(msgs[0])
	return payload, msgs[0].ID, err
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

func decodeMessage(msg redis.XMessage) (*InterpolateMessage, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s data is %T, want string", msg.ID, raw)
	}
	var payload InterpolateMessage
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("message %s has no job id", msg.ID)
	}
	return &payload, nil
}
