// Package redis appends task lifecycle events to a Redis stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/linksniff/internal/task"
)

// Config describes the Redis connection and stream.
type Config struct {
	Addr     string
	Password string
	DB       int
	// MaxLen trims the stream approximately; zero keeps every entry.
	MaxLen int64
}

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Publisher writes one stream entry per event.
type Publisher struct {
	client streamClient
	maxLen int64
}

// Open creates a client for cfg. The connection is established lazily.
func Open(cfg Config) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Publisher{client: client, maxLen: cfg.MaxLen}, nil
}

// Publish appends payload as JSON under the "data" field of stream topic and
// returns the entry id. Task events also carry their id, script and status
// as separate fields.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("redis stream name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	values := map[string]any{"data": string(data)}
	if ev, ok := payload.(task.Event); ok {
		values["task_id"] = strconv.FormatInt(ev.TaskID, 10)
		values["script"] = ev.Script
		values["status"] = string(ev.Status)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// Close releases the client.
func (p *Publisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
