// Package memory keeps task lifecycle events in process memory. It is the
// default publisher when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
)

// DefaultCapacity bounds the retained history.
const DefaultCapacity = 1000

// Message is one recorded publish, encoded the way Pub/Sub would carry it.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher records the most recent messages in a ring.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	capacity int
	seq      int
	logger   *zap.Logger
}

// New returns a Publisher retaining up to capacity messages; a non-positive
// capacity selects DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity, logger: logging.OrNop(logger)}
}

// Publish encodes payload as JSON and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if over := len(p.messages) - p.capacity; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	p.mu.Unlock()

	p.logger.Debug("event recorded", zap.String("topic", topic), zap.String("id", id), zap.ByteString("data", data))
	return id, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
