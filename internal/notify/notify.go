// Package notify pushes realtime events to connected operators.
//
// Delivery is best-effort. The socket gateway that fans messages out to
// browsers subscribes to the per-operator channels and is not part of this
// service.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventNewMessage      = "new_message"
	EventLineUnavailable = "line_unavailable"
	EventLineAssigned    = "line_assigned"
)

// Notifier is the notify(userId, event, payload) sink.
type Notifier interface {
	Notify(ctx context.Context, operatorID, event string, payload map[string]any) error
}

// Message is the envelope published on the operator channel.
type Message struct {
	Event    string         `json:"event"`
	Payload  map[string]any `json:"payload,omitempty"`
	SenderID string         `json:"sender_id,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

const channelPrefix = "linepool:operator:"

func Channel(operatorID string) string { return channelPrefix + operatorID }

// RedisNotifier publishes to one pub/sub channel per operator. SenderID tags
// messages with the publishing instance so subscribers can drop echoes.
type RedisNotifier struct {
	Client   *redis.Client
	SenderID string
	Log      *slog.Logger
}

func (n *RedisNotifier) Notify(ctx context.Context, operatorID, event string, payload map[string]any) error {
	data, err := json.Marshal(Message{Event: event, Payload: payload, SenderID: n.SenderID, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := n.Client.Publish(ctx, Channel(operatorID), data).Err(); err != nil {
		if n.Log != nil {
			n.Log.WarnContext(ctx, "notify publish failed", "operator_id", operatorID, "event", event, "err", err)
		}
		return err
	}
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]any) error { return nil }

// Sent is one recorded notification.
type Sent struct {
	OperatorID string
	Event      string
	Payload    map[string]any
}

// MemoryNotifier records notifications for tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Sent
}

func (m *MemoryNotifier) Notify(ctx context.Context, operatorID, event string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Sent{OperatorID: operatorID, Event: event, Payload: payload})
	return nil
}

func (m *MemoryNotifier) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Count returns how many notifications of event went to operatorID.
func (m *MemoryNotifier) Count(operatorID, event string) int {
	n := 0
	for _, s := range m.Sent() {
		if s.OperatorID == operatorID && s.Event == event {
			n++
		}
	}
	return n
}
