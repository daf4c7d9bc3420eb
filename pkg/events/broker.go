package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vibe/pkg/domain"
)

// Chat event types.
const (
	MessageSent    = "message_sent"
	MessageEdited  = "message_edited"
	MessageDeleted = "message_deleted"
	ChatCleared    = "chat_cleared"
	MessagesRead   = "messages_read"
	ChatDeleted    = "chat_deleted"
)

// ChatEvent describes one mutation of a chat.
type ChatEvent struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId"`
	ActorID   string          `json:"actorId"`
	Message   *domain.Message `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	At        time.Time       `json:"at"`
}

// Broker fans chat events out to subscribers of that chat.
// Delivery is best effort: slow subscribers drop events and fall back to polling.
type Broker interface {
	Publish(ctx context.Context, ev ChatEvent) error
	// Subscribe returns a channel closed when ctx ends or the returned cancel func is called.
	Subscribe(ctx context.Context, chatID string) (<-chan ChatEvent, func(), error)
}

const subscriberBuffer = 16

// MemoryBroker delivers events inside one process.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan ChatEvent
	done chan struct{}
	once sync.Once
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, ev ChatEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.ChatID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, chatID string) (<-chan ChatEvent, func(), error) {
	sub := &memorySub{ch: make(chan ChatEvent, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[*memorySub]struct{})
	}
	b.subs[chatID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[chatID], sub)
			if len(b.subs[chatID]) == 0 {
				delete(b.subs, chatID)
			}
			close(sub.ch)
			close(sub.done)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// RedisBroker publishes on a Redis channel per chat so every API replica
// can serve subscriptions.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

func NewRedisBroker(client *redis.Client, prefix string) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if prefix == "" {
		prefix = "vibe:chat"
	}
	return &RedisBroker{client: client, prefix: prefix}, nil
}

func (b *RedisBroker) channel(chatID string) string {
	return b.prefix + ":" + chatID
}

func (b *RedisBroker) Publish(ctx context.Context, ev ChatEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode chat event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.ChatID), payload).Err(); err != nil {
		return fmt.Errorf("publish chat event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, chatID string) (<-chan ChatEvent, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(chatID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe chat events: %w", err)
	}

	out := make(chan ChatEvent, subscriberBuffer)
	ctx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() { once.Do(func() { stop(); _ = ps.Close() }) }

	go func() {
		defer close(out)
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev ChatEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("drop malformed chat event", "chat_id", chatID, "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}
