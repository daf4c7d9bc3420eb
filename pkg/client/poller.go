package client

import (
	"context"
	"time"

	"vibe/pkg/domain"
)

// Default poll intervals.
const (
	ChatPollInterval         = 5 * time.Second
	NotificationPollInterval = 60 * time.Second
)

// Poller fetches T immediately and then every Interval until ctx ends.
// A failed fetch goes to OnError and polling continues.
type Poller[T any] struct {
	Interval time.Duration
	Fetch    func(ctx context.Context) (T, error)
	OnError  func(error)
}

// Run blocks until ctx is done and returns ctx.Err().
func (p Poller[T]) Run(ctx context.Context, onUpdate func(T)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = ChatPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.poll(ctx, onUpdate)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p Poller[T]) poll(ctx context.Context, onUpdate func(T)) {
	v, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil && p.OnError != nil {
			p.OnError(err)
		}
		return
	}
	onUpdate(v)
}

// PollChat refreshes one chat at ChatPollInterval.
func (c *Client) PollChat(token, chatID string) Poller[Chat] {
	return Poller[Chat]{
		Interval: ChatPollInterval,
		Fetch:    func(ctx context.Context) (Chat, error) { return c.GetChat(ctx, token, chatID) },
	}
}

// PollNotifications refreshes the notification list at NotificationPollInterval.
func (c *Client) PollNotifications(token string) Poller[[]domain.Notification] {
	return Poller[[]domain.Notification]{
		Interval: NotificationPollInterval,
		Fetch: func(ctx context.Context) ([]domain.Notification, error) {
			return c.Notifications(ctx, token)
		},
	}
}
