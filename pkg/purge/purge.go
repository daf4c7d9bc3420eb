// Package purge removes what a deleted account leaves behind on other users:
// contact entries, shared chats and stored avatar objects. The API runs it
// inline or enqueues it for the worker.
package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vibe/internal/util"
	"vibe/pkg/domain"
	"vibe/pkg/events"
	"vibe/pkg/storage"
	"vibe/pkg/store"
)

// JobKind is the queue job kind carrying a Payload.
const JobKind = "account_purge"

// Payload is a snapshot of the deleted user taken before the row was removed.
type Payload struct {
	UserID     string   `json:"userId"`
	Username   string   `json:"username"`
	ContactIDs []string `json:"contactIds"`
	ChatIDs    []string `json:"chatIds"`
}

// PayloadFor captures what the purge needs from u.
func PayloadFor(u domain.User) Payload {
	p := Payload{UserID: u.ID, Username: u.Username, ChatIDs: append([]string(nil), u.Chats...)}
	for _, c := range u.Contacts {
		p.ContactIDs = append(p.ContactIDs, c.UserID)
	}
	return p
}

// Purger applies a Payload. Avatars and Broker are optional.
type Purger struct {
	Store   store.Store
	Avatars storage.AvatarStore
	Broker  events.Broker
	Now     func() time.Time
	NewID   func() string
}

// Result counts what a purge touched.
type Result struct {
	Peers   int
	Chats   int
	Objects int
}

// Purge is idempotent: peers and chats already gone are skipped, so a retried
// job converges to the same state.
func (p *Purger) Purge(ctx context.Context, payload Payload) (Result, error) {
	if payload.UserID == "" {
		return Result{}, errors.New("purge: user id required")
	}
	now := p.now()
	var res Result
	var deletedChats []string
	err := p.Store.WithTx(ctx, func(tx store.Store) error {
		res, deletedChats = Result{}, nil
		for _, peerID := range payload.ContactIDs {
			peer, ok, err := tx.GetUserForUpdate(ctx, peerID)
			if err != nil {
				return fmt.Errorf("load peer %s: %w", peerID, err)
			}
			if !ok {
				continue
			}
			touched := peer.HasContact(payload.UserID)
			peer.RemoveContact(payload.UserID)
			peer.Unblock(payload.UserID)
			peer.Unmute(payload.UserID)
			for _, chatID := range payload.ChatIDs {
				peer.RemoveChat(chatID)
			}
			peer.UpdatedAt = now
			if err := tx.SaveUser(ctx, peer); err != nil {
				return fmt.Errorf("save peer %s: %w", peerID, err)
			}
			if !touched {
				continue
			}
			res.Peers++
			if err := tx.AddNotification(ctx, domain.Notification{
				ID:      p.newID(),
				UserID:  peerID,
				Kind:    domain.NotificationGeneric,
				Message: fmt.Sprintf("%s has deleted their account.", payload.Username),
				FromID:  payload.UserID,
				Date:    now,
			}); err != nil {
				return fmt.Errorf("notify peer %s: %w", peerID, err)
			}
		}
		for _, chatID := range payload.ChatIDs {
			_, ok, err := tx.GetChat(ctx, chatID)
			if err != nil {
				return fmt.Errorf("load chat %s: %w", chatID, err)
			}
			if !ok {
				continue
			}
			if err := tx.DeleteChat(ctx, chatID); err != nil {
				return fmt.Errorf("delete chat %s: %w", chatID, err)
			}
			res.Chats++
			deletedChats = append(deletedChats, chatID)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, chatID := range deletedChats {
		p.publish(ctx, events.ChatEvent{Type: events.ChatDeleted, ChatID: chatID, ActorID: payload.UserID, At: now})
	}
	if p.Avatars != nil {
		n, err := p.Avatars.DeleteUserObjects(ctx, payload.UserID)
		if err != nil {
			return res, fmt.Errorf("delete avatar objects: %w", err)
		}
		res.Objects = n
	}
	return res, nil
}

func (p *Purger) publish(ctx context.Context, ev events.ChatEvent) {
	if p.Broker == nil {
		return
	}
	if err := p.Broker.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish chat event failed", "type", ev.Type, "chat_id", ev.ChatID, "err", err)
	}
}

func (p *Purger) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Purger) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return util.NewID()
}
