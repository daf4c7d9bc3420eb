package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vibe/pkg/domain"
	"vibe/pkg/events"
	"vibe/pkg/store"
)

// ContactRequestTTL is how long a contact request stays answerable.
const ContactRequestTTL = 24 * time.Hour

// Contact request actions.
const (
	ActionAccept = "accept"
	ActionDeny   = "deny"
)

// AddContact sends a contact request from the caller to targetID.
func (a *App) AddContact(ctx context.Context, c Claims, targetID string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return ErrContactIDRequired
	}
	now := a.now()
	return a.store.WithTx(ctx, func(tx store.Store) error {
		target, err := a.loadUser(ctx, tx, targetID, ErrContactNotFound)
		if err != nil {
			return err
		}
		if targetID == c.UserID {
			return ErrSelfContact
		}
		me, err := a.loadUser(ctx, tx, c.UserID, ErrUserNotFound)
		if err != nil {
			return err
		}
		if target.HasBlocked(me.ID) {
			return ErrBlockedByTarget
		}
		if me.HasContact(targetID) {
			return ErrAlreadyContact
		}
		pending, err := tx.HasPendingNotification(ctx, targetID, me.ID, domain.NotificationContactRequest, now)
		if err != nil {
			return fmt.Errorf("check pending request: %w", err)
		}
		if pending {
			return ErrRequestPending
		}
		expires := now.Add(ContactRequestTTL)
		return tx.AddNotification(ctx, domain.Notification{
			ID:        a.newID(),
			UserID:    targetID,
			Kind:      domain.NotificationContactRequest,
			Message:   fmt.Sprintf("%s has sent you a contact request.", me.Username),
			FromID:    me.ID,
			Date:      now,
			ExpiresAt: &expires,
		})
	})
}

// RespondToContactRequest accepts or denies a pending request addressed to the
// caller. Accepting returns the shared chat, created when absent.
func (a *App) RespondToContactRequest(ctx context.Context, c Claims, notificationID, action string) (*domain.Chat, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return nil, ErrNotificationIDRequired
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action != ActionAccept && action != ActionDeny {
		return nil, ErrInvalidAction
	}
	now := a.now()
	var chat *domain.Chat
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		chat = nil
		note, ok, err := tx.GetNotification(ctx, notificationID)
		if err != nil {
			return fmt.Errorf("load notification: %w", err)
		}
		if !ok || note.UserID != c.UserID || note.Kind != domain.NotificationContactRequest || note.Expired(now) {
			return ErrContactRequestNotFound
		}
		me, requester, err := a.lockPair(ctx, tx, c.UserID, note.FromID, ErrUserNotFound)
		if err != nil {
			return err
		}

		verb := "denied"
		if action == ActionAccept {
			verb = "accepted"
			existing, err := a.linkContacts(ctx, tx, &me, &requester, now)
			if err != nil {
				return err
			}
			chat = &existing
		}
		if err := tx.AddNotification(ctx, domain.Notification{
			ID:      a.newID(),
			UserID:  requester.ID,
			Kind:    domain.NotificationContactRequestResponse,
			Message: fmt.Sprintf("%s %s your contact request.", me.Username, verb),
			FromID:  me.ID,
			Date:    now,
		}); err != nil {
			return fmt.Errorf("notify requester: %w", err)
		}
		return tx.DeleteNotification(ctx, note.ID)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// linkContacts adds symmetric contact entries and makes sure the pair has a
// chat listed on both sides. Both users must be row locked by the caller.
func (a *App) linkContacts(ctx context.Context, tx store.Store, me, peer *domain.User, now time.Time) (domain.Chat, error) {
	me.AddContact(peer.ID)
	peer.AddContact(me.ID)
	chat, ok, err := tx.FindChatByPair(ctx, me.ID, peer.ID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("find chat: %w", err)
	}
	if !ok {
		chat = domain.Chat{ID: a.newID(), Participants: domain.NewParticipants(me.ID, peer.ID), CreatedAt: now}
		if err := tx.CreateChat(ctx, chat); err != nil {
			return domain.Chat{}, fmt.Errorf("create chat: %w", err)
		}
	}
	me.AddChat(chat.ID)
	peer.AddChat(chat.ID)
	me.UpdatedAt, peer.UpdatedAt = now, now
	if err := tx.SaveUser(ctx, *me); err != nil {
		return domain.Chat{}, fmt.Errorf("save user: %w", err)
	}
	if err := tx.SaveUser(ctx, *peer); err != nil {
		return domain.Chat{}, fmt.Errorf("save peer: %w", err)
	}
	return chat, nil
}

// lockPair row-locks the caller and a peer in id order so that two pair
// operations running in opposite directions cannot deadlock.
func (a *App) lockPair(ctx context.Context, tx store.Store, meID, peerID string, peerMissing error) (domain.User, domain.User, error) {
	load := func(id string) (domain.User, error) {
		if id == meID {
			return a.lockUser(ctx, tx, id, ErrUserNotFound)
		}
		return a.lockUser(ctx, tx, id, peerMissing)
	}
	first, second := meID, peerID
	if second < first {
		first, second = second, first
	}
	u1, err := load(first)
	if err != nil {
		return domain.User{}, domain.User{}, err
	}
	u2, err := load(second)
	if err != nil {
		return domain.User{}, domain.User{}, err
	}
	if u1.ID == meID {
		return u1, u2, nil
	}
	return u2, u1, nil
}

// RemoveContact drops the relationship on both sides, deletes the shared chat
// and tells the peer.
func (a *App) RemoveContact(ctx context.Context, c Claims, peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrContactIDRequired
	}
	if peerID == c.UserID {
		return ErrSelfAction
	}
	now := a.now()
	var deletedChat string
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		deletedChat = ""
		me, peer, err := a.lockPair(ctx, tx, c.UserID, peerID, ErrContactNotFound)
		if err != nil {
			return err
		}
		me.RemoveContact(peer.ID)
		peer.RemoveContact(me.ID)
		chat, ok, err := tx.FindChatByPair(ctx, me.ID, peer.ID)
		if err != nil {
			return fmt.Errorf("find chat: %w", err)
		}
		if ok {
			if err := tx.DeleteChat(ctx, chat.ID); err != nil {
				return fmt.Errorf("delete chat: %w", err)
			}
			me.RemoveChat(chat.ID)
			peer.RemoveChat(chat.ID)
			deletedChat = chat.ID
		}
		me.UpdatedAt, peer.UpdatedAt = now, now
		if err := tx.SaveUser(ctx, me); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if err := tx.SaveUser(ctx, peer); err != nil {
			return fmt.Errorf("save peer: %w", err)
		}
		return tx.AddNotification(ctx, domain.Notification{
			ID:      a.newID(),
			UserID:  peer.ID,
			Kind:    domain.NotificationContactRemoved,
			Message: fmt.Sprintf("%s has removed you from their contacts.", me.Username),
			FromID:  me.ID,
			Date:    now,
		})
	})
	if err != nil {
		return err
	}
	if deletedChat != "" {
		a.publish(ctx, events.ChatEvent{Type: events.ChatDeleted, ChatID: deletedChat, ActorID: c.UserID})
	}
	return nil
}

// BlockContact stops peerID from messaging the caller and vice versa.
func (a *App) BlockContact(ctx context.Context, c Claims, peerID string) error {
	return a.updateSelfForPeer(ctx, c, peerID, func(me *domain.User, peer string) error {
		if me.HasBlocked(peer) {
			return ErrAlreadyBlocked
		}
		me.Block(peer)
		return nil
	})
}

func (a *App) UnblockContact(ctx context.Context, c Claims, peerID string) error {
	return a.updateSelfForPeer(ctx, c, peerID, func(me *domain.User, peer string) error {
		if !me.HasBlocked(peer) {
			return ErrNotBlocked
		}
		me.Unblock(peer)
		return nil
	})
}

func (a *App) MuteContact(ctx context.Context, c Claims, peerID string) error {
	return a.updateSelfForPeer(ctx, c, peerID, func(me *domain.User, peer string) error {
		if me.HasMuted(peer) {
			return ErrAlreadyMuted
		}
		me.Mute(peer)
		return nil
	})
}

// UnmuteContact is a no-op when the peer is not muted.
func (a *App) UnmuteContact(ctx context.Context, c Claims, peerID string) error {
	return a.updateSelfForPeer(ctx, c, peerID, func(me *domain.User, peer string) error {
		me.Unmute(peer)
		return nil
	})
}

func (a *App) updateSelfForPeer(ctx context.Context, c Claims, peerID string, mutate func(*domain.User, string) error) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrContactIDRequired
	}
	if peerID == c.UserID {
		return ErrSelfAction
	}
	return a.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := a.loadUser(ctx, tx, peerID, ErrContactNotFound); err != nil {
			return err
		}
		me, err := a.lockUser(ctx, tx, c.UserID, ErrUserNotFound)
		if err != nil {
			return err
		}
		if err := mutate(&me, peerID); err != nil {
			return err
		}
		me.UpdatedAt = a.now()
		return tx.SaveUser(ctx, me)
	})
}

// ListNotifications returns the caller's unexpired notifications.
func (a *App) ListNotifications(ctx context.Context, c Claims) ([]domain.Notification, error) {
	notes, err := a.store.ListNotifications(ctx, c.UserID, a.now())
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notes, nil
}

// RemoveNotification deletes one of the caller's notifications.
func (a *App) RemoveNotification(ctx context.Context, c Claims, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return ErrNotificationIDRequired
	}
	note, ok, err := a.store.GetNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if !ok || note.UserID != c.UserID {
		return ErrNotificationNotFound
	}
	if err := a.store.DeleteNotification(ctx, notificationID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
