package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"vibe/pkg/domain"
	"vibe/pkg/events"
	"vibe/pkg/store"
)

// MaxMessageLength bounds message content, in characters.
const MaxMessageLength = 4000

// ChatParticipant is a participant with the display name resolved.
type ChatParticipant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChatView is a chat as shown to one of its participants.
type ChatView struct {
	ID           string            `json:"id"`
	Participants []ChatParticipant `json:"participants"`
	Messages     []domain.Message  `json:"messages"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// StartChat opens the chat with an existing contact. When the pair already has
// a chat it is returned together with ErrChatExists.
func (a *App) StartChat(ctx context.Context, c Claims, contactID string) (domain.Chat, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return domain.Chat{}, ErrContactIDRequired
	}
	if contactID == c.UserID {
		return domain.Chat{}, ErrSelfChat
	}
	now := a.now()
	var chat domain.Chat
	var existed bool
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		me, peer, err := a.lockPair(ctx, tx, c.UserID, contactID, ErrNotAContact)
		if err != nil {
			return err
		}
		if !me.HasContact(peer.ID) {
			return ErrNotAContact
		}
		found, ok, err := tx.FindChatByPair(ctx, me.ID, peer.ID)
		if err != nil {
			return fmt.Errorf("find chat: %w", err)
		}
		if ok {
			chat, existed = found, true
			return nil
		}
		chat = domain.Chat{ID: a.newID(), Participants: domain.NewParticipants(me.ID, peer.ID), CreatedAt: now}
		if err := tx.CreateChat(ctx, chat); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrChatExists
			}
			return fmt.Errorf("create chat: %w", err)
		}
		me.AddChat(chat.ID)
		peer.AddChat(chat.ID)
		me.UpdatedAt, peer.UpdatedAt = now, now
		if err := tx.SaveUser(ctx, me); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return tx.SaveUser(ctx, peer)
	})
	if err != nil {
		return domain.Chat{}, err
	}
	if existed {
		return chat, ErrChatExists
	}
	return chat, nil
}

// SendMessage appends content to the chat unless either participant blocked the other.
func (a *App) SendMessage(ctx context.Context, c Claims, chatID, content string) (domain.Chat, error) {
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return domain.Chat{}, err
	}
	sender, err := a.loadUser(ctx, a.store, c.UserID, ErrUserNotFound)
	if err != nil {
		return domain.Chat{}, err
	}
	recipient, err := a.loadUser(ctx, a.store, chat.Other(c.UserID), ErrUserNotFound.withMsg("Recipient not found"))
	if err != nil {
		return domain.Chat{}, err
	}
	if recipient.HasBlocked(sender.ID) {
		return domain.Chat{}, ErrBlockedByPeer.withMsg(fmt.Sprintf("You have been blocked by %s and cannot send messages.", recipient.Username))
	}
	if sender.HasBlocked(recipient.ID) {
		return domain.Chat{}, ErrBlocked
	}
	msg := domain.Message{
		ID:        a.newID(),
		SenderID:  sender.ID,
		Content:   content,
		CreatedAt: a.now(),
		ReadBy:    []string{},
	}
	if err := a.store.AppendMessage(ctx, chat.ID, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Chat{}, ErrChatNotFound
		}
		return domain.Chat{}, fmt.Errorf("append message: %w", err)
	}
	a.publish(ctx, events.ChatEvent{Type: events.MessageSent, ChatID: chat.ID, ActorID: sender.ID, Message: &msg, MessageID: msg.ID})
	return a.reloadChat(ctx, chat.ID)
}

// EditMessage replaces the content of one of the caller's messages.
func (a *App) EditMessage(ctx context.Context, c Claims, chatID, messageID, content string) (domain.Chat, error) {
	chat, msg, err := a.ownMessage(ctx, c, chatID, messageID)
	if err != nil {
		return domain.Chat{}, err
	}
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return domain.Chat{}, err
	}
	msg.Content = content
	msg.Edited = true
	if err := a.store.UpdateMessage(ctx, chat.ID, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Chat{}, ErrMessageNotFound
		}
		return domain.Chat{}, fmt.Errorf("update message: %w", err)
	}
	a.publish(ctx, events.ChatEvent{Type: events.MessageEdited, ChatID: chat.ID, ActorID: c.UserID, Message: &msg, MessageID: msg.ID})
	return a.reloadChat(ctx, chat.ID)
}

// DeleteMessage removes one of the caller's messages, keeping the order of the rest.
func (a *App) DeleteMessage(ctx context.Context, c Claims, chatID, messageID string) error {
	chat, msg, err := a.ownMessage(ctx, c, chatID, messageID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteMessage(ctx, chat.ID, msg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("delete message: %w", err)
	}
	a.publish(ctx, events.ChatEvent{Type: events.MessageDeleted, ChatID: chat.ID, ActorID: c.UserID, MessageID: msg.ID})
	return nil
}

// ClearChat removes every message; any participant may clear.
func (a *App) ClearChat(ctx context.Context, c Claims, chatID string) error {
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return err
	}
	if err := a.store.ClearMessages(ctx, chat.ID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	a.publish(ctx, events.ChatEvent{Type: events.ChatCleared, ChatID: chat.ID, ActorID: c.UserID})
	return nil
}

// GetChat returns the chat with participant usernames resolved.
func (a *App) GetChat(ctx context.Context, c Claims, chatID string) (ChatView, error) {
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return ChatView{}, err
	}
	users, err := a.store.GetUsersByIDs(ctx, chat.Participants[:])
	if err != nil {
		return ChatView{}, fmt.Errorf("load participants: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	view := ChatView{ID: chat.ID, Messages: chat.Messages, CreatedAt: chat.CreatedAt}
	if view.Messages == nil {
		view.Messages = []domain.Message{}
	}
	for _, id := range chat.Participants {
		view.Participants = append(view.Participants, ChatParticipant{ID: id, Username: names[id]})
	}
	return view, nil
}

// ChatExists reports the id of the chat between the caller and contactID, if any.
func (a *App) ChatExists(ctx context.Context, c Claims, contactID string) (string, bool, error) {
	chat, ok, err := a.store.FindChatByPair(ctx, c.UserID, strings.TrimSpace(contactID))
	if err != nil {
		return "", false, fmt.Errorf("find chat: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return chat.ID, true, nil
}

// HasUnread reports whether the chat with contactID holds a message from the
// contact that the caller has not read.
func (a *App) HasUnread(ctx context.Context, c Claims, contactID string) (bool, error) {
	chat, ok, err := a.store.FindChatByPair(ctx, c.UserID, strings.TrimSpace(contactID))
	if err != nil {
		return false, fmt.Errorf("find chat: %w", err)
	}
	if !ok {
		return false, nil
	}
	for _, m := range chat.Messages {
		if m.SenderID != c.UserID && !m.ReadByUser(c.UserID) {
			return true, nil
		}
	}
	return false, nil
}

// MarkRead records the caller as reader of every message they did not send.
func (a *App) MarkRead(ctx context.Context, c Claims, chatID string) (int, error) {
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return 0, err
	}
	n, err := a.store.MarkRead(ctx, chat.ID, c.UserID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		a.publish(ctx, events.ChatEvent{Type: events.MessagesRead, ChatID: chat.ID, ActorID: c.UserID})
	}
	return n, nil
}

// Subscribe streams the chat's events to a participant until ctx ends or cancel is called.
func (a *App) Subscribe(ctx context.Context, c Claims, chatID string) (<-chan events.ChatEvent, func(), error) {
	if a.broker == nil {
		return nil, nil, ErrPushDisabled
	}
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return nil, nil, err
	}
	return a.broker.Subscribe(ctx, chat.ID)
}

func (a *App) participantChat(ctx context.Context, c Claims, chatID string) (domain.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Chat{}, ErrChatIDRequired
	}
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("load chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrChatNotFound
	}
	if !chat.HasParticipant(c.UserID) {
		return domain.Chat{}, ErrNotParticipant
	}
	return chat, nil
}

func (a *App) ownMessage(ctx context.Context, c Claims, chatID, messageID string) (domain.Chat, domain.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Chat{}, domain.Message{}, ErrMessageIDRequired
	}
	chat, err := a.participantChat(ctx, c, chatID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	for _, m := range chat.Messages {
		if m.ID != messageID {
			continue
		}
		if m.SenderID != c.UserID {
			return domain.Chat{}, domain.Message{}, ErrNotSender
		}
		return chat, m, nil
	}
	return domain.Chat{}, domain.Message{}, ErrMessageNotFound
}

func (a *App) reloadChat(ctx context.Context, chatID string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("reload chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func validateContent(content string) error {
	if content == "" {
		return ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return ErrContentTooLong
	}
	return nil
}
