package store

import (
	"time"

	"gorm.io/datatypes"

	"vibe/pkg/domain"
)

// GORM models used for persistence. Relationship lists stay document-shaped
// in JSON columns; notifications and messages get their own tables.
type UserModel struct {
	ID              string `gorm:"primaryKey"`
	Username        string `gorm:"uniqueIndex;not null"`
	Email           string `gorm:"uniqueIndex;not null"`
	PasswordHash    string `gorm:"not null"`
	AccountImage    string
	AccountPhoneNo  string
	Status          string                              `gorm:"not null;default:offline"`
	Contacts        datatypes.JSONSlice[domain.Contact] `gorm:"not null"`
	BlockedContacts datatypes.JSONSlice[string]         `gorm:"not null"`
	MutedContacts   datatypes.JSONSlice[string]         `gorm:"not null"`
	Chats           datatypes.JSONSlice[string]         `gorm:"not null"`
	JoinDate        time.Time                           `gorm:"not null;index"`
	UpdatedAt       time.Time
}

type NotificationModel struct {
	ID        string     `gorm:"primaryKey"`
	UserID    string     `gorm:"not null;index"`
	Kind      string     `gorm:"not null;index"`
	Message   string     `gorm:"not null"`
	FromID    string     `gorm:"index"`
	Date      time.Time  `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
}

type ChatModel struct {
	ID           string    `gorm:"primaryKey"`
	ParticipantA string    `gorm:"not null;index"`
	ParticipantB string    `gorm:"not null;index"`
	PairKey      string    `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        string                      `gorm:"primaryKey"`
	ChatID    string                      `gorm:"not null;uniqueIndex:idx_message_chat_position_uniq"`
	Position  int64                       `gorm:"not null;uniqueIndex:idx_message_chat_position_uniq"`
	SenderID  string                      `gorm:"not null"`
	Content   string                      `gorm:"type:text;not null"`
	CreatedAt time.Time                   `gorm:"not null"`
	Edited    bool                        `gorm:"not null;default:false"`
	ReadBy    datatypes.JSONSlice[string] `gorm:"not null"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		PasswordHash:    u.PasswordHash,
		AccountImage:    u.AccountImage,
		AccountPhoneNo:  u.AccountPhoneNo,
		Status:          string(u.Status),
		Contacts:        nonNil(u.Contacts),
		BlockedContacts: nonNil(u.BlockedContacts),
		MutedContacts:   nonNil(u.MutedContacts),
		Chats:           nonNil(u.Chats),
		JoinDate:        u.JoinDate.UTC(),
		UpdatedAt:       u.UpdatedAt.UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:              m.ID,
		Username:        m.Username,
		Email:           m.Email,
		PasswordHash:    m.PasswordHash,
		AccountImage:    m.AccountImage,
		AccountPhoneNo:  m.AccountPhoneNo,
		Status:          domain.PresenceStatus(m.Status),
		Contacts:        nonNil([]domain.Contact(m.Contacts)),
		BlockedContacts: nonNil([]string(m.BlockedContacts)),
		MutedContacts:   nonNil([]string(m.MutedContacts)),
		Chats:           nonNil([]string(m.Chats)),
		JoinDate:        m.JoinDate,
		UpdatedAt:       m.UpdatedAt,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		Message:   n.Message,
		FromID:    n.FromID,
		Date:      n.Date.UTC(),
		ExpiresAt: n.ExpiresAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Kind:      domain.NotificationKind(m.Kind),
		Message:   m.Message,
		FromID:    m.FromID,
		Date:      m.Date,
		ExpiresAt: m.ExpiresAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	p := domain.NewParticipants(c.Participants[0], c.Participants[1])
	return ChatModel{
		ID:           c.ID,
		ParticipantA: p[0],
		ParticipantB: p[1],
		PairKey:      domain.PairKey(p[0], p[1]),
		CreatedAt:    c.CreatedAt.UTC(),
	}
}

func chatFromModel(m ChatModel, messages []MessageModel) domain.Chat {
	chat := domain.Chat{
		ID:           m.ID,
		Participants: [2]string{m.ParticipantA, m.ParticipantB},
		Messages:     make([]domain.Message, 0, len(messages)),
		CreatedAt:    m.CreatedAt,
	}
	for _, msg := range messages {
		chat.Messages = append(chat.Messages, messageFromModel(msg))
	}
	return chat
}

func messageToModel(chatID string, position int64, msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		ChatID:    chatID,
		Position:  position,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC(),
		Edited:    msg.Edited,
		ReadBy:    nonNil(msg.ReadBy),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Edited:    m.Edited,
		ReadBy:    nonNil([]string(m.ReadBy)),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func jsonIDs(ids []string) datatypes.JSONSlice[string] {
	return datatypes.JSONSlice[string](nonNil(ids))
}
