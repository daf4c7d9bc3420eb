package store

import (
	"context"
	"errors"
	"time"

	"vibe/pkg/domain"
)

var (
	// ErrDuplicate is returned when a unique key (email, username, chat pair) already exists.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrNotFound is returned by mutations that target a missing record.
	ErrNotFound = errors.New("store: record not found")
)

// ProfilePatch holds the profile columns a user may edit; empty fields are skipped.
type ProfilePatch struct {
	AccountImage   string
	AccountPhoneNo string
	Username       string
	Status         domain.PresenceStatus
	UpdatedAt      time.Time
}

// Store persists users, notifications, chats and messages.
// Lookups return (value, found, err); a missing row is not an error.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	// GetUserForUpdate is GetUserByID that row-locks inside WithTx where the backend supports it.
	GetUserForUpdate(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]domain.User, error)
	SearchUsersByName(ctx context.Context, term string, limit int) ([]domain.User, error)
	SuggestUsers(ctx context.Context, exclude []string, limit int) ([]domain.User, error)
	SetUserStatus(ctx context.Context, id string, status domain.PresenceStatus) error
	// UpdateUserProfile writes the non-empty fields of p and returns the
	// stored user. Relationship lists are left untouched.
	UpdateUserProfile(ctx context.Context, id string, p ProfilePatch) (domain.User, bool, error)
	DeleteUser(ctx context.Context, id string) error

	// notifications
	AddNotification(ctx context.Context, n domain.Notification) error
	// ListNotifications never returns notifications expired at now.
	ListNotifications(ctx context.Context, userID string, now time.Time) ([]domain.Notification, error)
	GetNotification(ctx context.Context, id string) (domain.Notification, bool, error)
	DeleteNotification(ctx context.Context, id string) error
	HasPendingNotification(ctx context.Context, userID, fromID string, kind domain.NotificationKind, now time.Time) (bool, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)
	DeleteNotificationsForUser(ctx context.Context, userID string) error

	// chats
	CreateChat(ctx context.Context, chat domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	FindChatByPair(ctx context.Context, a, b string) (domain.Chat, bool, error)
	DeleteChat(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, chatID string, msg domain.Message) error
	UpdateMessage(ctx context.Context, chatID string, msg domain.Message) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	ClearMessages(ctx context.Context, chatID string) error
	// MarkRead adds readerID to every message in the chat not sent by readerID.
	MarkRead(ctx context.Context, chatID, readerID string) (int, error)

	// WithTx runs fn against a transactional view of the store. A non-nil
	// error from fn rolls every write back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Open picks a backend from the DSN: "memory", "sqlite:<path>" or a postgres URL.
func Open(dsn string) (Store, error) {
	if dsn == "memory" || dsn == "memory:" {
		return NewMemoryStore(), nil
	}
	return NewGormStore(dsn)
}
