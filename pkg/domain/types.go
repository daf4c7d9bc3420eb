package domain

import (
	"strings"
	"time"
)

// PresenceStatus is a user's self-reported availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceBusy    PresenceStatus = "busy"
)

// ParsePresenceStatus accepts online, offline or busy (case-insensitive).
func ParsePresenceStatus(raw string) (PresenceStatus, bool) {
	switch s := PresenceStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case PresenceOnline, PresenceOffline, PresenceBusy:
		return s, true
	default:
		return "", false
	}
}

// ContactStatus is the state of one side of a contact relationship.
type ContactStatus string

const ContactActive ContactStatus = "active"

type Contact struct {
	UserID string        `json:"userId"`
	Status ContactStatus `json:"status"`
}

type User struct {
	ID              string         `json:"id"`
	Username        string         `json:"username"`
	Email           string         `json:"email"`
	PasswordHash    string         `json:"-"`
	AccountImage    string         `json:"accountImage"`
	AccountPhoneNo  string         `json:"accountPhoneNo"`
	Status          PresenceStatus `json:"status"`
	Contacts        []Contact      `json:"contacts"`
	BlockedContacts []string       `json:"blockedContacts"`
	MutedContacts   []string       `json:"mutedContacts"`
	Chats           []string       `json:"chats"`
	JoinDate        time.Time      `json:"joinDate"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (u User) HasContact(id string) bool {
	for _, c := range u.Contacts {
		if c.UserID == id {
			return true
		}
	}
	return false
}

func (u User) HasBlocked(id string) bool { return contains(u.BlockedContacts, id) }

func (u User) HasMuted(id string) bool { return contains(u.MutedContacts, id) }

// AddContact appends an active entry for id unless one already exists.
func (u *User) AddContact(id string) {
	if !u.HasContact(id) {
		u.Contacts = append(u.Contacts, Contact{UserID: id, Status: ContactActive})
	}
}

// RemoveContact drops every entry for id.
func (u *User) RemoveContact(id string) {
	kept := u.Contacts[:0]
	for _, c := range u.Contacts {
		if c.UserID != id {
			kept = append(kept, c)
		}
	}
	u.Contacts = kept
}

func (u *User) AddChat(chatID string) {
	if !contains(u.Chats, chatID) {
		u.Chats = append(u.Chats, chatID)
	}
}

func (u *User) RemoveChat(chatID string) { u.Chats = without(u.Chats, chatID) }

func (u *User) Block(id string) { u.BlockedContacts = appendUnique(u.BlockedContacts, id) }

func (u *User) Unblock(id string) { u.BlockedContacts = without(u.BlockedContacts, id) }

func (u *User) Mute(id string) { u.MutedContacts = appendUnique(u.MutedContacts, id) }

func (u *User) Unmute(id string) { u.MutedContacts = without(u.MutedContacts, id) }

// Public strips credentials and relationship lists.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:             u.ID,
		Username:       u.Username,
		AccountImage:   u.AccountImage,
		AccountPhoneNo: u.AccountPhoneNo,
		Status:         u.Status,
		JoinDate:       u.JoinDate,
	}
}

// PublicUser is what other users may see about a user.
type PublicUser struct {
	ID             string         `json:"id"`
	Username       string         `json:"username"`
	AccountImage   string         `json:"accountImage"`
	AccountPhoneNo string         `json:"accountPhoneNo"`
	Status         PresenceStatus `json:"status"`
	JoinDate       time.Time      `json:"joinDate"`
}

// ContactView is one entry of a contact listing, joined with the peer's profile.
type ContactView struct {
	PublicUser
	ContactStatus ContactStatus `json:"contactStatus"`
	Blocked       bool          `json:"blocked"`
	Muted         bool          `json:"muted"`
}

type NotificationKind string

const (
	NotificationContactRequest         NotificationKind = "contact_request"
	NotificationContactRequestResponse NotificationKind = "contact_request_response"
	NotificationContactRemoved         NotificationKind = "contact_removed"
	NotificationGeneric                NotificationKind = "generic"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Kind      NotificationKind `json:"type"`
	Message   string           `json:"message"`
	FromID    string           `json:"fromId,omitempty"`
	Date      time.Time        `json:"date"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

// Expired reports whether the notification has an expiry at or before now.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Edited    bool      `json:"edited"`
	ReadBy    []string  `json:"readBy"`
}

func (m Message) ReadByUser(id string) bool { return contains(m.ReadBy, id) }

type Chat struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c Chat) HasParticipant(id string) bool {
	return id != "" && (c.Participants[0] == id || c.Participants[1] == id)
}

// Other returns the participant that is not id, or "" when id is not a participant.
func (c Chat) Other(id string) string {
	switch id {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// PairKey identifies an unordered participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NewParticipants orders a pair so equal pairs compare equal.
func NewParticipants(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func appendUnique(list []string, id string) []string {
	if contains(list, id) {
		return list
	}
	return append(list, id)
}

func without(list []string, id string) []string {
	kept := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			kept = append(kept, v)
		}
	}
	return kept
}
