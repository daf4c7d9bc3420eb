package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vibe/pkg/domain"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Values are deep-copied on the way in and out. WithTx holds the store lock for
// the whole callback and restores a snapshot when the callback fails.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
}

type memoryData struct {
	users         map[string]domain.User
	notifications map[string]domain.Notification
	chats         map[string]domain.Chat
	pairs         map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		data: &memoryData{
			users:         make(map[string]domain.User),
			notifications: make(map[string]domain.Notification),
			chats:         make(map[string]domain.Chat),
			pairs:         make(map[string]string),
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock()()
	snapshot := s.data.clone()
	if err := fn(&MemoryStore{mu: s.mu, data: s.data, inTx: true}); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		users:         make(map[string]domain.User, len(d.users)),
		notifications: make(map[string]domain.Notification, len(d.notifications)),
		chats:         make(map[string]domain.Chat, len(d.chats)),
		pairs:         make(map[string]string, len(d.pairs)),
	}
	for k, v := range d.users {
		out.users[k] = cloneUser(v)
	}
	for k, v := range d.notifications {
		out.notifications[k] = v
	}
	for k, v := range d.chats {
		out.chats[k] = cloneChat(v)
	}
	for k, v := range d.pairs {
		out.pairs[k] = v
	}
	return out
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	defer s.lock()()
	if _, ok := s.data.users[u.ID]; ok {
		return ErrDuplicate
	}
	if s.conflicts(u) {
		return ErrDuplicate
	}
	s.data.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	defer s.lock()()
	if s.conflicts(u) {
		return ErrDuplicate
	}
	s.data.users[u.ID] = cloneUser(u)
	return nil
}

// conflicts reports another user holding u's username or email.
func (s *MemoryStore) conflicts(u domain.User) bool {
	for id, other := range s.data.users {
		if id == u.ID {
			continue
		}
		if other.Username == u.Username || strings.EqualFold(other.Email, u.Email) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	defer s.lock()()
	u, ok := s.data.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	return cloneUser(u), true, nil
}

func (s *MemoryStore) GetUserForUpdate(ctx context.Context, id string) (domain.User, bool, error) {
	return s.GetUserByID(ctx, id)
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	defer s.lock()()
	email = strings.TrimSpace(email)
	for _, u := range s.data.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUsersByIDs(_ context.Context, ids []string) ([]domain.User, error) {
	defer s.lock()()
	out := make([]domain.User, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := s.data.users[id]; ok {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchUsersByName(_ context.Context, term string, limit int) ([]domain.User, error) {
	defer s.lock()()
	term = strings.ToLower(strings.TrimSpace(term))
	var out []domain.User
	for _, u := range s.data.users {
		if strings.Contains(strings.ToLower(u.Username), term) {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return truncate(out, limit), nil
}

func (s *MemoryStore) SuggestUsers(_ context.Context, exclude []string, limit int) ([]domain.User, error) {
	defer s.lock()()
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var out []domain.User
	for id, u := range s.data.users {
		if _, ok := skip[id]; !ok {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinDate.Equal(out[j].JoinDate) {
			return out[i].JoinDate.Before(out[j].JoinDate)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *MemoryStore) SetUserStatus(_ context.Context, id string, status domain.PresenceStatus) error {
	defer s.lock()()
	u, ok := s.data.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	s.data.users[id] = u
	return nil
}

func (s *MemoryStore) UpdateUserProfile(_ context.Context, id string, p ProfilePatch) (domain.User, bool, error) {
	defer s.lock()()
	u, ok := s.data.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	if p.Username != "" && p.Username != u.Username {
		for otherID, other := range s.data.users {
			if otherID != id && other.Username == p.Username {
				return domain.User{}, false, ErrDuplicate
			}
		}
		u.Username = p.Username
	}
	if p.AccountImage != "" {
		u.AccountImage = p.AccountImage
	}
	if p.AccountPhoneNo != "" {
		u.AccountPhoneNo = p.AccountPhoneNo
	}
	if p.Status != "" {
		u.Status = p.Status
	}
	u.UpdatedAt = p.UpdatedAt
	s.data.users[id] = u
	return cloneUser(u), true, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	defer s.lock()()
	delete(s.data.users, id)
	return nil
}

func (s *MemoryStore) AddNotification(_ context.Context, n domain.Notification) error {
	defer s.lock()()
	if _, ok := s.data.notifications[n.ID]; ok {
		return ErrDuplicate
	}
	s.data.notifications[n.ID] = n
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, now time.Time) ([]domain.Notification, error) {
	defer s.lock()()
	out := []domain.Notification{}
	for _, n := range s.data.notifications {
		if n.UserID == userID && !n.Expired(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id string) (domain.Notification, bool, error) {
	defer s.lock()()
	n, ok := s.data.notifications[id]
	return n, ok, nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, id string) error {
	defer s.lock()()
	delete(s.data.notifications, id)
	return nil
}

func (s *MemoryStore) HasPendingNotification(_ context.Context, userID, fromID string, kind domain.NotificationKind, now time.Time) (bool, error) {
	defer s.lock()()
	for _, n := range s.data.notifications {
		if n.UserID == userID && n.FromID == fromID && n.Kind == kind && !n.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteExpiredNotifications(_ context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var removed int64
	for id, n := range s.data.notifications {
		if n.Expired(now) {
			delete(s.data.notifications, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteNotificationsForUser(_ context.Context, userID string) error {
	defer s.lock()()
	for id, n := range s.data.notifications {
		if n.UserID == userID {
			delete(s.data.notifications, id)
		}
	}
	return nil
}

func (s *MemoryStore) CreateChat(_ context.Context, chat domain.Chat) error {
	defer s.lock()()
	key := domain.PairKey(chat.Participants[0], chat.Participants[1])
	if _, ok := s.data.pairs[key]; ok {
		return ErrDuplicate
	}
	if _, ok := s.data.chats[chat.ID]; ok {
		return ErrDuplicate
	}
	chat.Participants = domain.NewParticipants(chat.Participants[0], chat.Participants[1])
	chat.Messages = nil
	s.data.chats[chat.ID] = chat
	s.data.pairs[key] = chat.ID
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	defer s.lock()()
	c, ok := s.data.chats[id]
	if !ok {
		return domain.Chat{}, false, nil
	}
	return cloneChat(c), true, nil
}

func (s *MemoryStore) FindChatByPair(_ context.Context, a, b string) (domain.Chat, bool, error) {
	defer s.lock()()
	id, ok := s.data.pairs[domain.PairKey(a, b)]
	if !ok {
		return domain.Chat{}, false, nil
	}
	return cloneChat(s.data.chats[id]), true, nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	defer s.lock()()
	c, ok := s.data.chats[id]
	if !ok {
		return nil
	}
	delete(s.data.pairs, domain.PairKey(c.Participants[0], c.Participants[1]))
	delete(s.data.chats, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, chatID string, msg domain.Message) error {
	defer s.lock()()
	c, ok := s.data.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range c.Messages {
		if existing.ID == msg.ID {
			return ErrDuplicate
		}
	}
	c.Messages = append(c.Messages, cloneMessage(msg))
	s.data.chats[chatID] = c
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, chatID string, msg domain.Message) error {
	defer s.lock()()
	c, ok := s.data.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages[i].Content = msg.Content
			c.Messages[i].Edited = msg.Edited
			c.Messages[i].ReadBy = append([]string{}, msg.ReadBy...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, messageID string) error {
	defer s.lock()()
	c, ok := s.data.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
			s.data.chats[chatID] = c
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ClearMessages(_ context.Context, chatID string) error {
	defer s.lock()()
	c, ok := s.data.chats[chatID]
	if !ok {
		return nil
	}
	c.Messages = nil
	s.data.chats[chatID] = c
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, chatID, readerID string) (int, error) {
	defer s.lock()()
	c, ok := s.data.chats[chatID]
	if !ok {
		return 0, nil
	}
	marked := 0
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.SenderID == readerID || m.ReadByUser(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		marked++
	}
	return marked, nil
}

func cloneUser(u domain.User) domain.User {
	u.Contacts = append([]domain.Contact{}, u.Contacts...)
	u.BlockedContacts = append([]string{}, u.BlockedContacts...)
	u.MutedContacts = append([]string{}, u.MutedContacts...)
	u.Chats = append([]string{}, u.Chats...)
	return u
}

func cloneMessage(m domain.Message) domain.Message {
	m.ReadBy = append([]string{}, m.ReadBy...)
	return m
}

func cloneChat(c domain.Chat) domain.Chat {
	msgs := make([]domain.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, cloneMessage(m))
	}
	c.Messages = msgs
	return c
}

func truncate(users []domain.User, limit int) []domain.User {
	if users == nil {
		return []domain.User{}
	}
	if limit > 0 && len(users) > limit {
		return users[:limit]
	}
	return users
}
