package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"vibe/pkg/domain"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewGormStore("sqlite:" + filepath.Join(t.TempDir(), "vibe.db"))
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func newUser(id, name string) domain.User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.User{
		ID:           id,
		Username:     name,
		Email:        name + "@x.com",
		PasswordHash: "hash",
		Status:       domain.PresenceOffline,
		JoinDate:     now,
		UpdatedAt:    now,
	}
}

func TestStoreUsers(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newUser("u1", "alice")
		if err := s.CreateUser(ctx, alice); err != nil {
			t.Fatalf("create alice: %v", err)
		}
		dup := newUser("u2", "alice")
		dup.Email = "other@x.com"
		if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate username err = %v", err)
		}
		dup = newUser("u3", "alice2")
		dup.Email = alice.Email
		if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate email err = %v", err)
		}

		got, ok, err := s.GetUserByEmail(ctx, "alice@x.com")
		if err != nil || !ok || got.ID != "u1" {
			t.Fatalf("get by email = %+v %v %v", got, ok, err)
		}
		if _, ok, err := s.GetUserByID(ctx, "missing"); err != nil || ok {
			t.Fatalf("missing user found=%v err=%v", ok, err)
		}

		got.AddContact("u9")
		got.Block("u8")
		got.AddChat("c1")
		if err := s.SaveUser(ctx, got); err != nil {
			t.Fatalf("save user: %v", err)
		}
		reloaded, _, _ := s.GetUserByID(ctx, "u1")
		if !reloaded.HasContact("u9") || !reloaded.HasBlocked("u8") || len(reloaded.Chats) != 1 {
			t.Fatalf("relationship lists not persisted: %+v", reloaded)
		}

		if err := s.SetUserStatus(ctx, "u1", domain.PresenceBusy); err != nil {
			t.Fatalf("set status: %v", err)
		}
		if err := s.SetUserStatus(ctx, "missing", domain.PresenceBusy); !errors.Is(err, ErrNotFound) {
			t.Fatalf("set status on missing user err = %v", err)
		}
		reloaded, _, _ = s.GetUserForUpdate(ctx, "u1")
		if reloaded.Status != domain.PresenceBusy {
			t.Fatalf("status = %q", reloaded.Status)
		}

		if err := s.DeleteUser(ctx, "u1"); err != nil {
			t.Fatalf("delete user: %v", err)
		}
		if _, ok, _ := s.GetUserByID(ctx, "u1"); ok {
			t.Fatal("user still present after delete")
		}
	})
}

func TestStoreUserQueries(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, name := range []string{"alice", "bob", "Albert", "carol_x"} {
			u := newUser(fmt.Sprintf("u%d", i), name)
			u.JoinDate = base.Add(time.Duration(i) * time.Hour)
			if err := s.CreateUser(ctx, u); err != nil {
				t.Fatalf("create %s: %v", name, err)
			}
		}

		found, err := s.SearchUsersByName(ctx, "AL", 0)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(found) != 2 {
			t.Fatalf("search AL = %d users, want alice and Albert", len(found))
		}
		if found, _ := s.SearchUsersByName(ctx, "_", 0); len(found) != 1 {
			t.Fatalf("underscore must match literally, got %d users", len(found))
		}

		users, err := s.GetUsersByIDs(ctx, []string{"u3", "missing", "u0"})
		if err != nil || len(users) != 2 || users[0].ID != "u3" || users[1].ID != "u0" {
			t.Fatalf("batch = %+v err=%v", users, err)
		}
		if users, _ := s.GetUsersByIDs(ctx, nil); len(users) != 0 {
			t.Fatalf("empty batch = %+v", users)
		}

		suggested, err := s.SuggestUsers(ctx, []string{"u0", "u1"}, 1)
		if err != nil || len(suggested) != 1 || suggested[0].ID != "u2" {
			t.Fatalf("suggest = %+v err=%v", suggested, err)
		}
		if all, _ := s.SuggestUsers(ctx, nil, 10); len(all) != 4 {
			t.Fatalf("suggest without exclusions = %d users", len(all))
		}
	})
}

func TestStoreNotifications(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		past, future := now.Add(-time.Hour), now.Add(24*time.Hour)
		for _, n := range []domain.Notification{
			{ID: "n1", UserID: "bob", Kind: domain.NotificationContactRequest, Message: "req", FromID: "alice", Date: now, ExpiresAt: &future},
			{ID: "n2", UserID: "bob", Kind: domain.NotificationContactRequest, Message: "old", FromID: "carol", Date: now.Add(-2 * time.Hour), ExpiresAt: &past},
			{ID: "n3", UserID: "bob", Kind: domain.NotificationGeneric, Message: "hello", Date: now.Add(time.Second)},
			{ID: "n4", UserID: "alice", Kind: domain.NotificationGeneric, Message: "x", Date: now},
		} {
			if err := s.AddNotification(ctx, n); err != nil {
				t.Fatalf("add %s: %v", n.ID, err)
			}
		}

		list, err := s.ListNotifications(ctx, "bob", now)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != "n1" || list[1].ID != "n3" {
			t.Fatalf("list = %+v, want n1 then n3", list)
		}

		if ok, _ := s.HasPendingNotification(ctx, "bob", "alice", domain.NotificationContactRequest, now); !ok {
			t.Fatal("expected pending request from alice")
		}
		if ok, _ := s.HasPendingNotification(ctx, "bob", "carol", domain.NotificationContactRequest, now); ok {
			t.Fatal("expired request must not count as pending")
		}

		removed, err := s.DeleteExpiredNotifications(ctx, now)
		if err != nil || removed != 1 {
			t.Fatalf("sweep removed=%d err=%v", removed, err)
		}
		if _, ok, _ := s.GetNotification(ctx, "n2"); ok {
			t.Fatal("expired notification survived the sweep")
		}

		if err := s.DeleteNotification(ctx, "n1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.DeleteNotificationsForUser(ctx, "bob"); err != nil {
			t.Fatalf("delete for user: %v", err)
		}
		if list, _ := s.ListNotifications(ctx, "bob", now); len(list) != 0 {
			t.Fatalf("bob still has %d notifications", len(list))
		}
		if list, _ := s.ListNotifications(ctx, "alice", now); len(list) != 1 {
			t.Fatalf("alice lost notifications: %+v", list)
		}
	})
}

func TestStoreChatsAndMessages(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		chat := domain.Chat{ID: "c1", Participants: [2]string{"bob", "alice"}, CreatedAt: now}
		if err := s.CreateChat(ctx, chat); err != nil {
			t.Fatalf("create chat: %v", err)
		}
		dup := domain.Chat{ID: "c2", Participants: [2]string{"alice", "bob"}, CreatedAt: now}
		if err := s.CreateChat(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate pair err = %v", err)
		}

		for i, text := range []string{"one", "two", "three"} {
			sender := "alice"
			if i == 1 {
				sender = "bob"
			}
			msg := domain.Message{ID: fmt.Sprintf("m%d", i), SenderID: sender, Content: text, CreatedAt: now.Add(time.Duration(i) * time.Millisecond)}
			if err := s.AppendMessage(ctx, "c1", msg); err != nil {
				t.Fatalf("append %s: %v", text, err)
			}
		}
		if err := s.AppendMessage(ctx, "nope", domain.Message{ID: "mx"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("append to missing chat err = %v", err)
		}

		got, ok, err := s.FindChatByPair(ctx, "alice", "bob")
		if err != nil || !ok || got.ID != "c1" {
			t.Fatalf("find by pair = %+v %v %v", got, ok, err)
		}
		if len(got.Messages) != 3 || got.Messages[0].Content != "one" || got.Messages[2].Content != "three" {
			t.Fatalf("messages out of order: %+v", got.Messages)
		}

		edited := got.Messages[1]
		edited.Content, edited.Edited = "TWO", true
		if err := s.UpdateMessage(ctx, "c1", edited); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.UpdateMessage(ctx, "c1", domain.Message{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing err = %v", err)
		}

		marked, err := s.MarkRead(ctx, "c1", "bob")
		if err != nil || marked != 2 {
			t.Fatalf("mark read marked=%d err=%v", marked, err)
		}
		if again, _ := s.MarkRead(ctx, "c1", "bob"); again != 0 {
			t.Fatalf("second mark read marked=%d", again)
		}

		if err := s.DeleteMessage(ctx, "c1", "m0"); err != nil {
			t.Fatalf("delete message: %v", err)
		}
		if err := s.DeleteMessage(ctx, "c1", "m0"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete err = %v", err)
		}
		got, _, _ = s.GetChat(ctx, "c1")
		if len(got.Messages) != 2 || got.Messages[0].Content != "TWO" || !got.Messages[0].Edited {
			t.Fatalf("after edit/delete: %+v", got.Messages)
		}
		if !got.Messages[1].ReadByUser("bob") || got.Messages[0].ReadByUser("bob") {
			t.Fatalf("read receipts wrong: %+v", got.Messages)
		}

		if err := s.ClearMessages(ctx, "c1"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		got, _, _ = s.GetChat(ctx, "c1")
		if len(got.Messages) != 0 {
			t.Fatalf("clear left %d messages", len(got.Messages))
		}

		if err := s.DeleteChat(ctx, "c1"); err != nil {
			t.Fatalf("delete chat: %v", err)
		}
		if _, ok, _ := s.FindChatByPair(ctx, "bob", "alice"); ok {
			t.Fatal("chat still found after delete")
		}
		if err := s.CreateChat(ctx, dup); err != nil {
			t.Fatalf("pair should be free after delete: %v", err)
		}
	})
}

func TestStoreUpdateUserProfileKeepsLists(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateUser(ctx, newUser("u1", "alice")); err != nil {
			t.Fatalf("create alice: %v", err)
		}
		if err := s.CreateUser(ctx, newUser("u2", "bob")); err != nil {
			t.Fatalf("create bob: %v", err)
		}
		// a relationship write lands after the caller last read the row
		u, _, _ := s.GetUserByID(ctx, "u1")
		u.AddContact("u2")
		u.Mute("u3")
		u.AddChat("c1")
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatalf("save: %v", err)
		}

		at := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
		got, ok, err := s.UpdateUserProfile(ctx, "u1", ProfilePatch{AccountImage: "https://cdn/a.png", Status: domain.PresenceBusy, UpdatedAt: at})
		if err != nil || !ok {
			t.Fatalf("update profile: %v %v", ok, err)
		}
		if got.AccountImage != "https://cdn/a.png" || got.Status != domain.PresenceBusy || got.Username != "alice" {
			t.Fatalf("profile = %+v", got)
		}
		if !got.HasContact("u2") || !got.HasMuted("u3") || len(got.Chats) != 1 {
			t.Fatalf("relationship lists lost: %+v", got)
		}
		if !got.UpdatedAt.Equal(at) {
			t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, at)
		}

		if _, _, err := s.UpdateUserProfile(ctx, "u1", ProfilePatch{Username: "bob", UpdatedAt: at}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("taken username err = %v", err)
		}
		if _, ok, err := s.UpdateUserProfile(ctx, "missing", ProfilePatch{Username: "x", UpdatedAt: at}); err != nil || ok {
			t.Fatalf("missing user ok=%v err=%v", ok, err)
		}
	})
}

func TestGormAppendMessagePositions(t *testing.T) {
	s, err := NewGormStore("sqlite:" + filepath.Join(t.TempDir(), "vibe.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.CreateChat(ctx, domain.Chat{ID: "c1", Participants: [2]string{"a", "b"}, CreatedAt: now}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := domain.Message{ID: fmt.Sprintf("m%d", i), SenderID: "a", Content: "hi", CreatedAt: now}
		if err := s.AppendMessage(ctx, "c1", msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var positions []int64
	if err := s.db.Model(&MessageModel{}).Where("chat_id = ?", "c1").Order("position ASC").Pluck("position", &positions).Error; err != nil {
		t.Fatalf("positions: %v", err)
	}
	if fmt.Sprint(positions) != "[1 2 3]" {
		t.Fatalf("positions = %v", positions)
	}

	clash := messageToModel("c1", 2, domain.Message{ID: "dup", SenderID: "b", Content: "x", CreatedAt: now})
	if err := translate(s.db.Create(&clash).Error); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate position err = %v", err)
	}

	chat, _, err := s.GetChat(ctx, "c1")
	if err != nil || len(chat.Messages) != 3 {
		t.Fatalf("get chat: %v %+v", err, chat.Messages)
	}
	for i, m := range chat.Messages {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d = %s", i, m.ID)
		}
	}
}

func TestStoreWithTxRollsBack(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateUser(ctx, newUser("u1", "alice")); err != nil {
			t.Fatalf("create: %v", err)
		}
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx Store) error {
			u, ok, err := tx.GetUserForUpdate(ctx, "u1")
			if err != nil || !ok {
				t.Fatalf("load in tx: %v %v", ok, err)
			}
			u.AddContact("u2")
			if err := tx.SaveUser(ctx, u); err != nil {
				return err
			}
			if err := tx.CreateChat(ctx, domain.Chat{ID: "c1", Participants: [2]string{"u1", "u2"}, CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("tx err = %v", err)
		}
		u, _, _ := s.GetUserByID(ctx, "u1")
		if u.HasContact("u2") {
			t.Fatal("contact write survived rollback")
		}
		if _, ok, _ := s.GetChat(ctx, "c1"); ok {
			t.Fatal("chat survived rollback")
		}

		if err := s.WithTx(ctx, func(tx Store) error {
			return tx.CreateChat(ctx, domain.Chat{ID: "c1", Participants: [2]string{"u1", "u2"}, CreatedAt: time.Now().UTC()})
		}); err != nil {
			t.Fatalf("commit tx: %v", err)
		}
		if _, ok, _ := s.GetChat(ctx, "c1"); !ok {
			t.Fatal("committed chat missing")
		}
	})
}

func TestOpenMemory(t *testing.T) {
	s, err := Open("memory")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("Open(memory) = %T", s)
	}
	if _, err := NewGormStore(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
