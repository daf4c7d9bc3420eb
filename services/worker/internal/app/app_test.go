package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vibe/pkg/domain"
	"vibe/pkg/purge"
	"vibe/pkg/queue"
	"vibe/pkg/store"
)

type idleJobs struct{}

func (idleJobs) Run(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, st store.Store, jobs JobSource) *App {
	t.Helper()
	a, err := New(Config{Store: st, Jobs: jobs, Now: func() time.Time { return testNow }, SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func addNote(t *testing.T, st store.Store, id string, expires *time.Time) {
	t.Helper()
	err := st.AddNotification(context.Background(), domain.Notification{
		ID: id, UserID: "bob", Kind: domain.NotificationContactRequest, Message: "m",
		FromID: "alice", Date: testNow.Add(-48 * time.Hour), ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("add notification: %v", err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	st := store.NewMemoryStore()
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	addNote(t, st, "old", &past)
	addNote(t, st, "fresh", &future)
	addNote(t, st, "forever", nil)

	a := newTestApp(t, st, idleJobs{})
	n, err := a.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok, _ := st.GetNotification(context.Background(), "old"); ok {
		t.Fatal("expired notification survived")
	}
	for _, id := range []string{"fresh", "forever"} {
		if _, ok, _ := st.GetNotification(context.Background(), id); !ok {
			t.Fatalf("notification %s removed", id)
		}
	}
}

func TestHandleJobPurgesAccount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bob := domain.User{ID: "bob", Username: "bob", Email: "b@x.com",
		Contacts: []domain.Contact{{UserID: "gone", Status: domain.ContactActive}}, Chats: []string{"c1"},
		BlockedContacts: []string{"gone"}}
	if err := st.CreateUser(ctx, bob); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateChat(ctx, domain.Chat{ID: "c1", Participants: domain.NewParticipants("gone", "bob"), CreatedAt: testNow}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	payload, _ := json.Marshal(purge.Payload{UserID: "gone", Username: "carol", ContactIDs: []string{"bob"}, ChatIDs: []string{"c1"}})

	a := newTestApp(t, st, idleJobs{})
	if err := a.HandleJob(ctx, queue.Job{ID: "j1", Kind: purge.JobKind, Payload: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _, _ := st.GetUserByID(ctx, "bob")
	if got.HasContact("gone") || got.HasBlocked("gone") || len(got.Chats) != 0 {
		t.Fatalf("peer not cleaned: %+v", got)
	}
	if _, ok, _ := st.GetChat(ctx, "c1"); ok {
		t.Fatal("chat survived purge")
	}
}

func TestHandleJobRejectsUnknownKind(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), idleJobs{})
	if err := a.HandleJob(context.Background(), queue.Job{Kind: "mystery", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if err := a.HandleJob(context.Background(), queue.Job{Kind: purge.JobKind, Payload: json.RawMessage(`{`)}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRunConsumesQueuedPurge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisJobQueue(client, queue.RedisQueueConfig{
		Stream: "test:purge", Group: "purge", Block: 20 * time.Millisecond, RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()
	bob := domain.User{ID: "bob", Username: "bob", Email: "b@x.com",
		Contacts: []domain.Contact{{UserID: "gone", Status: domain.ContactActive}}}
	if err := st.CreateUser(ctx, bob); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := q.Enqueue(ctx, purge.JobKind, purge.Payload{UserID: "gone", Username: "carol", ContactIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	a := newTestApp(t, st, q)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for {
		status, _, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if status.Status == queue.StatusDone {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("purge job never finished: %+v", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	got, _, _ := st.GetUserByID(context.Background(), "bob")
	if got.HasContact("gone") {
		t.Fatal("contact not purged")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
