package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"vibe/pkg/domain"
	"vibe/pkg/storage"
	"vibe/pkg/store"
)

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"missing username", RegisterInput{Email: "a@x.com", Password: "pw123"}, ErrRegisterFieldsRequired},
		{"missing password", RegisterInput{Username: "a", Email: "a@x.com"}, ErrRegisterFieldsRequired},
		{"bad email", RegisterInput{Username: "a", Email: "not-an-email", Password: "pw123"}, ErrInvalidEmail},
		{"short password", RegisterInput{Username: "a", Email: "a@x.com", Password: "pw"}, ErrInvalidPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.app.Register(ctx, tc.in)
			expectErr(t, err, tc.want)
			if KindOf(err) != KindValidation {
				t.Fatalf("kind = %v, want validation", KindOf(err))
			}
		})
	}

	e.register(t, "alice")
	_, _, err := e.app.Register(ctx, RegisterInput{Username: "alice2", Email: "ALICE@x.com", Password: "pw123"})
	expectErr(t, err, ErrUserExists)
	_, _, err = e.app.Register(ctx, RegisterInput{Username: "alice", Email: "other@x.com", Password: "pw123"})
	expectErr(t, err, ErrUserExists)
}

func TestRegisterStartsOfflineAndLoginGoesOnline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u, token, err := e.app.Register(ctx, RegisterInput{Username: "alice", Email: "alice@x.com", Password: "pw123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token == "" || u.Status != domain.PresenceOffline || u.PasswordHash == "pw123" {
		t.Fatalf("unexpected registration result %+v", u)
	}

	_, _, err = e.app.Login(ctx, "alice@x.com", "wrong")
	expectErr(t, err, ErrInvalidCredentials)
	_, _, err = e.app.Login(ctx, "nobody@x.com", "pw123")
	expectErr(t, err, ErrInvalidCredentials)
	if e.user(t, u.ID).Status != domain.PresenceOffline {
		t.Fatal("failed login changed presence")
	}

	_, token, err = e.app.Login(ctx, " Alice@X.com ", "pw123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if e.user(t, u.ID).Status != domain.PresenceOnline {
		t.Fatal("login did not set online")
	}
	claims, err := e.app.Authenticate(ctx, token)
	if err != nil || claims.UserID != u.ID {
		t.Fatalf("authenticate: claims=%+v err=%v", claims, err)
	}

	if err := e.app.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if e.user(t, u.ID).Status != domain.PresenceOffline {
		t.Fatal("logout did not set offline")
	}
	_, err = e.app.Authenticate(ctx, token)
	expectErr(t, err, ErrTokenInvalid)
}

type expiredSessions struct{ userID string }

func (s expiredSessions) NewSession(context.Context, string) (string, error) { return "tok", nil }

func (s expiredSessions) Verify(context.Context, string) (store.Claims, error) {
	return store.Claims{UserID: s.userID}, store.ErrSessionExpired
}

func (s expiredSessions) DeleteSession(context.Context, string) error { return nil }

func TestExpiredTokenFlipsPresenceOffline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	if err := e.app.ChangeStatus(ctx, alice, "online"); err != nil {
		t.Fatalf("change status: %v", err)
	}
	e.app.sessions = expiredSessions{userID: alice.UserID}

	_, err := e.app.Authenticate(ctx, "stale")
	expectErr(t, err, ErrTokenExpired)
	if e.user(t, alice.UserID).Status != domain.PresenceOffline {
		t.Fatal("expired token did not flip presence")
	}

	if err := e.app.ChangeStatus(ctx, alice, "busy"); err != nil {
		t.Fatalf("change status: %v", err)
	}
	_, err = e.app.ValidateToken(ctx, "stale")
	expectErr(t, err, ErrTokenExpired)
	if e.user(t, alice.UserID).Status != domain.PresenceOffline {
		t.Fatal("validate-token did not flip presence")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.app.Authenticate(ctx, "")
	expectErr(t, err, ErrNoToken)
	_, err = e.app.Authenticate(ctx, "garbage")
	expectErr(t, err, ErrTokenInvalid)

	u, token, err := e.app.Register(ctx, RegisterInput{Username: "alice", Email: "alice@x.com", Password: "pw123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.store.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = e.app.Authenticate(ctx, token)
	expectErr(t, err, ErrUserGone)
}

func TestValidateToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.app.ValidateToken(ctx, " ")
	expectErr(t, err, ErrTokenRequired)
	_, err = e.app.ValidateToken(ctx, "garbage")
	expectErr(t, err, ErrTokenInvalid)
	if err.Error() != "Invalid token" {
		t.Fatalf("message = %q", err.Error())
	}

	u, token, err := e.app.Register(ctx, RegisterInput{Username: "alice", Email: "alice@x.com", Password: "pw123"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	info, err := e.app.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if info.UserID != u.ID || info.ExpiresAt <= info.IssuedAt {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestFindSuggestAndContacts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	e.register(t, "bobby")
	e.connect(t, alice, bob)
	if err := e.app.MuteContact(ctx, alice, bob.UserID); err != nil {
		t.Fatalf("mute: %v", err)
	}

	_, err := e.app.FindContact(ctx, "", "name")
	expectErr(t, err, ErrSearchRequired)
	_, err = e.app.FindContact(ctx, "bob", "email")
	expectErr(t, err, ErrInvalidSearchType)
	_, err = e.app.FindContact(ctx, "zed", "name")
	expectErr(t, err, ErrContactNotFound)

	found, err := e.app.FindContact(ctx, "BOB", "name")
	if err != nil || len(found) != 2 {
		t.Fatalf("find by name: %v %+v", err, found)
	}
	found, err = e.app.FindContact(ctx, bob.UserID, "id")
	if err != nil || len(found) != 1 || found[0].Username != "bob" {
		t.Fatalf("find by id: %v %+v", err, found)
	}

	suggested, err := e.app.SuggestContacts(ctx, alice)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggested) != 1 || suggested[0].Username != "bobby" {
		t.Fatalf("suggestions = %+v", suggested)
	}

	contacts, err := e.app.Contacts(ctx, alice)
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != bob.UserID || !contacts[0].Muted || contacts[0].Blocked || contacts[0].ContactStatus != domain.ContactActive {
		t.Fatalf("contacts = %+v", contacts)
	}

	users, err := e.app.BatchFetch(ctx, []string{alice.UserID, "ghost", bob.UserID})
	if err != nil || len(users) != 2 {
		t.Fatalf("batch fetch: %v %+v", err, users)
	}
}

func TestUpdateProfile(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	e.register(t, "bob")

	_, err := e.app.UpdateProfile(ctx, alice, ProfileUpdate{Status: "sleeping"})
	expectErr(t, err, ErrInvalidStatus)
	_, err = e.app.UpdateProfile(ctx, alice, ProfileUpdate{Username: "bob"})
	expectErr(t, err, ErrUsernameTaken)

	u, err := e.app.UpdateProfile(ctx, alice, ProfileUpdate{ImageURL: "https://cdn/x.png", Status: "busy"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.AccountImage != "https://cdn/x.png" || u.Status != domain.PresenceBusy || u.Username != "alice" {
		t.Fatalf("unexpected profile %+v", u)
	}
	if _, err := e.app.ChangeAccountPhoneNo(ctx, alice, "+1 555"); err != nil {
		t.Fatalf("phone: %v", err)
	}
	if got := e.user(t, alice.UserID); got.AccountPhoneNo != "+1 555" || got.AccountImage != "https://cdn/x.png" {
		t.Fatalf("stored profile %+v", got)
	}
	_, err = e.app.ChangeAccountImage(ctx, alice, " ")
	expectErr(t, err, ErrInvalidImageURL)
}

// hookStore runs hook once, after the next user read or before the next
// profile write, whichever comes first.
type hookStore struct {
	store.Store
	armed atomic.Bool
	hook  func()
}

func (h *hookStore) fire() {
	if h.armed.CompareAndSwap(true, false) {
		h.hook()
	}
}

func (h *hookStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	u, ok, err := h.Store.GetUserByID(ctx, id)
	h.fire()
	return u, ok, err
}

func (h *hookStore) SaveUser(ctx context.Context, u domain.User) error {
	h.fire()
	return h.Store.SaveUser(ctx, u)
}

func (h *hookStore) UpdateUserProfile(ctx context.Context, id string, p store.ProfilePatch) (domain.User, bool, error) {
	h.fire()
	return h.Store.UpdateUserProfile(ctx, id, p)
}

func TestUpdateProfileKeepsConcurrentAccept(t *testing.T) {
	hs := &hookStore{}
	e := newTestEnv(t, func(c *Config) {
		hs.Store = c.Store
		c.Store = hs
	})
	ctx := context.Background()
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	if err := e.app.AddContact(ctx, alice, bob.UserID); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	req := e.pendingRequest(t, bob)

	hs.hook = func() {
		if _, err := e.app.RespondToContactRequest(ctx, bob, req.ID, ActionAccept); err != nil {
			t.Errorf("accept: %v", err)
		}
	}
	hs.armed.Store(true)
	u, err := e.app.ChangeAccountImage(ctx, alice, "https://cdn/a.png")
	if err != nil {
		t.Fatalf("change image: %v", err)
	}
	if hs.armed.Load() {
		t.Fatal("accept never ran")
	}
	if u.AccountImage != "https://cdn/a.png" {
		t.Fatalf("returned profile %+v", u)
	}

	got := e.user(t, alice.UserID)
	if !got.HasContact(bob.UserID) || len(got.Chats) != 1 {
		t.Fatalf("accept lost by profile update: %+v", got)
	}
	if got.AccountImage != "https://cdn/a.png" {
		t.Fatalf("image not stored: %+v", got)
	}
	if peer := e.user(t, bob.UserID); !peer.HasContact(alice.UserID) || len(peer.Chats) != 1 {
		t.Fatalf("peer side %+v", peer)
	}
}

type stubAvatars struct{}

func (stubAvatars) PresignAvatarUpload(_ context.Context, userID, contentType string) (storage.AvatarUpload, error) {
	if contentType != "image/png" {
		return storage.AvatarUpload{}, storage.ErrUnsupportedContentType
	}
	return storage.AvatarUpload{Key: "avatars/" + userID + "/a.png", UploadURL: "https://minio/put"}, nil
}

func (stubAvatars) DeleteUserObjects(context.Context, string) (int, error) { return 0, nil }

func TestAvatarUploadURL(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	_, err := e.app.AvatarUploadURL(ctx, alice, "image/png")
	expectErr(t, err, ErrAvatarsDisabled)

	e = newTestEnv(t, func(c *Config) { c.Avatars = stubAvatars{} })
	alice = e.register(t, "alice")
	up, err := e.app.AvatarUploadURL(ctx, alice, "image/png")
	if err != nil || up.Key != "avatars/"+alice.UserID+"/a.png" {
		t.Fatalf("presign: %+v %v", up, err)
	}
	_, err = e.app.AvatarUploadURL(ctx, alice, "application/pdf")
	expectErr(t, err, ErrUnsupportedImage)
}

func TestKindOfUnknownIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("plain error should be internal")
	}
	wrapped := ErrBlockedByPeer.withMsg("custom")
	if !errors.Is(wrapped, ErrBlockedByPeer) || KindOf(wrapped) != KindForbidden || wrapped.Error() != "custom" {
		t.Fatalf("withMsg lost identity: %v", wrapped)
	}
}
