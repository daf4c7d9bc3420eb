package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"vibe/internal/util"
	"vibe/pkg/auth"
	"vibe/pkg/domain"
	"vibe/pkg/purge"
	"vibe/pkg/storage"
	"vibe/pkg/store"
)

const (
	suggestionLimit = 10
	searchLimit     = 50
	batchFetchLimit = 100
)

// RegisterInput carries the registration form.
type RegisterInput struct {
	Username       string
	Email          string
	Password       string
	AccountImage   string
	AccountPhoneNo string
}

// ProfileUpdate applies only the non-empty fields.
type ProfileUpdate struct {
	ImageURL string
	PhoneNo  string
	Username string
	Status   string
}

// TokenInfo is the decoded content of a valid token.
type TokenInfo struct {
	UserID    string `json:"userId"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Register creates an account and issues a session token. New accounts start offline.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, string, error) {
	username := strings.TrimSpace(in.Username)
	email := normalizeEmail(in.Email)
	if username == "" || email == "" || in.Password == "" {
		return domain.User{}, "", ErrRegisterFieldsRequired
	}
	if !validEmail(email) {
		return domain.User{}, "", ErrInvalidEmail
	}
	if err := a.policy.Validate(in.Password); err != nil {
		return domain.User{}, "", ErrInvalidPassword.withMsg(err.Error())
	}
	if _, exists, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return domain.User{}, "", fmt.Errorf("lookup email: %w", err)
	} else if exists {
		return domain.User{}, "", ErrUserExists
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:             a.newID(),
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		AccountImage:   strings.TrimSpace(in.AccountImage),
		AccountPhoneNo: strings.TrimSpace(in.AccountPhoneNo),
		Status:         domain.PresenceOffline,
		JoinDate:       now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, "", ErrUserExists
		}
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	token, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Login checks the password, marks the user online and issues a token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrLoginFieldsRequired
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup email: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if err := a.store.SetUserStatus(ctx, user.ID, domain.PresenceOnline); err != nil {
		return domain.User{}, "", fmt.Errorf("set status: %w", err)
	}
	user.Status = domain.PresenceOnline
	token, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Logout revokes token and marks its owner offline. Expired tokens still flip presence.
func (a *App) Logout(ctx context.Context, token string) error {
	claims, err := a.sessions.Verify(ctx, token)
	switch {
	case err == nil:
		if err := a.sessions.DeleteSession(ctx, token); err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
	case errors.Is(err, store.ErrSessionExpired):
	case errors.Is(err, store.ErrSessionInvalid), errors.Is(err, store.ErrSessionRevoked):
		return ErrTokenInvalid
	default:
		return fmt.Errorf("verify session: %w", err)
	}
	return a.markOffline(ctx, claims.UserID)
}

// Authenticate resolves a token to the caller. Expired tokens flip the
// owner's presence to offline before ErrTokenExpired is returned.
func (a *App) Authenticate(ctx context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrNoToken
	}
	sc, err := a.sessions.Verify(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSessionExpired):
		if err := a.markOffline(ctx, sc.UserID); err != nil {
			util.LoggerFromContext(ctx).Warn("mark offline on expiry failed", "user_id", sc.UserID, "err", err)
		}
		return Claims{}, ErrTokenExpired
	case errors.Is(err, store.ErrSessionInvalid), errors.Is(err, store.ErrSessionRevoked):
		return Claims{}, ErrTokenInvalid
	default:
		return Claims{}, fmt.Errorf("verify session: %w", err)
	}
	if _, ok, err := a.store.GetUserByID(ctx, sc.UserID); err != nil {
		return Claims{}, fmt.Errorf("load user: %w", err)
	} else if !ok {
		return Claims{}, ErrUserGone
	}
	return Claims{UserID: sc.UserID, TokenID: sc.TokenID, ExpiresAt: sc.ExpiresAt}, nil
}

// ValidateToken reports whether token is currently valid without requiring a session.
func (a *App) ValidateToken(ctx context.Context, token string) (TokenInfo, error) {
	if strings.TrimSpace(token) == "" {
		return TokenInfo{}, ErrTokenRequired
	}
	sc, err := a.sessions.Verify(ctx, token)
	switch {
	case err == nil:
		return TokenInfo{UserID: sc.UserID, IssuedAt: sc.IssuedAt.Unix(), ExpiresAt: sc.ExpiresAt.Unix()}, nil
	case errors.Is(err, store.ErrSessionExpired):
		if err := a.markOffline(ctx, sc.UserID); err != nil {
			util.LoggerFromContext(ctx).Warn("mark offline on expiry failed", "user_id", sc.UserID, "err", err)
		}
		return TokenInfo{}, ErrTokenExpired
	case errors.Is(err, store.ErrSessionInvalid), errors.Is(err, store.ErrSessionRevoked):
		return TokenInfo{}, ErrTokenInvalid.withMsg("Invalid token")
	default:
		return TokenInfo{}, fmt.Errorf("verify session: %w", err)
	}
}

func (a *App) markOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, ok, err := a.store.GetUserByID(ctx, userID); err != nil || !ok {
		return err
	}
	return a.store.SetUserStatus(ctx, userID, domain.PresenceOffline)
}

// Me returns the caller's full record.
func (a *App) Me(ctx context.Context, c Claims) (domain.User, error) {
	return a.loadUser(ctx, a.store, c.UserID, ErrUserNotFound)
}

// UserInfo returns another user's public profile.
func (a *App) UserInfo(ctx context.Context, userID string) (domain.PublicUser, error) {
	u, err := a.loadUser(ctx, a.store, userID, ErrUserNotFound)
	if err != nil {
		return domain.PublicUser{}, err
	}
	return u.Public(), nil
}

// BatchFetch returns the public profiles of the known ids; unknown ids are skipped.
func (a *App) BatchFetch(ctx context.Context, ids []string) ([]domain.PublicUser, error) {
	if len(ids) > batchFetchLimit {
		return nil, ErrTooManyIDs
	}
	users, err := a.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("batch fetch: %w", err)
	}
	return publicUsers(users), nil
}

// FindContact searches by partial username ("name") or exact id ("id").
func (a *App) FindContact(ctx context.Context, term, searchType string) ([]domain.PublicUser, error) {
	term = strings.TrimSpace(term)
	if term == "" || strings.TrimSpace(searchType) == "" {
		return nil, ErrSearchRequired
	}
	var users []domain.User
	switch strings.ToLower(strings.TrimSpace(searchType)) {
	case "name":
		found, err := a.store.SearchUsersByName(ctx, term, searchLimit)
		if err != nil {
			return nil, fmt.Errorf("search users: %w", err)
		}
		users = found
	case "id":
		u, ok, err := a.store.GetUserByID(ctx, term)
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		if ok {
			users = []domain.User{u}
		}
	default:
		return nil, ErrInvalidSearchType
	}
	if len(users) == 0 {
		return nil, ErrContactNotFound
	}
	return publicUsers(users), nil
}

// SuggestContacts returns up to ten users who are neither the caller nor already contacts.
func (a *App) SuggestContacts(ctx context.Context, c Claims) ([]domain.PublicUser, error) {
	me, err := a.loadUser(ctx, a.store, c.UserID, ErrUserNotFound)
	if err != nil {
		return nil, err
	}
	exclude := []string{me.ID}
	for _, contact := range me.Contacts {
		exclude = append(exclude, contact.UserID)
	}
	users, err := a.store.SuggestUsers(ctx, exclude, suggestionLimit)
	if err != nil {
		return nil, fmt.Errorf("suggest users: %w", err)
	}
	return publicUsers(users), nil
}

// Contacts lists the caller's contacts joined with their current profile.
func (a *App) Contacts(ctx context.Context, c Claims) ([]domain.ContactView, error) {
	me, err := a.loadUser(ctx, a.store, c.UserID, ErrUserNotFound)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(me.Contacts))
	for _, contact := range me.Contacts {
		ids = append(ids, contact.UserID)
	}
	peers, err := a.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	byID := make(map[string]domain.User, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}
	out := make([]domain.ContactView, 0, len(me.Contacts))
	for _, contact := range me.Contacts {
		peer, ok := byID[contact.UserID]
		if !ok {
			continue
		}
		out = append(out, domain.ContactView{
			PublicUser:    peer.Public(),
			ContactStatus: contact.Status,
			Blocked:       me.HasBlocked(peer.ID),
			Muted:         me.HasMuted(peer.ID),
		})
	}
	return out, nil
}

// ChangeStatus sets the caller's presence.
func (a *App) ChangeStatus(ctx context.Context, c Claims, status string) error {
	s, ok := domain.ParsePresenceStatus(status)
	if !ok {
		return ErrInvalidStatus
	}
	if _, err := a.loadUser(ctx, a.store, c.UserID, ErrUserNotFound); err != nil {
		return err
	}
	return a.store.SetUserStatus(ctx, c.UserID, s)
}

// UpdateProfile applies the non-empty fields of upd.
func (a *App) UpdateProfile(ctx context.Context, c Claims, upd ProfileUpdate) (domain.User, error) {
	var status domain.PresenceStatus
	if strings.TrimSpace(upd.Status) != "" {
		s, ok := domain.ParsePresenceStatus(upd.Status)
		if !ok {
			return domain.User{}, ErrInvalidStatus
		}
		status = s
	}
	if strings.TrimSpace(c.UserID) == "" {
		return domain.User{}, ErrUserNotFound
	}
	u, ok, err := a.store.UpdateUserProfile(ctx, c.UserID, store.ProfilePatch{
		AccountImage:   strings.TrimSpace(upd.ImageURL),
		AccountPhoneNo: strings.TrimSpace(upd.PhoneNo),
		Username:       strings.TrimSpace(upd.Username),
		Status:         status,
		UpdatedAt:      a.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return u, nil
}

// ChangeAccountImage stores the URL of an already uploaded avatar.
func (a *App) ChangeAccountImage(ctx context.Context, c Claims, imageURL string) (domain.User, error) {
	if strings.TrimSpace(imageURL) == "" {
		return domain.User{}, ErrInvalidImageURL
	}
	return a.UpdateProfile(ctx, c, ProfileUpdate{ImageURL: imageURL})
}

// ChangeAccountPhoneNo replaces the caller's phone number.
func (a *App) ChangeAccountPhoneNo(ctx context.Context, c Claims, phoneNo string) (domain.User, error) {
	if strings.TrimSpace(phoneNo) == "" {
		return domain.User{}, ErrPhoneRequired
	}
	return a.UpdateProfile(ctx, c, ProfileUpdate{PhoneNo: phoneNo})
}

// AvatarUploadURL presigns a direct upload for the caller's avatar.
func (a *App) AvatarUploadURL(ctx context.Context, c Claims, contentType string) (storage.AvatarUpload, error) {
	if a.avatars == nil {
		return storage.AvatarUpload{}, ErrAvatarsDisabled
	}
	up, err := a.avatars.PresignAvatarUpload(ctx, c.UserID, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedContentType) {
			return storage.AvatarUpload{}, ErrUnsupportedImage
		}
		return storage.AvatarUpload{}, fmt.Errorf("presign avatar: %w", err)
	}
	return up, nil
}

// DeleteAccount removes the caller with their notifications and revokes their
// sessions. Peer cleanup goes through the purge queue when one is configured.
func (a *App) DeleteAccount(ctx context.Context, c Claims) error {
	var payload purge.Payload
	err := a.store.WithTx(ctx, func(tx store.Store) error {
		u, err := a.loadUser(ctx, tx, c.UserID, ErrUserNotFound)
		if err != nil {
			return err
		}
		payload = purge.PayloadFor(u)
		if err := tx.DeleteNotificationsForUser(ctx, u.ID); err != nil {
			return fmt.Errorf("delete notifications: %w", err)
		}
		return tx.DeleteUser(ctx, u.ID)
	})
	if err != nil {
		return err
	}
	logger := util.LoggerFromContext(ctx)
	if r, ok := a.sessions.(userSessionRevoker); ok {
		if err := r.RevokeUserSessions(ctx, c.UserID); err != nil {
			logger.Warn("revoke sessions after delete failed", "user_id", c.UserID, "err", err)
		}
	}
	if a.purges != nil {
		job, err := a.purges.Enqueue(ctx, purge.JobKind, payload)
		if err == nil {
			logger.Info("account purge enqueued", "user_id", c.UserID, "job_id", job.ID)
			return nil
		}
		logger.Warn("enqueue account purge failed, purging inline", "user_id", c.UserID, "err", err)
	}
	res, err := a.purger.Purge(ctx, payload)
	if err != nil {
		return fmt.Errorf("purge account: %w", err)
	}
	logger.Info("account purged", "user_id", c.UserID, "peers", res.Peers, "chats", res.Chats, "objects", res.Objects)
	return nil
}

func (a *App) loadUser(ctx context.Context, st store.Store, id string, missing error) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, missing
	}
	u, ok, err := st.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, missing
	}
	return u, nil
}

// lockUser is loadUser with a row lock, for use inside WithTx.
func (a *App) lockUser(ctx context.Context, tx store.Store, id string, missing error) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, missing
	}
	u, ok, err := tx.GetUserForUpdate(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("lock user: %w", err)
	}
	if !ok {
		return domain.User{}, missing
	}
	return u, nil
}

func publicUsers(users []domain.User) []domain.PublicUser {
	out := make([]domain.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
