package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"vibe/internal/util"
	"vibe/pkg/auth"
	"vibe/pkg/events"
	"vibe/pkg/purge"
	"vibe/pkg/queue"
	"vibe/pkg/storage"
	"vibe/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	// Redis backs token revocation when set; otherwise revocations live in memory.
	Redis               *redis.Client
	SessionTTL          time.Duration
	JWTSecret           string
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	PasswordPolicy      auth.PasswordPolicy

	Store    store.Store
	Sessions store.SessionStore
	// Broker, Avatars and Purges are optional.
	Broker  events.Broker
	Avatars storage.AvatarStore
	Purges  PurgeQueue

	Now   func() time.Time
	NewID func() string
}

// PurgeQueue hands account purges to the worker.
type PurgeQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Job, error)
}

// Claims identifies the caller of an authenticated request.
type Claims struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

// App is the core application service wiring together storage, sessions and workflows.
type App struct {
	store    store.Store
	sessions store.SessionStore
	broker   events.Broker
	avatars  storage.AvatarStore
	purges   PurgeQueue
	purger   *purge.Purger
	policy   auth.PasswordPolicy
	now      func() time.Time
	newID    func() string
}

type userSessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string) error
}

type jwksProvider interface {
	JWKS() []store.JWK
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = store.DefaultSessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = util.NewID
	}
	if cfg.PasswordPolicy == (auth.PasswordPolicy{}) {
		cfg.PasswordPolicy = auth.BasicPolicy
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}

	sessions := cfg.Sessions
	if sessions == nil {
		var err error
		sessions, err = newSessionStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		store:    dataStore,
		sessions: sessions,
		broker:   cfg.Broker,
		avatars:  cfg.Avatars,
		purges:   cfg.Purges,
		purger: &purge.Purger{
			Store:   dataStore,
			Avatars: cfg.Avatars,
			Broker:  cfg.Broker,
			Now:     cfg.Now,
			NewID:   cfg.NewID,
		},
		policy: cfg.PasswordPolicy,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

func newSessionStore(cfg Config) (store.SessionStore, error) {
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.Redis != nil {
		revoker = store.NewRedisTokenRevoker(cfg.Redis, "")
	}
	opts := store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: cfg.JWTLeeway}
	if strings.TrimSpace(cfg.JWTPrivateKeyPath) != "" {
		s, err := store.NewJWTRS256SessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTPublicKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			opts,
		)
		if err != nil {
			return nil, fmt.Errorf("init rs256 sessions: %w", err)
		}
		return s, nil
	}
	s, err := store.NewJWTHS256SessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, opts)
	if err != nil {
		return nil, fmt.Errorf("init hs256 sessions: %w", err)
	}
	return s, nil
}

// JWKS returns the public signing keys when sessions are RS256 signed.
func (a *App) JWKS() ([]store.JWK, bool) {
	p, ok := a.sessions.(jwksProvider)
	if !ok {
		return nil, false
	}
	keys := p.JWKS()
	return keys, len(keys) > 0
}

func (a *App) publish(ctx context.Context, ev events.ChatEvent) {
	if a.broker == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	if err := a.broker.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish chat event failed", "type", ev.Type, "chat_id", ev.ChatID, "err", err)
	}
}
