package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked token ids until they would have expired anyway.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// UserTokenRevoker additionally invalidates every token of a user issued at or
// before a cutoff (account deletion).
type UserTokenRevoker interface {
	RevokeUser(ctx context.Context, userID string, cutoff time.Time, ttl time.Duration) error
	RevokedAfter(ctx context.Context, userID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revocations in process memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

func (r *MemoryTokenRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenID] = time.Now().Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeUser records cutoff unless a later one is already stored.
func (r *MemoryTokenRevoker) RevokeUser(_ context.Context, userID string, cutoff time.Time, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cutoffs[userID]; ok && prev.After(cutoff) {
		return nil
	}
	r.cutoffs[userID] = cutoff.UTC()
	return nil
}

func (r *MemoryTokenRevoker) RevokedAfter(_ context.Context, userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

// RedisTokenRevoker stores revocations in Redis with TTLs so every API replica agrees.
type RedisTokenRevoker struct {
	client *redis.Client
	prefix string
}

// NewRedisTokenRevoker wraps an existing client. Keys live under prefix (default "vibe:session").
func NewRedisTokenRevoker(client *redis.Client, prefix string) *RedisTokenRevoker {
	if prefix == "" {
		prefix = "vibe:session"
	}
	return &RedisTokenRevoker{client: client, prefix: prefix}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.tokenKey(tokenID), "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.tokenKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var revokeUserScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RevokeUser keeps the newest cutoff for ttl (the session lifetime).
func (r *RedisTokenRevoker) RevokeUser(ctx context.Context, userID string, cutoff time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("user revocation requires a positive ttl")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return revokeUserScript.Run(ctx, r.client, []string{r.userKey(userID)},
		cutoff.UTC().UnixNano(), ttl.Milliseconds()).Err()
}

func (r *RedisTokenRevoker) RevokedAfter(ctx context.Context, userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, r.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func (r *RedisTokenRevoker) tokenKey(tokenID string) string {
	return r.prefix + ":revoked:" + tokenID
}

func (r *RedisTokenRevoker) userKey(userID string) string {
	return r.prefix + ":revoked-user:" + userID
}
