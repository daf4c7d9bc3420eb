package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRevokers(t *testing.T) map[string]interface {
	TokenRevoker
	UserTokenRevoker
} {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]interface {
		TokenRevoker
		UserTokenRevoker
	}{
		"memory": NewMemoryTokenRevoker(),
		"redis":  NewRedisTokenRevoker(client, "test"),
	}
}

func TestTokenRevokerRevokeAndCheck(t *testing.T) {
	ctx := context.Background()
	for name, r := range newRevokers(t) {
		t.Run(name, func(t *testing.T) {
			if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || revoked {
				t.Fatalf("fresh token revoked=%v err=%v", revoked, err)
			}
			if err := r.Revoke(ctx, "jti-1", time.Hour); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
				t.Fatalf("revoked token revoked=%v err=%v", revoked, err)
			}
			if err := r.Revoke(ctx, "jti-2", 0); err != nil {
				t.Fatalf("revoke with zero ttl: %v", err)
			}
			if revoked, _ := r.IsRevoked(ctx, "jti-2"); revoked {
				t.Fatal("already-expired token should not be stored")
			}
		})
	}
}

func TestTokenRevokerUserCutoffMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, r := range newRevokers(t) {
		t.Run(name, func(t *testing.T) {
			first := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
			second := first.Add(30 * time.Second)

			if err := r.RevokeUser(ctx, "user-1", first, time.Hour); err != nil {
				t.Fatalf("revoke user: %v", err)
			}
			if err := r.RevokeUser(ctx, "user-1", first.Add(-time.Minute), time.Hour); err != nil {
				t.Fatalf("revoke user with older cutoff: %v", err)
			}
			got, err := r.RevokedAfter(ctx, "user-1")
			if err != nil || !got.Equal(first) {
				t.Fatalf("cutoff = %v, %v; want %v", got, err, first)
			}
			if err := r.RevokeUser(ctx, "user-1", second, time.Hour); err != nil {
				t.Fatalf("revoke user newer cutoff: %v", err)
			}
			if got, _ := r.RevokedAfter(ctx, "user-1"); !got.Equal(second) {
				t.Fatalf("cutoff = %v, want newest %v", got, second)
			}
			if got, _ := r.RevokedAfter(ctx, "user-2"); !got.IsZero() {
				t.Fatalf("unknown user cutoff = %v", got)
			}
		})
	}
}
