package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "vibe-api"
	defaultJWTAudience = "vibe-client"
	// DefaultSessionTTL is the fixed lifetime of a session token.
	DefaultSessionTTL = time.Hour
)

var defaultJWTLeeway = 30 * time.Second

var (
	ErrSessionInvalid = errors.New("invalid token")
	// ErrSessionExpired is returned together with the decoded claims so callers
	// can still act on the subject.
	ErrSessionExpired = errors.New("token has expired")
	ErrSessionRevoked = errors.New("token has been revoked")
)

// Claims is the verified content of a session token.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionStore issues and verifies session tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	Verify(ctx context.Context, token string) (Claims, error)
	DeleteSession(ctx context.Context, token string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWTOptions configures claim validation.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTSessionStore issues signed JWTs. HS256 uses a shared secret; RS256 signs
// with a private key, tags tokens with kid and accepts rotated public keys.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	method       jwt.SigningMethod
	hmacSecret   []byte
	rsaSigner    *rsa.PrivateKey
	rsaSignerKid string
	rsaVerifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTHS256SessionStore builds a store signing with a shared secret.
func NewJWTHS256SessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	s := &JWTSessionStore{
		ttl:        ttl,
		revoker:    revoker,
		method:     jwt.SigningMethodHS256,
		hmacSecret: []byte(secret),
	}
	s.applyOptions(opts)
	return s, nil
}

// NewJWTRS256SessionStoreFromPEM builds a RS256 store from PEM files.
// verifyKeyFiles maps kid -> public key path for keys still accepted after rotation.
func NewJWTRS256SessionStoreFromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) (*JWTSessionStore, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "jwt-active"
	}
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(publicKeyPath) != "" {
		if activePub, err = loadRSAPublicKeyFromPEMFile(publicKeyPath); err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	verifiers := map[string]*rsa.PublicKey{keyID: activePub}
	for kid, path := range verifyKeyFiles {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}
	s := &JWTSessionStore{
		ttl:          ttl,
		revoker:      revoker,
		method:       jwt.SigningMethodRS256,
		rsaSigner:    privateKey,
		rsaSignerKid: keyID,
		rsaVerifiers: verifiers,
	}
	s.applyOptions(opts)
	return s, nil
}

func (s *JWTSessionStore) applyOptions(opts JWTOptions) {
	s.issuer = strings.TrimSpace(opts.Issuer)
	if s.issuer == "" {
		s.issuer = defaultJWTIssuer
	}
	s.audience = strings.TrimSpace(opts.Audience)
	if s.audience == "" {
		s.audience = defaultJWTAudience
	}
	s.leeway = opts.Leeway
	if s.leeway <= 0 {
		s.leeway = defaultJWTLeeway
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
}

// TTL is the lifetime given to new tokens.
func (s *JWTSessionStore) TTL() time.Duration { return s.ttl }

// NewSession signs a token for userID expiring after the store TTL.
func (s *JWTSessionStore) NewSession(_ context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("session subject is required")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(s.method, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        randomHexID(12),
	})
	if s.rsaSigner != nil {
		token.Header["kid"] = s.rsaSignerKid
		return token.SignedString(s.rsaSigner)
	}
	return token.SignedString(s.hmacSecret)
}

// Verify checks signature, claims and revocation. An expired but otherwise
// valid token yields its claims together with ErrSessionExpired.
func (s *JWTSessionStore) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return claims, err
	}
	if s.revoker == nil {
		return claims, nil
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrSessionRevoked
	}
	if userRevoker, ok := s.revoker.(UserTokenRevoker); ok {
		cutoff, err := userRevoker.RevokedAfter(ctx, claims.UserID)
		if err != nil {
			return Claims{}, fmt.Errorf("check user revocation: %w", err)
		}
		if !cutoff.IsZero() && !claims.IssuedAt.After(cutoff) {
			return Claims{}, ErrSessionRevoked
		}
	}
	return claims, nil
}

// DeleteSession revokes the token for the rest of its lifetime.
// Tokens that no longer verify are ignored.
func (s *JWTSessionStore) DeleteSession(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.TokenID, time.Until(claims.ExpiresAt))
}

// RevokeUserSessions invalidates every token issued to userID up to now.
func (s *JWTSessionStore) RevokeUserSessions(ctx context.Context, userID string) error {
	userRevoker, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return nil
	}
	return userRevoker.RevokeUser(ctx, userID, time.Now().UTC(), s.ttl+s.leeway)
}

// JWKS returns the accepted public keys in RS256 mode, nil otherwise.
func (s *JWTSessionStore) JWKS() []JWK {
	if len(s.rsaVerifiers) == 0 {
		return nil
	}
	kids := make([]string, 0, len(s.rsaVerifiers))
	for kid := range s.rsaVerifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.rsaVerifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrSessionInvalid
	}
	registered := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &registered, s.keyFunc,
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	claims := Claims{UserID: registered.Subject, TokenID: registered.ID}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time.UTC()
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time.UTC()
	}
	switch {
	case expiredOnly(err) && claims.UserID != "":
		// The signature was checked before the expiry claim.
		return claims, ErrSessionExpired
	case err != nil:
		return Claims{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	case strings.TrimSpace(claims.UserID) == "":
		return Claims{}, fmt.Errorf("%w: subject missing", ErrSessionInvalid)
	case strings.TrimSpace(claims.TokenID) == "":
		return Claims{}, fmt.Errorf("%w: jti missing", ErrSessionInvalid)
	}
	return claims, nil
}

func expiredOnly(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired) &&
		!errors.Is(err, jwt.ErrTokenInvalidAudience) &&
		!errors.Is(err, jwt.ErrTokenInvalidIssuer) &&
		!errors.Is(err, jwt.ErrTokenUsedBeforeIssued)
}

func (s *JWTSessionStore) keyFunc(t *jwt.Token) (any, error) {
	if s.rsaSigner == nil && len(s.rsaVerifiers) == 0 {
		return s.hmacSecret, nil
	}
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := s.rsaVerifiers[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return pub, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
