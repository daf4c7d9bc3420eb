package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"vibe/internal/util"
	"vibe/services/api/internal/app"
)

// AuthHeader carries the session token; "Authorization: Bearer" is accepted too.
const AuthHeader = "x-auth-token"

const maxBodyBytes = 1 << 20

// RateLimiter gates requests per key. *ratelimit.FixedWindowLimiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiters are optional; nil disables the limit.
	RegisterLimiter RateLimiter
	LoginLimiter    RateLimiter
	TrustedProxies  *util.TrustedProxies
	AllowedOrigins  []string
}

// Server exposes the REST API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	registerLimiter RateLimiter
	loginLimiter    RateLimiter
	trusted         *util.TrustedProxies
	allowedOrigins  []string
	upgrader        websocket.Upgrader
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		trusted:         cfg.TrustedProxies,
		allowedOrigins:  cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithRequestLog("api", h)
	h = util.WithRequestID(h)
	h = util.WithCORS(s.allowedOrigins, h)
	return util.WithSecurityHeaders(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	// chats
	s.mux.Handle("POST /api/chats/start-chat", s.authenticated(s.handleStartChat))
	s.mux.Handle("POST /api/chats/send-message", s.authenticated(s.handleSendMessage))
	s.mux.Handle("PUT /api/chats/edit-message", s.authenticated(s.handleEditMessage))
	s.mux.Handle("POST /api/chats/delete-message", s.authenticated(s.handleDeleteMessage))
	s.mux.Handle("POST /api/chats/clear-chat", s.authenticated(s.handleClearChat))
	s.mux.Handle("POST /api/chats/mark-read", s.authenticated(s.handleMarkRead))
	s.mux.Handle("GET /api/chats/exists/{contactId}", s.authenticated(s.handleChatExists))
	s.mux.Handle("GET /api/chats/unread-messages/{contactId}", s.authenticated(s.handleUnread))
	s.mux.Handle("GET /api/chats/subscribe/{chatId}", s.authenticatedWS(s.handleSubscribe))
	s.mux.Handle("GET /api/chats/{chatId}", s.authenticated(s.handleGetChat))

	// relationships
	s.mux.Handle("POST /api/users/add-contact", s.authenticated(s.handleAddContact))
	s.mux.Handle("POST /api/users/respond-contact-request", s.authenticated(s.handleRespondContactRequest))
	s.mux.Handle("GET /api/users/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("POST /api/users/delete/notification", s.authenticated(s.handleRemoveNotification))
	s.mux.Handle("POST /api/users/block-contact", s.authenticated(s.contactAction(s.app.BlockContact, "Contact blocked")))
	s.mux.Handle("POST /api/users/unblock-contact", s.authenticated(s.contactAction(s.app.UnblockContact, "Contact unblocked")))
	s.mux.Handle("POST /api/users/mute-contact", s.authenticated(s.contactAction(s.app.MuteContact, "Contact muted")))
	s.mux.Handle("POST /api/users/unmute-contact", s.authenticated(s.contactAction(s.app.UnmuteContact, "Contact unmuted")))
	s.mux.Handle("POST /api/users/remove-contact", s.authenticated(s.contactAction(s.app.RemoveContact, "Contact removed, chat deleted, and notification sent")))

	// profile
	s.mux.Handle("GET /api/users/contacts", s.authenticated(s.handleContacts))
	s.mux.Handle("DELETE /api/users/delete-account", s.authenticated(s.handleDeleteAccount))
	s.mux.Handle("POST /api/users/change-status", s.authenticated(s.handleChangeStatus))
	s.mux.Handle("POST /api/users/update-profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("POST /api/users/change-account-image", s.authenticated(s.handleChangeAccountImage))
	s.mux.Handle("POST /api/users/change-account-phoneNo", s.authenticated(s.handleChangeAccountPhoneNo))
	s.mux.Handle("POST /api/users/avatar-upload-url", s.authenticated(s.handleAvatarUploadURL))
	s.mux.Handle("GET /api/users/suggestion-contacts", s.authenticated(s.handleSuggestContacts))
	s.mux.Handle("POST /api/users/find-contact", s.authenticated(s.handleFindContact))
	s.mux.HandleFunc("POST /api/users/validate-token", s.handleValidateToken)
	s.mux.Handle("POST /api/users/batch-fetch", s.authenticated(s.handleBatchFetch))
	s.mux.Handle("GET /api/users/info", s.authenticated(s.handleMe))
	s.mux.Handle("GET /api/users/info/{userId}", s.authenticated(s.handleUserInfo))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, app.Claims)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveAuthenticated(w, r, sessionToken(r), next)
	})
}

// authenticatedWS also reads the token from the query string, since browsers
// cannot set headers on a websocket handshake.
func (s *Server) authenticatedWS(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		s.serveAuthenticated(w, r, token, next)
	})
}

func (s *Server) serveAuthenticated(w http.ResponseWriter, r *http.Request, token string, next authHandler) {
	claims, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, "api.authorize", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	logger := util.LoggerFromContext(r.Context()).With("user_id", claims.UserID)
	r = r.WithContext(util.ContextWithLogger(r.Context(), logger))
	next(w, r, claims)
}

// sessionToken reads x-auth-token, falling back to a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(AuthHeader)); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeMsg writes the {"msg": ...} body used for both errors and simple acknowledgements.
func writeMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"msg": msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeMsg(w, status, msg)
}

// statusFor maps workflow error kinds to HTTP statuses.
func statusFor(kind app.Kind) int {
	switch kind {
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindUnauthorized:
		return http.StatusUnauthorized
	case app.KindForbidden:
		return http.StatusForbidden
	case app.KindConflict:
		return http.StatusConflict
	case app.KindValidation:
		return http.StatusBadRequest
	case app.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := app.KindOf(err)
	if kind == app.KindInternal {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Server Error")
		return
	}
	writeError(w, statusFor(kind), err.Error())
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter RateLimiter) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, "api.rate_limit", "blocked")
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}
