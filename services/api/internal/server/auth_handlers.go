package server

import (
	"errors"
	"net/http"

	"vibe/pkg/domain"
	"vibe/services/api/internal/app"
)

type registerRequest struct {
	Username       string `json:"username"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	AccountImage   string `json:"accountImage"`
	AccountPhoneNo string `json:"accountPhoneNo"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter) {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Register(r.Context(), app.RegisterInput{
		Username:       req.Username,
		Email:          req.Email,
		Password:       req.Password,
		AccountImage:   req.AccountImage,
		AccountPhoneNo: req.AccountPhoneNo,
	})
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter) {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		s.writeAppError(w, r, app.ErrNoToken)
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	writeMsg(w, http.StatusOK, "Logged out")
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	keys, ok := s.app.JWKS()
	if !ok {
		writeError(w, http.StatusNotFound, "JWKS is not available for this signing mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := s.app.ValidateToken(r.Context(), req.Token)
	if err != nil {
		if !errors.Is(err, app.ErrTokenRequired) {
			s.audit(r, "auth.validate_token", "fail", "reason", err.Error())
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Token is valid", "decoded": info})
}
