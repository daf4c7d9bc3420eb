package server

import (
	"errors"
	"net/http"

	"vibe/services/api/internal/app"
)

type startChatRequest struct {
	ContactID string `json:"contactId"`
}

type messageRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type chatRequest struct {
	ChatID string `json:"chatId"`
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req startChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := s.app.StartChat(r.Context(), c, req.ContactID)
	if errors.Is(err, app.ErrChatExists) && chat.ID != "" {
		writeJSON(w, http.StatusConflict, map[string]any{"msg": err.Error(), "chat": chat})
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := s.app.SendMessage(r.Context(), c, req.ChatID, req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := s.app.EditMessage(r.Context(), c, req.ChatID, req.MessageID, req.Content)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.DeleteMessage(r.Context(), c, req.ChatID, req.MessageID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeMsg(w, http.StatusOK, "Message deleted")
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ClearChat(r.Context(), c, req.ChatID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeMsg(w, http.StatusOK, "Chat cleared")
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.app.MarkRead(r.Context(), c, req.ChatID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Messages marked as read", "count": n})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, c app.Claims) {
	chat, err := s.app.GetChat(r.Context(), c, r.PathValue("chatId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleChatExists(w http.ResponseWriter, r *http.Request, c app.Claims) {
	chatID, ok, err := s.app.ChatExists(r.Context(), c, r.PathValue("contactId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": true, "chatId": chatID})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request, c app.Claims) {
	unread, err := s.app.HasUnread(r.Context(), c, r.PathValue("contactId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hasUnreadMessages": unread})
}
