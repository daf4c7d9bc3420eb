package server

import (
	"context"
	"net/http"

	"vibe/services/api/internal/app"
)

type contactRequest struct {
	ContactID string `json:"contactId"`
}

type respondRequest struct {
	NotificationID string `json:"notificationId"`
	Action         string `json:"action"`
}

type notificationRequest struct {
	NotificationID string `json:"notificationId"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type profileRequest struct {
	ImageURL string `json:"imageUrl"`
	PhoneNo  string `json:"phoneNo"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type avatarRequest struct {
	ContentType string `json:"contentType"`
}

type findRequest struct {
	SearchTerm string `json:"searchTerm"`
	SearchType string `json:"searchType"`
}

type batchFetchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req contactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.AddContact(r.Context(), c, req.ContactID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeMsg(w, http.StatusCreated, "Contact request sent")
}

func (s *Server) handleRespondContactRequest(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := s.app.RespondToContactRequest(r.Context(), c, req.NotificationID, req.Action)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if chat == nil {
		writeMsg(w, http.StatusOK, "Contact request denied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Contact request accepted and chat started", "chat": chat})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, c app.Claims) {
	notes, err := s.app.ListNotifications(r.Context(), c)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleRemoveNotification(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req notificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.RemoveNotification(r.Context(), c, req.NotificationID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeMsg(w, http.StatusOK, "Notification removed successfully")
}

// contactAction adapts the single-peer relationship operations.
func (s *Server) contactAction(op func(context.Context, app.Claims, string) error, okMsg string) authHandler {
	return func(w http.ResponseWriter, r *http.Request, c app.Claims) {
		var req contactRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := op(r.Context(), c, req.ContactID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeMsg(w, http.StatusOK, okMsg)
	}
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, c app.Claims) {
	contacts, err := s.app.Contacts(r.Context(), c)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, c app.Claims) {
	if err := s.app.DeleteAccount(r.Context(), c); err != nil {
		s.audit(r, "account.delete", "fail", "user_id", c.UserID, "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "account.delete", "success", "user_id", c.UserID)
	writeMsg(w, http.StatusOK, "Account deleted")
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ChangeStatus(r.Context(), c, req.Status); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeMsg(w, http.StatusOK, "Status updated")
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.app.UpdateProfile(r.Context(), c, app.ProfileUpdate{
		ImageURL: req.ImageURL,
		PhoneNo:  req.PhoneNo,
		Username: req.Username,
		Status:   req.Status,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":            "User profile updated",
		"accountImage":   u.AccountImage,
		"accountPhoneNo": u.AccountPhoneNo,
		"username":       u.Username,
		"status":         u.Status,
	})
}

func (s *Server) handleChangeAccountImage(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req struct {
		AccountImage string `json:"accountImage"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.app.ChangeAccountImage(r.Context(), c, req.AccountImage)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Account image updated", "accountImage": u.AccountImage})
}

func (s *Server) handleChangeAccountPhoneNo(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req struct {
		AccountPhoneNo string `json:"accountPhoneNo"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.app.ChangeAccountPhoneNo(r.Context(), c, req.AccountPhoneNo)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Account phone number updated", "accountPhoneNo": u.AccountPhoneNo})
}

func (s *Server) handleAvatarUploadURL(w http.ResponseWriter, r *http.Request, c app.Claims) {
	var req avatarRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	up, err := s.app.AvatarUploadURL(r.Context(), c, req.ContentType)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handleSuggestContacts(w http.ResponseWriter, r *http.Request, c app.Claims) {
	users, err := s.app.SuggestContacts(r.Context(), c)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleFindContact(w http.ResponseWriter, r *http.Request, _ app.Claims) {
	var req findRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	users, err := s.app.FindContact(r.Context(), req.SearchTerm, req.SearchType)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleBatchFetch(w http.ResponseWriter, r *http.Request, _ app.Claims) {
	var req batchFetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	users, err := s.app.BatchFetch(r.Context(), req.IDs)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, c app.Claims) {
	u, err := s.app.Me(r.Context(), c)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request, _ app.Claims) {
	u, err := s.app.UserInfo(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
