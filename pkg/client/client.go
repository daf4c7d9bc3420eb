// Package client is a Go client for the messenger API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vibe/pkg/domain"
)

// AuthHeader carries the session token.
const AuthHeader = "x-auth-token"

// Client calls the API over HTTP. Methods taking a token act as that user.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-2xx response. Message is the server's msg field.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Participant is a chat member as rendered by GET /api/chats/{id}.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Chat is the participant view of a chat.
type Chat struct {
	ID           string           `json:"id"`
	Participants []Participant    `json:"participants"`
	Messages     []domain.Message `json:"messages"`
	CreatedAt    time.Time        `json:"createdAt"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Register(ctx context.Context, username, email, password string) (domain.User, string, error) {
	payload := map[string]string{"username": username, "email": email, "password": password}
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/register", "", payload, &resp); err != nil {
		return domain.User{}, "", err
	}
	return resp.User, resp.Token, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", "", payload, &resp); err != nil {
		return domain.User{}, "", err
	}
	return resp.User, resp.Token, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/logout", token, nil, nil)
}

func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/info", token, nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) AddContact(ctx context.Context, token, contactID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/users/add-contact", token, map[string]string{"contactId": contactID}, nil)
}

// RespondContactRequest accepts or denies; accepting returns the shared chat.
func (c *Client) RespondContactRequest(ctx context.Context, token, notificationID string, accept bool) (*domain.Chat, error) {
	action := "deny"
	if accept {
		action = "accept"
	}
	payload := map[string]string{"notificationId": notificationID, "action": action}
	var resp struct {
		Chat *domain.Chat `json:"chat"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/users/respond-contact-request", token, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Chat, nil
}

func (c *Client) Notifications(ctx context.Context, token string) ([]domain.Notification, error) {
	var out []domain.Notification
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/notifications", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Contacts(ctx context.Context, token string) ([]domain.ContactView, error) {
	var out []domain.ContactView
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/contacts", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) BlockContact(ctx context.Context, token, contactID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/users/block-contact", token, map[string]string{"contactId": contactID}, nil)
}

func (c *Client) UnblockContact(ctx context.Context, token, contactID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/users/unblock-contact", token, map[string]string{"contactId": contactID}, nil)
}

func (c *Client) RemoveContact(ctx context.Context, token, contactID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/users/remove-contact", token, map[string]string{"contactId": contactID}, nil)
}

func (c *Client) GetChat(ctx context.Context, token, chatID string) (Chat, error) {
	var chat Chat
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), token, nil, &chat); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (c *Client) SendMessage(ctx context.Context, token, chatID, content string) (domain.Chat, error) {
	var chat domain.Chat
	payload := map[string]string{"chatId": chatID, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/send-message", token, payload, &chat); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

func (c *Client) MarkRead(ctx context.Context, token, chatID string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/mark-read", token, map[string]string{"chatId": chatID}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) HasUnread(ctx context.Context, token, contactID string) (bool, error) {
	var resp struct {
		HasUnread bool `json:"hasUnreadMessages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/unread-messages/"+url.PathEscape(contactID), token, nil, &resp); err != nil {
		return false, err
	}
	return resp.HasUnread, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(AuthHeader, token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Msg string `json:"msg"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Msg
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}
