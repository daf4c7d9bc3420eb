package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"vibe/internal/ratelimit"
	"vibe/pkg/events"
	"vibe/pkg/store"
	"vibe/services/api/internal/app"
)

type testAPI struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestAPI(t *testing.T, mutate ...func(*Config)) *testAPI {
	t.Helper()
	st := store.NewMemoryStore()
	sessions, err := store.NewJWTHS256SessionStore("server-test-secret-123", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	a, err := app.New(app.Config{Store: st, Sessions: sessions, Broker: events.NewMemoryBroker()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: a}
	for _, m := range mutate {
		m(&cfg)
	}
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: st}
}

func (api *testAPI) do(t *testing.T, method, path, token string, body any) (int, map[string]any, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, api.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(AuthHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	} else if len(raw) > 0 {
		out["_raw"] = string(raw)
	}
	return resp.StatusCode, out, resp.Header
}

func (api *testAPI) register(t *testing.T, name string) (token, id string) {
	t.Helper()
	status, body, _ := api.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name, "email": name + "@x.com", "password": "pw123",
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: %d %v", name, status, body)
	}
	user := body["user"].(map[string]any)
	return body["token"].(string), user["id"].(string)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)
	status, body, _ := api.do(t, http.MethodGet, "/api/users/info", "", nil)
	if status != http.StatusUnauthorized || body["msg"] != "No token, authorization denied" {
		t.Fatalf("got %d %v", status, body)
	}
	status, body, _ = api.do(t, http.MethodGet, "/api/users/info", "garbage", nil)
	if status != http.StatusUnauthorized || body["msg"] != "Token is not valid" {
		t.Fatalf("got %d %v", status, body)
	}

	token, id := api.register(t, "alice")
	req, _ := http.NewRequest(http.MethodGet, api.srv.URL+"/api/users/info", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	defer resp.Body.Close()
	var me map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&me)
	if resp.StatusCode != http.StatusOK || me["id"] != id {
		t.Fatalf("bearer auth: %d %v", resp.StatusCode, me)
	}
	if _, leaked := me["PasswordHash"]; leaked {
		t.Fatal("password hash serialized")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
}

func TestScenarioOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	aliceTok, _ := api.register(t, "alice")
	bobTok, bobID := api.register(t, "bob")

	status, body, _ := api.do(t, http.MethodPost, "/api/users/add-contact", aliceTok, map[string]string{"contactId": bobID})
	if status != http.StatusCreated {
		t.Fatalf("add contact: %d %v", status, body)
	}
	status, body, _ = api.do(t, http.MethodPost, "/api/users/add-contact", aliceTok, map[string]string{"contactId": bobID})
	if status != http.StatusConflict || body["msg"] != "Contact request already sent" {
		t.Fatalf("duplicate request: %d %v", status, body)
	}

	req, _ := http.NewRequest(http.MethodGet, api.srv.URL+"/api/users/notifications", nil)
	req.Header.Set(AuthHeader, bobTok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	var notes []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&notes)
	resp.Body.Close()
	if len(notes) != 1 || notes[0]["type"] != "contact_request" {
		t.Fatalf("notifications = %v", notes)
	}

	status, body, _ = api.do(t, http.MethodPost, "/api/users/respond-contact-request", bobTok, map[string]string{
		"notificationId": notes[0]["id"].(string), "action": "accept",
	})
	if status != http.StatusOK {
		t.Fatalf("accept: %d %v", status, body)
	}
	chatID := body["chat"].(map[string]any)["id"].(string)

	status, body, _ = api.do(t, http.MethodPost, "/api/chats/send-message", aliceTok, map[string]string{"chatId": chatID, "content": "hi"})
	if status != http.StatusOK || len(body["messages"].([]any)) != 1 {
		t.Fatalf("send hi: %d %v", status, body)
	}

	status, body, _ = api.do(t, http.MethodGet, "/api/chats/unread-messages/"+mustID(t, api, aliceTok), bobTok, nil)
	if status != http.StatusOK || body["hasUnreadMessages"] != true {
		t.Fatalf("unread: %d %v", status, body)
	}

	status, _, _ = api.do(t, http.MethodPost, "/api/users/block-contact", bobTok, map[string]string{"contactId": mustID(t, api, aliceTok)})
	if status != http.StatusOK {
		t.Fatalf("block: %d", status)
	}
	status, body, _ = api.do(t, http.MethodPost, "/api/chats/send-message", aliceTok, map[string]string{"chatId": chatID, "content": "hello"})
	if status != http.StatusForbidden || body["msg"] != "You have been blocked by bob and cannot send messages." {
		t.Fatalf("blocked send: %d %v", status, body)
	}

	status, body, _ = api.do(t, http.MethodGet, "/api/chats/"+chatID, bobTok, nil)
	if status != http.StatusOK {
		t.Fatalf("get chat: %d %v", status, body)
	}
	if msgs := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("chat has %d messages, want 1", len(msgs))
	}
	participants := body["participants"].([]any)
	names := []string{}
	for _, p := range participants {
		names = append(names, p.(map[string]any)["username"].(string))
	}
	if len(names) != 2 || !(strings.Contains(strings.Join(names, ","), "alice") && strings.Contains(strings.Join(names, ","), "bob")) {
		t.Fatalf("participants = %v", names)
	}

	status, body, _ = api.do(t, http.MethodPost, "/api/chats/start-chat", aliceTok, map[string]string{"contactId": bobID})
	if status != http.StatusConflict || body["chat"] == nil {
		t.Fatalf("start existing chat: %d %v", status, body)
	}
}

func mustID(t *testing.T, api *testAPI, token string) string {
	t.Helper()
	status, body, _ := api.do(t, http.MethodGet, "/api/users/info", token, nil)
	if status != http.StatusOK {
		t.Fatalf("info: %d %v", status, body)
	}
	return body["id"].(string)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	token, _ := api.register(t, "alice")
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		msg    string
	}{
		{"unknown chat", http.MethodGet, "/api/chats/nope", nil, http.StatusNotFound, "Chat not found"},
		{"invalid action", http.MethodPost, "/api/users/respond-contact-request", map[string]string{"notificationId": "n", "action": "later"}, http.StatusBadRequest, "Invalid action"},
		{"missing search", http.MethodPost, "/api/users/find-contact", map[string]string{}, http.StatusBadRequest, "Search term and type are required"},
		{"bad status", http.MethodPost, "/api/users/change-status", map[string]string{"status": "away"}, http.StatusBadRequest, "Invalid status"},
		{"self add", http.MethodPost, "/api/users/add-contact", map[string]string{"contactId": ""}, http.StatusBadRequest, "Contact ID is required"},
		{"avatars off", http.MethodPost, "/api/users/avatar-upload-url", map[string]string{"contentType": "image/png"}, http.StatusServiceUnavailable, "Avatar uploads are not configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body, _ := api.do(t, tc.method, tc.path, token, tc.body)
			if status != tc.status || body["msg"] != tc.msg {
				t.Fatalf("got %d %v, want %d %q", status, body, tc.status, tc.msg)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, api.srv.URL+"/api/chats/clear-chat", strings.NewReader("{"))
	req.Header.Set(AuthHeader, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad json: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", resp.StatusCode)
	}
}

func TestValidateTokenEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token, id := api.register(t, "alice")

	status, body, _ := api.do(t, http.MethodPost, "/api/users/validate-token", "", map[string]string{"token": token})
	if status != http.StatusOK || body["msg"] != "Token is valid" {
		t.Fatalf("valid token: %d %v", status, body)
	}
	if decoded := body["decoded"].(map[string]any); decoded["userId"] != id {
		t.Fatalf("decoded = %v", decoded)
	}
	status, body, _ = api.do(t, http.MethodPost, "/api/users/validate-token", "", map[string]string{"token": "nope"})
	if status != http.StatusUnauthorized || body["msg"] != "Invalid token" {
		t.Fatalf("invalid token: %d %v", status, body)
	}
	status, body, _ = api.do(t, http.MethodPost, "/api/users/validate-token", "", map[string]string{})
	if status != http.StatusBadRequest || body["msg"] != "Token is required" {
		t.Fatalf("missing token: %d %v", status, body)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	token, _ := api.register(t, "alice")
	status, _, _ := api.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	if status != http.StatusOK {
		t.Fatalf("logout: %d", status)
	}
	status, _, _ = api.do(t, http.MethodGet, "/api/users/info", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d", status)
	}
}

func TestRegisterRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:register", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	api := newTestAPI(t, func(c *Config) { c.RegisterLimiter = limiter })
	api.register(t, "alice")

	status, body, header := api.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "bob", "email": "bob@x.com", "password": "pw123",
	})
	if status != http.StatusTooManyRequests {
		t.Fatalf("second register: %d %v", status, body)
	}
	if header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", header.Get("Retry-After"))
	}
}

func TestJWKSUnavailableForSharedSecret(t *testing.T) {
	api := newTestAPI(t)
	status, _, _ := api.do(t, http.MethodGet, "/api/auth/jwks", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("jwks status = %d", status)
	}
}

func TestSubscribePushesChatEvents(t *testing.T) {
	api := newTestAPI(t)
	aliceTok, aliceID := api.register(t, "alice")
	bobTok, bobID := api.register(t, "bob")
	api.do(t, http.MethodPost, "/api/users/add-contact", aliceTok, map[string]string{"contactId": bobID})
	notes, _ := api.store.ListNotifications(t.Context(), bobID, time.Now())
	_, body, _ := api.do(t, http.MethodPost, "/api/users/respond-contact-request", bobTok, map[string]string{
		"notificationId": notes[0].ID, "action": "accept",
	})
	chatID := body["chat"].(map[string]any)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/chats/subscribe/" + chatID + "?token=" + bobTok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	status, _, _ := api.do(t, http.MethodPost, "/api/chats/send-message", aliceTok, map[string]string{"chatId": chatID, "content": "pushed"})
	if status != http.StatusOK {
		t.Fatalf("send: %d", status)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.ChatEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.MessageSent || ev.ActorID != aliceID || ev.Message == nil || ev.Message.Content != "pushed" {
		t.Fatalf("unexpected event %+v", ev)
	}

	outsiderTok, _ := api.register(t, "carol")
	_, resp, err = websocket.DefaultDialer.Dial(strings.Replace(wsURL, bobTok, outsiderTok, 1), nil)
	if err == nil {
		t.Fatal("outsider subscribed")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("outsider response = %v", resp)
	}
}

func TestSubscribeClosesAfterChatDeleted(t *testing.T) {
	api := newTestAPI(t)
	aliceTok, aliceID := api.register(t, "alice")
	bobTok, bobID := api.register(t, "bob")
	api.do(t, http.MethodPost, "/api/users/add-contact", aliceTok, map[string]string{"contactId": bobID})
	notes, _ := api.store.ListNotifications(t.Context(), bobID, time.Now())
	_, body, _ := api.do(t, http.MethodPost, "/api/users/respond-contact-request", bobTok, map[string]string{
		"notificationId": notes[0].ID, "action": "accept",
	})
	chatID := body["chat"].(map[string]any)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/api/chats/subscribe/" + chatID + "?token=" + bobTok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	status, _, _ := api.do(t, http.MethodPost, "/api/users/remove-contact", aliceTok, map[string]string{"contactId": bobID})
	if status != http.StatusOK {
		t.Fatalf("remove contact: %d", status)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.ChatEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.ChatDeleted || ev.ChatID != chatID || ev.ActorID != aliceID {
		t.Fatalf("unexpected event %+v", ev)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("after chat_deleted read err = %v, want normal close", err)
	}
}
