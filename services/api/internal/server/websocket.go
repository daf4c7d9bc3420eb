package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vibe/internal/util"
	"vibe/pkg/events"
	"vibe/services/api/internal/app"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4 * 1024
)

// handleSubscribe pushes the chat's events to a participant over a websocket.
// The socket is receive-only; mutations still go through the REST endpoints.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, c app.Claims) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, stop, err := s.app.Subscribe(ctx, c, r.PathValue("chatId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	logger := util.LoggerFromContext(ctx)
	logger.Info("chat subscription opened", "chat_id", r.PathValue("chatId"))

	go func() {
		defer cancel()
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("chat subscription write failed", "err", err)
				return
			}
			if ev.Type == events.ChatDeleted {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "chat deleted"), time.Now().Add(wsWriteWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
