package ws

import (
	"net/http"

	"github.com/vedran77/pulsesync/internal/service"
	"github.com/vedran77/pulsesync/internal/transport/http/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ServeWS returns an HTTP handler that upgrades to WebSocket.
// Auth is done via ?token=xxx query param (WebSocket can't send headers).
func ServeWS(hub *Hub, core *service.Core, jwtSecret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		userID, err := middleware.ParseToken(tokenStr, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // Allow any origin (dev mode)
		})
		if err != nil {
			logger.Warn("ws accept failed", zap.Error(err))
			return
		}

		session := core.NewSession(userID)
		client := NewClient(hub, conn, session, core.Users, logger)
		if err := client.bind(); err != nil {
			logger.Error("ws bind failed", zap.String("user_id", userID), zap.Error(err))
			client.unbind()
			session.Close()
			conn.Close(websocket.StatusInternalError, "")
			return
		}
		if !hub.add(client) {
			client.unbind()
			session.Close()
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
