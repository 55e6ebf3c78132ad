package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout bounds a single event write to a WebSocket client.
	wsWriteTimeout = 10 * time.Second
	// wsPingInterval keeps idle connections alive through proxies.
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler streams a session's lifecycle events over a WebSocket. The
// client subscribes with GET /ws?session_id=... and receives each event
// as a JSON object; the subscription ends when the client disconnects.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Missing required parameter: session_id", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsHandler: upgrade failed", "error", err, "sessionID", sessionID)
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe(sessionID)
	defer cancel()
	slog.Debug("Server.wsHandler: subscriber connected", "sessionID", sessionID)

	// The reader goroutine exists to notice the peer closing; inbound
	// frames carry no meaning on this endpoint.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Server.wsHandler: write failed, dropping subscriber", "error", err, "sessionID", sessionID)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			slog.Debug("Server.wsHandler: subscriber disconnected", "sessionID", sessionID)
			return
		}
	}
}
