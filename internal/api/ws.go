package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"lateralguard/internal/alerts"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      s.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	for _, allowed := range s.Config.Get().API.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.Logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// handleWebSocket streams every published alert to the client. A client
// that falls behind loses alerts rather than slowing the engine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	sub := s.Hub.Subscribe(0)
	s.Logger.Debug("websocket client connected", "subscriber", sub.ID(), "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, sub, done)
	s.Hub.Unsubscribe(sub)
	s.Logger.Debug("websocket client disconnected", "subscriber", sub.ID(), "dropped", sub.Dropped())
}

// readPump only services control frames; it closes done when the peer goes
// away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.Logger.Debug("unexpected websocket close", "err", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *alerts.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case alert, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(wsMessage{Type: "alert", Data: alert}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
