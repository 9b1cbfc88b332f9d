package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs/vpath"
	"github.com/tierfs/tierfs/fs/watch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// same-origin policy is enforced upstream; the daemon binds loopback by
	// default
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is the wire shape of subscriber-to-server messages.
type clientFrame struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// handleWatch upgrades the connection and bridges it to the broadcaster: one
// goroutine drains the subscriber's outbound channel into websocket frames,
// the handler goroutine reads inbound frames.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "/") {
		http.Error(w, "query parameter path must be absolute", http.StatusBadRequest)
		return
	}
	path, err := vpath.Validate(path, "/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recursive := r.URL.Query().Get("recursive") == "true"

	sub, err := s.broadcaster.Accept()
	if err != nil {
		status := http.StatusServiceUnavailable
		if errdefs.CodeOf(err) != errdefs.Unavailable {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.broadcaster.Remove(sub.ID, "upgrade failed")
		return
	}
	s.metrics.watchConnections.Inc()
	defer s.metrics.watchConnections.Dec()

	if err := s.broadcaster.Subscribe(sub.ID, path, recursive); err != nil {
		// the welcome frame is already queued; surface the refusal and close
		conn.WriteJSON(map[string]string{
			"type": "error", "code": string(errdefs.CodeOf(err)), "message": err.Error(),
		})
		s.broadcaster.Remove(sub.ID, "subscribe failed")
		conn.Close()
		return
	}

	go s.watchWriter(conn, sub)
	s.watchReader(conn, sub)
}

// watchWriter forwards broadcaster frames until the subscriber channel
// closes, then sends the websocket close frame. Stale evictions close with
// policy violation (1008), everything else with normal closure.
func (s *Server) watchWriter(conn *websocket.Conn, sub *watch.Subscriber) {
	closeCode := websocket.CloseNormalClosure
	for msg := range sub.Out {
		if msg.Type == "error" && msg.Code == "CONNECTION_STALE" {
			closeCode = websocket.ClosePolicyViolation
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			s.broadcaster.Remove(sub.ID, "write failed")
			conn.Close()
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""))
	conn.Close()
}

// watchReader dispatches inbound frames until the peer goes away.
func (s *Server) watchReader(conn *websocket.Conn, sub *watch.Subscriber) {
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.broadcaster.Remove(sub.ID, "client closed")
			return
		}
		s.broadcaster.Activity(sub.ID)

		switch frame.Type {
		case "subscribe":
			if !strings.HasPrefix(frame.Path, "/") {
				s.broadcaster.SendError(sub.ID,
					string(errdefs.InvalidArgument), "subscribe path must be absolute")
				continue
			}
			path, err := vpath.Validate(frame.Path, "/")
			if err != nil {
				s.broadcaster.SendError(sub.ID, string(errdefs.CodeOf(err)), err.Error())
				continue
			}
			if err := s.broadcaster.Subscribe(sub.ID, path, frame.Recursive); err != nil {
				log.Debug().Str("connectionID", sub.ID).Err(err).Msg("Subscribe refused.")
				s.broadcaster.SendError(sub.ID, string(errdefs.CodeOf(err)), err.Error())
			}
		case "unsubscribe":
			if frame.Path == "" {
				// an unsubscribe without a path closes the connection
				s.broadcaster.Remove(sub.ID, "client unsubscribed")
				return
			}
			s.broadcaster.Unsubscribe(sub.ID, frame.Path)
		case "ping":
			s.broadcaster.ClientPing(sub.ID)
		case "pong":
			s.broadcaster.Pong(sub.ID)
		}
	}
}
