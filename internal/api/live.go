// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetwatch/internal/session"
)

const maxClientFrame = 4096

type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleLive upgrades to a websocket and streams the readings the caller is
// entitled to. The connection has one reader (this goroutine) and one
// writer; the session is unregistered as soon as either side fails.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, err := s.jwt.Authenticate(r)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sess := s.registry.Register(id)
	if greeting, err := json.Marshal(session.Frame{
		Event: "connected",
		Data: map[string]interface{}{
			"session_id": sess.ID,
			"role":       id.Role,
		},
	}); err == nil {
		sess.Send(greeting)
	}

	go s.writeLoop(conn, sess)
	s.readLoop(conn, sess)

	s.registry.Unregister(sess.ID)
	conn.Close()
}

func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	pongWait := 2 * s.opts.PingInterval

	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Live connection closed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug().Str("session_id", sess.ID).Msg("Ignoring malformed client frame")
			continue
		}

		switch frame.Event {
		case "clientMessage":
			reply, _ := json.Marshal(session.Frame{
				Event: "serverMessage",
				Data:  map[string]string{"message": "received"},
			})
			sess.Send(reply)
		default:
			s.logger.Debug().
				Str("session_id", sess.ID).
				Str("event", frame.Event).
				Msg("Ignoring client event")
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			s.closeNormal(conn)
			return

		case msg := <-sess.Outbox():
			// Both cases may be ready at once; queued frames are dropped
			// once the session is gone.
			if sess.Closed() {
				s.closeNormal(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("Live write failed")
				s.registry.Unregister(sess.ID)
				conn.Close()
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.registry.Unregister(sess.ID)
				conn.Close()
				return
			}
		}
	}
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.opts.WriteTimeout))
}
