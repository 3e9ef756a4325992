// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"time"

	"golang.org/x/net/websocket"

	"github.com/eclaw/clawd/internal/game"
	"github.com/eclaw/clawd/internal/log"
)

// wsConn adapts a websocket connection to the control transport.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	var msg string
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (c *wsConn) WriteFrame(data []byte) error {
	return websocket.Message.Send(c.ws, string(data))
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *wsConn) Close() error                       { return c.ws.Close() }

// handleControlWS hands the player channel to the control session
// manager. The payload ceiling is enforced by the websocket layer; a
// frame over the limit errors the read and closes the connection.
func (s *Server) handleControlWS(ws *websocket.Conn) {
	ws.MaxPayloadBytes = s.cfg.Snapshot().ControlMaxMessageBytes
	err := s.control.Serve(ws.Request().Context(), &wsConn{ws: ws})
	if err != nil {
		s.logger.Debug().Err(err).
			Str("event", "api.control_ws_closed").
			Msg("control session ended")
	}
}

// handleStatusWS serves the read-only spectator channel: register with
// the hub, send an initial snapshot, then pump broadcast frames with a
// per-write deadline until the client goes away or the hub evicts us.
func (s *Server) handleStatusWS(ws *websocket.Conn) {
	sess, err := s.hub.Register()
	if err != nil {
		data, _ := json.Marshal(game.Message{"type": "error", "code": "viewer_limit"})
		_ = websocket.Message.Send(ws, string(data))
		_ = ws.Close()
		return
	}
	defer s.hub.Unregister(sess)

	sendTimeout := s.hub.SendTimeout()
	send := func(msg game.Message) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			return true
		}
		_ = ws.SetWriteDeadline(time.Now().Add(sendTimeout))
		return websocket.Message.Send(ws, string(data)) == nil
	}

	// Initial snapshot so a fresh spectator renders without waiting for
	// the next transition.
	status, err := s.store.Status(ws.Request().Context())
	if err == nil {
		send(game.Message{
			"type":                 game.MsgQueueUpdate,
			"queue_length":         status.QueueLength,
			"current_player":       status.CurrentPlayer,
			"current_player_state": status.CurrentPlayerState,
		})
	}
	snap := s.machine.Snapshot()
	send(game.Message{
		"type":               game.MsgStateUpdate,
		"state":              string(snap.State),
		"paused":             snap.Paused,
		"locked":             snap.Locked,
		"current_try":        snap.CurrentTry,
		"max_tries":          snap.MaxTries,
		"state_seconds_left": snap.StateSecondsLeft,
		"turn_seconds_left":  snap.TurnSecondsLeft,
	})

	// Drain and discard anything the client sends; a read error means
	// the socket is gone.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			var discard string
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-sess.Done():
			return
		case <-readErr:
			return
		case data := <-sess.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := websocket.Message.Send(ws, string(data)); err != nil {
				s.logger.Debug().Err(err).
					Str("event", "api.status_ws_write_failed").
					Str(log.FieldSessionID, sess.ID()).
					Msg("spectator write failed")
				return
			}
		}
	}
}
