// SPDX-License-Identifier: MIT

// Package control implements the per-player bidirectional channel:
// auth-first handshake, command validation, token-bucket rate limiting
// and disconnect handling with grace. The transport is abstracted so
// the protocol logic is independent of the websocket library.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/game"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
	"github.com/eclaw/clawd/internal/store"
)

var (
	ErrAuthFailed      = errors.New("control: authentication failed")
	ErrSessionLimit    = errors.New("control: session limit reached")
	ErrTooManyBadFrame = errors.New("control: too many malformed frames")
)

// malformedLimit closes a connection after this many protocol
// violations; below it, bad frames are silently dropped.
const malformedLimit = 10

// sessionBuffer bounds the per-player outbound queue.
const sessionBuffer = 16

// Conn is the transport the session layer drives. Implementations
// enforce the frame size ceiling at the read boundary.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// GameCore is the machine surface the control channel drives.
type GameCore interface {
	ReadyConfirm(ctx context.Context, entryID string)
	DirectionPress(ctx context.Context, entryID, dir string)
	DirectionRelease(ctx context.Context, entryID, dir string)
	DropPress(ctx context.Context, entryID string)
	Disconnect(ctx context.Context, entryID string)
	Reconnected(ctx context.Context, entryID string)
}

// EntryResolver resolves bearer credentials to queue entries.
type EntryResolver interface {
	GetByToken(ctx context.Context, tokenHash string) (*store.Entry, error)
	HashToken(raw string) string
}

type inFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Direction string `json:"direction,omitempty"`
}

var validDirections = map[string]struct{}{
	gpio.DirNorth: {},
	gpio.DirSouth: {},
	gpio.DirEast:  {},
	gpio.DirWest:  {},
}

// session is one authed connection.
type session struct {
	id      string
	entryID string
	out     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Manager owns the set of authed player sessions, one per entry id with
// last-writer-wins semantics, and implements game.PlayerNotifier.
type Manager struct {
	cfg      *config.Manager
	resolver EntryResolver
	core     GameCore
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by entry id
	count    int
}

// NewManager builds the session manager.
func NewManager(cfg *config.Manager, resolver EntryResolver, core GameCore) *Manager {
	return &Manager{
		cfg:      cfg,
		resolver: resolver,
		core:     core,
		logger:   log.WithComponent("control"),
		sessions: make(map[string]*session),
	}
}

// Send delivers a message to the player's live session, if any. Never
// blocks: a full buffer drops the frame, the periodic state updates
// supersede anything lost.
func (m *Manager) Send(entryID string, msg game.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	s := m.sessions[entryID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.out <- data:
	default:
	}
}

// SessionCount returns the number of open connections, authed or not.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// CloseAll terminates every live session; used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Serve drives one connection to completion: handshake, then the read
// loop. It returns when the connection closes for any reason.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	defer func() { _ = conn.Close() }()
	settings := m.cfg.Snapshot()

	m.mu.Lock()
	if m.count >= settings.MaxControlSessions {
		m.mu.Unlock()
		m.writeError(conn, settings, "session_limit")
		return ErrSessionLimit
	}
	m.count++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
	}()

	entry, err := m.handshake(ctx, conn, settings)
	if err != nil {
		return err
	}

	s := &session{
		id:      uuid.NewString(),
		entryID: entry.ID,
		out:     make(chan []byte, sessionBuffer),
		done:    make(chan struct{}),
	}
	m.attach(s)
	defer m.detach(ctx, s)

	// A superseded or shut-down session must not linger in a blocked
	// read; closing the transport unblocks it.
	watchStop := make(chan struct{})
	defer close(watchStop)
	go func() {
		select {
		case <-s.done:
			_ = conn.Close()
		case <-watchStop:
		}
	}()

	authOK, _ := json.Marshal(game.Message{
		"type":     "auth_ok",
		"entry_id": entry.ID,
		"state":    entry.State,
	})
	if err := m.write(conn, settings, authOK); err != nil {
		return err
	}
	m.core.Reconnected(ctx, entry.ID)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		m.writeLoop(conn, settings, s)
	}()

	err = m.readLoop(ctx, conn, settings, s)
	s.close()
	<-writeDone
	return err
}

// handshake enforces auth-first: the opening frame must be a valid auth
// for a non-terminal entry, inside the pre-auth timeout. Nothing is
// written before auth_ok except the auth error itself.
func (m *Manager) handshake(ctx context.Context, conn Conn, settings config.Settings) (*store.Entry, error) {
	_ = conn.SetReadDeadline(time.Now().Add(settings.ControlPreAuthTimeout()))
	data, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	var frame inFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" || frame.Token == "" {
		metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
		m.writeError(conn, settings, "auth_required")
		return nil, ErrAuthFailed
	}
	entry, err := m.resolver.GetByToken(ctx, m.resolver.HashToken(frame.Token))
	if err != nil || entry.Terminal() {
		m.writeError(conn, settings, "invalid_token")
		return nil, ErrAuthFailed
	}
	return entry, nil
}

// attach registers the session as the live connection for its entry,
// closing any previous one (last tab wins).
func (m *Manager) attach(s *session) {
	m.mu.Lock()
	prev := m.sessions[s.entryID]
	m.sessions[s.entryID] = s
	m.mu.Unlock()
	if prev != nil {
		prev.close()
		m.logger.Info().
			Str("event", "control.replaced").
			Str(log.FieldEntryID, s.entryID).
			Str(log.FieldSessionID, prev.id).
			Msg("previous connection superseded")
	}
}

// detach removes the session and, if it was still the live connection,
// reports the disconnect to the game core. A superseded session does
// not trigger a disconnect: its replacement is live.
func (m *Manager) detach(ctx context.Context, s *session) {
	m.mu.Lock()
	live := m.sessions[s.entryID] == s
	if live {
		delete(m.sessions, s.entryID)
	}
	m.mu.Unlock()
	s.close()
	if live {
		m.core.Disconnect(ctx, s.entryID)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, settings config.Settings, s *session) error {
	hz := settings.CommandRateLimitHz
	limiter := rate.NewLimiter(rate.Limit(hz), hz)
	maxBytes := settings.ControlMaxMessageBytes
	malformed := 0

	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(settings.ControlPingIntervalS) * 3 * time.Second))
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if len(data) > maxBytes {
			metrics.ControlFramesDropped.WithLabelValues("oversize").Inc()
			if malformed++; malformed >= malformedLimit {
				return ErrTooManyBadFrame
			}
			continue
		}
		if !limiter.Allow() {
			metrics.ControlFramesDropped.WithLabelValues("rate_limit").Inc()
			continue
		}
		var frame inFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
			if malformed++; malformed >= malformedLimit {
				return ErrTooManyBadFrame
			}
			continue
		}
		if !m.dispatch(ctx, s, frame) {
			if malformed++; malformed >= malformedLimit {
				return ErrTooManyBadFrame
			}
		}
	}
}

// dispatch routes one authed frame. Returns false for protocol
// violations that count toward the close threshold.
func (m *Manager) dispatch(ctx context.Context, s *session, frame inFrame) bool {
	switch frame.Type {
	case "ready_confirm":
		m.core.ReadyConfirm(ctx, s.entryID)
	case "keydown":
		if _, ok := validDirections[frame.Direction]; !ok {
			metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
			return false
		}
		m.core.DirectionPress(ctx, s.entryID, frame.Direction)
	case "keyup":
		if _, ok := validDirections[frame.Direction]; !ok {
			metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
			return false
		}
		m.core.DirectionRelease(ctx, s.entryID, frame.Direction)
	case "drop", "drop_start":
		m.core.DropPress(ctx, s.entryID)
	case "drop_end", "latency_pong":
		// Accepted for UI parity; no machine effect.
	case "auth":
		// Already authed; re-auth over the same socket is noise.
		metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
		return false
	default:
		metrics.ControlFramesDropped.WithLabelValues("malformed").Inc()
		return false
	}
	return true
}

// writeLoop drains the outbound queue and emits latency pings until the
// session closes.
func (m *Manager) writeLoop(conn Conn, settings config.Settings, s *session) {
	pingEvery := time.Duration(settings.ControlPingIntervalS) * time.Second
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	ping, _ := json.Marshal(game.Message{"type": "latency_ping"})

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := m.write(conn, settings, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := m.write(conn, settings, ping); err != nil {
				s.close()
				return
			}
		}
	}
}

func (m *Manager) write(conn Conn, settings config.Settings, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(settings.ControlSendTimeout()))
	return conn.WriteFrame(data)
}

func (m *Manager) writeError(conn Conn, settings config.Settings, code string) {
	data, _ := json.Marshal(game.Message{"type": "error", "code": code})
	_ = m.write(conn, settings, data)
}
