// SPDX-License-Identifier: MIT

// Package hub fans broadcast messages out to spectator sessions. One
// publisher, many read-only consumers; a slow consumer is evicted
// rather than allowed to delay the rest.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eclaw/clawd/internal/game"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
)

// ErrHubFull rejects registrations past the viewer cap.
var ErrHubFull = errors.New("hub: viewer limit reached")

// sessionBuffer is the per-session outbound queue depth. A consumer
// that falls this far behind the publisher is evicted.
const sessionBuffer = 32

// Session is one spectator. The transport layer drains Outbound and
// stops when Done closes.
type Session struct {
	id  string
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Outbound is the ordered stream of frames for this spectator.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done closes when the session has been evicted or unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub is the broadcast fan-out.
type Hub struct {
	maxViewers  int
	sendTimeout time.Duration
	keepalive   time.Duration

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New builds a hub with the given viewer cap, per-session send timeout
// and keepalive interval.
func New(maxViewers int, sendTimeout, keepalive time.Duration) *Hub {
	return &Hub{
		maxViewers:  maxViewers,
		sendTimeout: sendTimeout,
		keepalive:   keepalive,
		sessions:    make(map[*Session]struct{}),
	}
}

// SendTimeout is the bound the transport applies to each socket write.
func (h *Hub) SendTimeout() time.Duration { return h.sendTimeout }

// Register adds a spectator, rejecting past the cap.
func (h *Hub) Register() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) >= h.maxViewers {
		return nil, ErrHubFull
	}
	s := &Session{
		id:   uuid.NewString(),
		out:  make(chan []byte, sessionBuffer),
		done: make(chan struct{}),
	}
	h.sessions[s] = struct{}{}
	metrics.SpectatorSessions.Set(float64(len(h.sessions)))
	return s, nil
}

// Unregister removes a spectator. Idempotent.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		metrics.SpectatorSessions.Set(float64(len(h.sessions)))
	}
	h.mu.Unlock()
	s.close()
}

// Count returns the number of connected spectators.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Broadcast enqueues one message for every spectator. The frame is
// marshalled once; enqueueing never blocks — a session whose buffer is
// already full has fallen sessionBuffer frames behind and is evicted on
// the spot, so one stalled socket cannot delay the others.
func (h *Hub) Broadcast(msg game.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger := log.WithComponent("hub")
		logger.Error().Err(err).
			Str("event", "hub.marshal_failed").
			Msg("dropping unmarshalable broadcast")
		return
	}

	var evicted []*Session
	h.mu.Lock()
	for s := range h.sessions {
		select {
		case s.out <- data:
		default:
			delete(h.sessions, s)
			evicted = append(evicted, s)
		}
	}
	if len(evicted) > 0 {
		metrics.SpectatorSessions.Set(float64(len(h.sessions)))
	}
	h.mu.Unlock()

	for _, s := range evicted {
		s.close()
		metrics.SpectatorEvictions.Inc()
		logger := log.WithComponent("hub")
		logger.Warn().
			Str("event", "hub.evicted").
			Str(log.FieldSessionID, s.id).
			Msg("slow spectator evicted")
	}
}

// Run emits periodic keepalives until ctx is done, then closes every
// session.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return nil
		case <-ticker.C:
			h.Broadcast(game.Message{"type": "keepalive"})
		}
	}
}

// CloseAll evicts every spectator; used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, s)
	}
	metrics.SpectatorSessions.Set(0)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
