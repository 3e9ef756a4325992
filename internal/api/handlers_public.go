// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
	"github.com/eclaw/clawd/internal/store"
)

type joinRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := s.cfg.Snapshot()

	var req joinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name, email, err := sanitizeJoinInput(req.Name, req.Email)
	if err != nil {
		metrics.JoinRejected.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := s.clientIP(r)
	window := time.Duration(settings.RateLimitWindowS) * time.Second
	if ok, err := s.store.AllowRate(ctx, "ip:"+ip, settings.JoinRatePerIP, window); err != nil {
		writeError(w, http.StatusInternalServerError, "admission unavailable")
		return
	} else if !ok {
		metrics.JoinRejected.WithLabelValues("ip_rate").Inc()
		writeError(w, http.StatusTooManyRequests, "too many joins from this address")
		return
	}
	if ok, err := s.store.AllowRate(ctx, "email:"+email, settings.JoinRatePerEmail, window); err != nil {
		writeError(w, http.StatusInternalServerError, "admission unavailable")
		return
	} else if !ok {
		metrics.JoinRejected.WithLabelValues("email_rate").Inc()
		writeError(w, http.StatusTooManyRequests, "too many joins for this email")
		return
	}

	res, err := s.store.Join(ctx, name, email, ip)
	if errors.Is(err, store.ErrDuplicateEntry) {
		metrics.JoinRejected.WithLabelValues("duplicate").Inc()
		writeError(w, http.StatusConflict, "this email is already in the queue")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "api.join_failed").
			Msg("admission write failed")
		writeError(w, http.StatusInternalServerError, "admission unavailable")
		return
	}

	rank, err := s.store.WaitingRank(ctx, res.EntryID)
	if err != nil {
		rank = res.Position
	}
	s.logger.Info().
		Str("event", "api.join").
		Str(log.FieldEntryID, res.EntryID).
		Int("position", res.Position).
		Msg("player joined queue")

	s.machine.NotifyQueueChanged(ctx)
	s.machine.Advance(ctx)

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":                  res.RawToken,
		"entry_id":               res.EntryID,
		"position":               res.Position,
		"players_ahead":          rank - 1,
		"estimated_wait_seconds": (rank - 1) * settings.TurnTimeSeconds,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := bearerToken(r)
	if token == "" {
		writeUnauthorized(w)
		return
	}
	entry, err := s.store.GetByToken(ctx, s.store.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if entry.Terminal() {
		writeError(w, http.StatusConflict, "entry already finished")
		return
	}

	// A live entry leaves through the machine so the turn ends
	// cleanly; a waiting entry is cancelled directly.
	if !s.machine.CancelEntry(ctx, entry.ID) {
		if _, err := s.store.Leave(ctx, entry.TokenHash); err != nil {
			writeError(w, http.StatusConflict, "entry already finished")
			return
		}
	}
	s.machine.NotifyQueueChanged(ctx)
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	snap := s.machine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_length":         status.QueueLength,
		"current_player":       status.CurrentPlayer,
		"current_player_state": status.CurrentPlayerState,
		"state":                snap.State,
		"paused":               snap.Paused,
		"locked":               snap.Locked,
		"current_try":          snap.CurrentTry,
		"max_tries":            snap.MaxTries,
		"state_seconds_left":   snap.StateSecondsLeft,
		"turn_seconds_left":    snap.TurnSecondsLeft,
		"spectators":           s.hub.Count(),
	})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	if items == nil {
		items = []store.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": items})
}

func (s *Server) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := bearerToken(r)
	if token == "" {
		writeUnauthorized(w)
		return
	}
	entry, err := s.store.GetByToken(ctx, s.store.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := map[string]any{
		"entry_id":   entry.ID,
		"name":       entry.Name,
		"state":      entry.State,
		"position":   entry.Position,
		"tries_used": entry.TriesUsed,
	}
	if entry.Result != "" {
		resp["result"] = entry.Result
	}
	if !entry.Terminal() {
		rank, err := s.store.WaitingRank(ctx, entry.ID)
		if err == nil {
			resp["players_ahead"] = rank - 1
			resp["estimated_wait_seconds"] = (rank - 1) * s.cfg.Snapshot().TurnTimeSeconds
		}
	}
	snap := s.machine.Snapshot()
	if snap.EntryID == entry.ID {
		resp["turn_state"] = snap.State
		resp["current_try"] = snap.CurrentTry
		resp["max_tries"] = snap.MaxTries
		resp["state_seconds_left"] = snap.StateSecondsLeft
		resp["turn_seconds_left"] = snap.TurnSecondsLeft
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.RecentResults(r.Context(), s.cfg.Snapshot().HistoryLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if items == nil {
		items = []store.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"state":          snap.State,
		"locked":         snap.Locked,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
