// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/store"
)

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ended := s.machine.AdminForceEnd(ctx, store.ResultAdminSkipped)
	if !ended {
		s.machine.Advance(ctx)
	}
	s.logger.Info().
		Str("event", "api.admin_advance").
		Bool("turn_ended", ended).
		Msg("operator advanced the queue")
	writeJSON(w, http.StatusOK, map[string]any{"turn_ended": ended})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.machine.Pause()
	s.logger.Info().Str("event", "api.admin_pause").Msg("admission paused")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.machine.Resume(r.Context())
	s.logger.Info().Str("event", "api.admin_resume").Msg("admission resumed")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.machine.EmergencyStop(r.Context())
	s.logger.Warn().Str("event", "api.admin_emergency_stop").Msg("operator emergency stop")
	writeJSON(w, http.StatusOK, map[string]any{"locked": true})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.machine.Unlock(r.Context())
	s.logger.Info().Str("event", "api.admin_unlock").Msg("operator unlocked actuator")
	writeJSON(w, http.StatusOK, map[string]any{"locked": false})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entryID := chi.URLParam(r, "entryID")

	// Live entries end their turn; queued ones are cancelled in place.
	if !s.machine.CancelEntry(ctx, entryID) {
		if err := s.store.Cancel(ctx, entryID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeNotFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, "kick failed")
			return
		}
	}
	s.machine.NotifyQueueChanged(ctx)
	s.logger.Info().
		Str("event", "api.admin_kick").
		Str(log.FieldEntryID, entryID).
		Msg("operator kicked entry")
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	items, err := s.store.ListQueue(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	if items == nil {
		items = []store.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":            stats,
		"queue":            items,
		"machine":          s.machine.Snapshot(),
		"spectators":       s.hub.Count(),
		"control_sessions": s.control.SessionCount(),
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"editable": config.EditableKeys(),
		"values":   s.cfg.EditableValues(),
	})
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, 16384)
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	next, err := s.cfg.Update(changes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Actuator timing keys take effect immediately.
	if s.act != nil {
		s.act.Retune(gpio.ConfigFromSettings(next))
	}
	s.logger.Info().
		Str("event", "api.config_updated").
		Int("keys", len(changes)).
		Msg("runtime configuration updated")
	writeJSON(w, http.StatusOK, map[string]any{"values": s.cfg.EditableValues()})
}
