// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tempoforge/turnsync/internal/auditlog"
	"github.com/tempoforge/turnsync/internal/engine"
	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.engine.CreateSession(r.Context(), req.toSession())
	if err != nil {
		writeError(w, err)
		return
	}

	s.record(r.Context(), auditlog.EventCreated, created)
	writeState(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetCurrentState(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeState(w, http.StatusOK, st)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)

	// The deletion record needs the last stored version so it sorts after
	// every transition in the audit trail. A missing session is still a
	// 204, but produces no event.
	var lastVersion int64
	existed := false
	if st, err := s.engine.GetCurrentState(r.Context(), id); err == nil {
		lastVersion = st.Version
		existed = true
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}

	if err := s.engine.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if existed && s.audit != nil {
		if err := s.audit.Enqueue(r.Context(), auditlog.Deletion(id, lastVersion)); err != nil {
			s.logger.Error().Err(err).Str("session_id", id).Msg("failed to enqueue audit event")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.StartSession(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), auditlog.EventStarted, st)
	writeState(w, http.StatusOK, st)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)

	if s.limiter != nil {
		ok, retryAfter, err := s.limiter.Allow(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeRateLimited(w, retryAfter)
			return
		}
	}

	var req switchRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	var next *engine.NextTarget
	if req.NextParticipantID != "" || req.NextGroupID != "" {
		next = &engine.NextTarget{ParticipantID: req.NextParticipantID, GroupID: req.NextGroupID}
	}

	st, err := s.engine.SwitchCycle(r.Context(), id, next)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), switchEventType(st), st)
	writeState(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.PauseSession(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), auditlog.EventPaused, st)
	writeState(w, http.StatusOK, st)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.ResumeSession(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), auditlog.EventResumed, st)
	writeState(w, http.StatusOK, st)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	st, err := s.engine.CompleteSession(r.Context(), sessionID(r), req.Cancel)
	if err != nil {
		writeError(w, err)
		return
	}
	typ := auditlog.EventCompleted
	if req.Cancel {
		typ = auditlog.EventCancelled
	}
	s.record(r.Context(), typ, st)
	writeState(w, http.StatusOK, st)
}

func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.oracle.Now())
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

// requireSessionID rejects malformed session identifiers before any
// handler touches the store, so a garbled id reads as a client error
// rather than a miss.
func requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := uuid.Parse(sessionID(r)); err != nil {
			writeError(w, &session.ValidationError{Field: "session_id", Message: "must be a valid UUID"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// switchEventType distinguishes a switch that tripped the timeout policy
// from a plain rotation.
func switchEventType(st *session.Session) auditlog.EventType {
	if st.Status == session.StatusExpired {
		return auditlog.EventExpired
	}
	return auditlog.EventSwitched
}

func (s *Server) record(ctx context.Context, typ auditlog.EventType, st *session.Session) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Enqueue(ctx, auditlog.FromState(typ, st)); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", st.SessionID).
			Str("event", "audit.enqueue_failed").
			Msg("failed to enqueue audit event")
	}
}
