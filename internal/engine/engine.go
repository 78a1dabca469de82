// SPDX-License-Identifier: MIT

// Package engine encodes the transition algebra of a session: start,
// switch, pause, resume, complete. Every mutation re-reads the state from
// the hot store, applies the transition to a copy, and writes back under
// the observed version; version races are retried with jittered back-off.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempoforge/turnsync/internal/metrics"
	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

// NextTarget optionally names the entity a switch should hand the clock
// to. When empty, rotation order decides.
type NextTarget struct {
	ParticipantID string
	GroupID       string
}

// Engine drives session transitions against the hot store. It holds no
// session state of its own; the store is the only authority.
type Engine struct {
	store    *store.Store
	retryMax int
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an engine. retryMax bounds local retries on version
// conflicts before ErrConflict surfaces to the caller.
func New(st *store.Store, retryMax int, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		retryMax: retryMax,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateSession validates the draft, initializes all ledgers for its sync
// mode, and stores it as pending. The store assigns version 1 and the
// created/updated timestamps.
func (e *Engine) CreateSession(ctx context.Context, draft *session.Session) (*session.Session, error) {
	if err := session.ValidateNew(draft); err != nil {
		return nil, err
	}

	st := draft.Clone()
	st.Status = session.StatusPending
	st.SessionStartedAt = nil
	st.SessionCompletedAt = nil
	st.CycleStartedAt = nil
	initLedgers(st)

	if err := e.store.Create(ctx, st); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("session_id", st.SessionID).
		Str("sync_mode", string(st.SyncMode)).
		Int("participants", len(st.Participants)).
		Str("event", "session.created").
		Msg("session created")
	return st, nil
}

// StartSession moves a pending session to running, fixes the session
// start timestamp, and activates the first entity in rotation order (or
// the configured one).
func (e *Engine) StartSession(ctx context.Context, id string) (*session.Session, error) {
	return e.mutate(ctx, id, "start", func(s *session.Session) error {
		if s.Status != session.StatusPending {
			return invalidTransition("start", s.Status)
		}
		now := e.now().UTC()
		s.Status = session.StatusRunning
		s.SessionStartedAt = &now
		activateInitial(s)
		s.CycleStartedAt = &now
		return nil
	})
}

// SwitchCycle settles the active entity's ledger and hands the clock to
// the next one. This is the hot path.
func (e *Engine) SwitchCycle(ctx context.Context, id string, next *NextTarget) (*session.Session, error) {
	return e.mutate(ctx, id, "switch", func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return invalidTransition("switch", s.Status)
		}
		now := e.now().UTC()
		expired := settleActive(s, now, true)

		// Session-bound modes expire as a whole, not per entity.
		if sessionExpired(s) {
			applyTimeout(s, now)
			return nil
		}

		if s.IncrementMS > 0 && !expired && s.SyncMode != session.ModeCountUp {
			awardIncrement(s)
		}

		target, err := resolveNext(s, next)
		if err != nil {
			return err
		}
		if target == nil {
			// Every eligible entity is out of time.
			applyTimeout(s, now)
			return nil
		}

		activate(s, target)
		s.CycleStartedAt = &now
		return nil
	})
}

// PauseSession folds the accrued time into the active entity's ledger and
// suspends the clock. No increment is awarded.
func (e *Engine) PauseSession(ctx context.Context, id string) (*session.Session, error) {
	return e.mutate(ctx, id, "pause", func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return invalidTransition("pause", s.Status)
		}
		now := e.now().UTC()
		settleActive(s, now, false)
		s.CycleStartedAt = nil
		s.Status = session.StatusPaused
		// Paused sessions carry no active flag; the active ids are kept
		// so resume knows whose turn it is.
		for i := range s.Participants {
			s.Participants[i].IsActive = false
		}
		return nil
	})
}

// ResumeSession restarts the clock for the entity that was active when
// the session was paused.
func (e *Engine) ResumeSession(ctx context.Context, id string) (*session.Session, error) {
	return e.mutate(ctx, id, "resume", func(s *session.Session) error {
		if s.Status != session.StatusPaused {
			return invalidTransition("resume", s.Status)
		}
		now := e.now().UTC()
		s.Status = session.StatusRunning
		if p := s.ActiveParticipant(); p != nil {
			p.IsActive = true
		}
		s.CycleStartedAt = &now
		return nil
	})
}

// CompleteSession finishes a session from any non-completed status. A
// running session first has its active ledger settled. With cancel set
// the terminal status is cancelled instead of completed.
func (e *Engine) CompleteSession(ctx context.Context, id string, cancel bool) (*session.Session, error) {
	op := "complete"
	if cancel {
		op = "cancel"
	}
	return e.mutate(ctx, id, op, func(s *session.Session) error {
		if s.Status == session.StatusCompleted {
			return invalidTransition(op, s.Status)
		}
		now := e.now().UTC()
		if s.Status == session.StatusRunning {
			settleActive(s, now, false)
		}
		if cancel {
			s.Status = session.StatusCancelled
		} else {
			s.Status = session.StatusCompleted
		}
		s.SessionCompletedAt = &now
		s.CycleStartedAt = nil
		s.ClearActive()
		return nil
	})
}

// DeleteSession removes the session unconditionally. Idempotent.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// GetCurrentState reads the session. If the active entity's derived
// remaining time has reached zero while nobody switched, the configured
// timeout action is applied first so readers never observe a running
// session that is actually out of time. Remaining time is always derived
// from timestamps; no server-side timer ticks.
func (e *Engine) GetCurrentState(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusRunning || !derivedExpired(s, e.now().UTC()) {
		return s, nil
	}

	updated, err := e.mutate(ctx, id, "timeout", func(s *session.Session) error {
		if s.Status != session.StatusRunning {
			return nil
		}
		now := e.now().UTC()
		if !derivedExpired(s, now) {
			return nil
		}
		settleActive(s, now, true)
		applyTimeout(s, now)
		return nil
	})
	if err != nil {
		// The timeout will be applied by the next mutation; serve the
		// stored state rather than failing the read.
		e.logger.Warn().Err(err).
			Str("session_id", id).
			Str("event", "session.timeout_deferred").
			Msg("could not apply timeout on read")
		return s, nil
	}
	return updated, nil
}

// mutate runs the read-apply-write loop with bounded retries on version
// conflicts. The transition is re-validated on every attempt because the
// raced-in state may no longer admit it.
func (e *Engine) mutate(ctx context.Context, id, op string, apply func(*session.Session) error) (*session.Session, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}

		updated, err := e.store.Update(ctx, id, next, current.Version)
		if err == nil {
			return updated, nil
		}

		var conflict *store.VersionConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		metrics.IncConflictRetry()
		if attempt >= e.retryMax {
			e.logger.Warn().
				Str("session_id", id).
				Str("op", op).
				Int("attempts", attempt+1).
				Str("event", "session.conflict_exhausted").
				Msg("giving up on version race")
			return nil, fmt.Errorf("%w: %s on session %s", ErrConflict, op, id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conflictBackoff()):
		}
	}
}

// conflictBackoff returns a short jittered delay between retry attempts.
func conflictBackoff() time.Duration {
	return time.Duration(5+rand.Intn(10)) * time.Millisecond //nolint:gosec // jitter, not crypto
}
