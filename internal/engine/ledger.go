// SPDX-License-Identifier: MIT

package engine

import (
	"time"

	"github.com/tempoforge/turnsync/internal/session"
)

// initLedgers resets every time ledger for the session's sync mode before
// the initial store write. Budgets come from the validated draft.
func initLedgers(s *session.Session) {
	for i := range s.Participants {
		p := &s.Participants[i]
		p.TimeUsedMS = 0
		p.CycleCount = 0
		p.HasGone = false
		p.HasExpired = false
		p.IsActive = false
		switch s.SyncMode {
		case session.ModePerParticipant:
			p.TimeRemainingMS = p.TotalTimeMS
		case session.ModePerCycle:
			p.TimeRemainingMS = s.TimePerCycleMS
		default:
			p.TimeRemainingMS = 0
		}
	}
	for i := range s.Groups {
		g := &s.Groups[i]
		g.TimeUsedMS = 0
		g.TimeRemainingMS = g.TotalTimeMS
	}
	s.TimeUsedMS = 0
	if s.SyncMode == session.ModeGlobal {
		s.TimeRemainingMS = s.TotalTimeMS
	} else {
		s.TimeRemainingMS = 0
	}
	s.ActiveGroupID = ""
}

// activateInitial hands the clock to the configured first participant, or
// the lowest rotation index when none is named.
func activateInitial(s *session.Session) {
	var first *session.Participant
	if s.ActiveParticipantID != "" {
		first = s.Participant(s.ActiveParticipantID)
	}
	if first == nil && len(s.Participants) > 0 {
		first = &s.Participants[0]
		for i := range s.Participants {
			if s.Participants[i].ParticipantIndex < first.ParticipantIndex {
				first = &s.Participants[i]
			}
		}
	}
	if first != nil {
		activate(s, first)
	}
}

// settleActive folds the time accrued since cycle start into the active
// entity's ledger. With markGone set (a switch, not a pause) the turn also
// counts: cycle_count increments and has_gone is set. Returns whether the
// settling entity ran out of budget.
func settleActive(s *session.Session, now time.Time, markGone bool) bool {
	elapsed := elapsedMS(s, now)
	p := s.ActiveParticipant()

	var expired bool
	switch s.SyncMode {
	case session.ModePerParticipant, session.ModePerCycle:
		if p != nil {
			p.TimeRemainingMS -= elapsed
			if p.TimeRemainingMS <= 0 {
				p.TimeRemainingMS = 0
				p.HasExpired = true
				expired = true
			}
			p.TimeUsedMS += elapsed
		}
	case session.ModePerGroup:
		if g := s.ActiveGroup(); g != nil {
			g.TimeRemainingMS -= elapsed
			if g.TimeRemainingMS <= 0 {
				g.TimeRemainingMS = 0
				expired = true
			}
			g.TimeUsedMS += elapsed
		}
		if p != nil {
			p.TimeUsedMS += elapsed
		}
	case session.ModeGlobal:
		s.TimeRemainingMS -= elapsed
		if s.TimeRemainingMS <= 0 {
			s.TimeRemainingMS = 0
			expired = true
		}
		s.TimeUsedMS += elapsed
		if p != nil {
			p.TimeUsedMS += elapsed
		}
	case session.ModeCountUp:
		s.TimeUsedMS += elapsed
		if s.MaxTimeMS > 0 && s.TimeUsedMS >= s.MaxTimeMS {
			s.TimeUsedMS = s.MaxTimeMS
			expired = true
		}
		if p != nil {
			p.TimeUsedMS += elapsed
		}
	}

	if markGone && p != nil {
		p.CycleCount++
		p.HasGone = true
		resetGoneOnFullCycle(s)
	}
	return expired
}

// resetGoneOnFullCycle clears the has_gone flags once every participant
// has taken a turn, opening the next cycle.
func resetGoneOnFullCycle(s *session.Session) {
	for i := range s.Participants {
		if !s.Participants[i].HasGone {
			return
		}
	}
	for i := range s.Participants {
		s.Participants[i].HasGone = false
	}
}

// sessionExpired reports whether a session-bound ledger (global budget or
// count-up cap) has run out. Entity-bound modes never trip this.
func sessionExpired(s *session.Session) bool {
	switch s.SyncMode {
	case session.ModeGlobal:
		return s.TimeRemainingMS <= 0
	case session.ModeCountUp:
		return s.MaxTimeMS > 0 && s.TimeUsedMS >= s.MaxTimeMS
	}
	return false
}

// awardIncrement credits the configured per-turn bonus to the entity that
// just finished its turn. Per-cycle budgets reset on activation, so no
// increment applies there.
func awardIncrement(s *session.Session) {
	switch s.SyncMode {
	case session.ModePerParticipant:
		if p := s.ActiveParticipant(); p != nil && !p.HasExpired {
			p.TimeRemainingMS += s.IncrementMS
		}
	case session.ModePerGroup:
		if g := s.ActiveGroup(); g != nil && g.TimeRemainingMS > 0 {
			g.TimeRemainingMS += s.IncrementMS
		}
	case session.ModeGlobal:
		if s.TimeRemainingMS > 0 {
			s.TimeRemainingMS += s.IncrementMS
		}
	}
}

// resolveNext picks the participant to activate. An explicit target is
// validated against the roster; otherwise round-robin rotation by
// ascending participant_index, skipping exhausted entities, decides. A nil
// result with nil error means nobody eligible remains.
func resolveNext(s *session.Session, next *NextTarget) (*session.Participant, error) {
	if next != nil && next.ParticipantID != "" {
		p := s.Participant(next.ParticipantID)
		if p == nil {
			return nil, &session.ValidationError{Field: "next_participant_id", Message: "unknown participant"}
		}
		if !eligible(s, p) {
			return nil, &session.ValidationError{Field: "next_participant_id", Message: "participant has no time remaining"}
		}
		return p, nil
	}
	if next != nil && next.GroupID != "" {
		g := s.Group(next.GroupID)
		if g == nil {
			return nil, &session.ValidationError{Field: "next_group_id", Message: "unknown group"}
		}
		if g.TimeRemainingMS <= 0 {
			return nil, &session.ValidationError{Field: "next_group_id", Message: "group has no time remaining"}
		}
		if p := rotationNextIn(s, func(p *session.Participant) bool { return p.GroupID == g.GroupID }); p != nil {
			return p, nil
		}
		return nil, &session.ValidationError{Field: "next_group_id", Message: "group has no participants"}
	}
	return rotationNextIn(s, func(p *session.Participant) bool { return eligible(s, p) }), nil
}

// rotationNextIn walks the roster in ascending index order starting after
// the active participant, wrapping once, and returns the first participant
// admitted by the filter. Indexes are validated ascending at creation, so
// slice order is rotation order.
func rotationNextIn(s *session.Session, admit func(*session.Participant) bool) *session.Participant {
	n := len(s.Participants)
	if n == 0 {
		return nil
	}
	start := 0
	if active := s.ActiveParticipant(); active != nil {
		for i := range s.Participants {
			if s.Participants[i].ParticipantID == active.ParticipantID {
				start = i + 1
				break
			}
		}
	}
	for off := 0; off < n; off++ {
		p := &s.Participants[(start+off)%n]
		if admit(p) {
			return p
		}
	}
	return nil
}

// eligible reports whether a participant may still take turns. Only the
// entity-budgeted modes exhaust individual seats.
func eligible(s *session.Session, p *session.Participant) bool {
	switch s.SyncMode {
	case session.ModePerParticipant:
		return !p.HasExpired
	case session.ModePerGroup:
		g := s.Group(p.GroupID)
		return g != nil && g.TimeRemainingMS > 0
	}
	return true
}

// activate hands the clock to the given participant. Per-cycle mode
// refills the turn budget on every activation.
func activate(s *session.Session, p *session.Participant) {
	s.ClearActive()
	p.IsActive = true
	s.ActiveParticipantID = p.ParticipantID
	if s.SyncMode == session.ModePerGroup {
		s.ActiveGroupID = p.GroupID
	}
	if s.SyncMode == session.ModePerCycle {
		p.TimeRemainingMS = s.TimePerCycleMS
		p.HasExpired = false
	}
}

// applyTimeout runs the configured timeout policy after the active ledger
// hit zero. Default is ending the session.
func applyTimeout(s *session.Session, now time.Time) {
	typ := session.TimeoutEndSession
	if s.TimeoutAction != nil {
		typ = s.TimeoutAction.Type
	}
	// Session-bound ledgers leave nothing to skip to or act within.
	if sessionExpired(s) {
		typ = session.TimeoutEndSession
	}

	switch typ {
	case session.TimeoutSkipCycle:
		target := rotationNextIn(s, func(p *session.Participant) bool { return eligible(s, p) })
		if target == nil {
			expireSession(s, now)
			return
		}
		activate(s, target)
		s.CycleStartedAt = &now
	case session.TimeoutAutoAction, session.TimeoutNotify:
		// The session keeps running on a zeroed ledger until a client
		// reacts; the expired flag keeps reads from re-triggering this.
		s.CycleStartedAt = &now
	default:
		expireSession(s, now)
	}
}

func expireSession(s *session.Session, now time.Time) {
	s.Status = session.StatusExpired
	s.SessionCompletedAt = &now
	s.CycleStartedAt = nil
	s.ClearActive()
}

// derivedExpired reports whether the running clock, projected to now, has
// exhausted the active ledger since the last write. Already-settled zero
// ledgers do not re-trip.
func derivedExpired(s *session.Session, now time.Time) bool {
	if s.CycleStartedAt == nil {
		return false
	}
	elapsed := elapsedMS(s, now)
	switch s.SyncMode {
	case session.ModePerParticipant, session.ModePerCycle:
		p := s.ActiveParticipant()
		return p != nil && !p.HasExpired && p.TimeRemainingMS-elapsed <= 0
	case session.ModePerGroup:
		g := s.ActiveGroup()
		return g != nil && g.TimeRemainingMS > 0 && g.TimeRemainingMS-elapsed <= 0
	case session.ModeGlobal:
		return s.TimeRemainingMS > 0 && s.TimeRemainingMS-elapsed <= 0
	case session.ModeCountUp:
		return s.MaxTimeMS > 0 && s.TimeUsedMS < s.MaxTimeMS && s.TimeUsedMS+elapsed >= s.MaxTimeMS
	}
	return false
}

func elapsedMS(s *session.Session, now time.Time) int64 {
	if s.CycleStartedAt == nil {
		return 0
	}
	ms := now.Sub(*s.CycleStartedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
