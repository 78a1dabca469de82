// SPDX-License-Identifier: MIT

package session

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a rejected field with its path, so callers can
// surface precise messages without parsing error strings.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateNew checks a session draft before it is first stored. It covers
// shape and referential consistency; lifecycle fields (version, status,
// timestamps) are owned by the engine and store.
func ValidateNew(s *Session) error {
	if _, err := uuid.Parse(s.SessionID); err != nil {
		return invalid("session_id", "must be a UUID")
	}
	if !s.SyncMode.Valid() {
		return invalid("sync_mode", "unknown mode %q", string(s.SyncMode))
	}
	if len(s.Participants) == 0 {
		return invalid("participants", "at least one participant is required")
	}
	if s.TotalTimeMS < 0 {
		return invalid("total_time_ms", "must not be negative")
	}
	if s.TimePerCycleMS < 0 {
		return invalid("time_per_cycle_ms", "must not be negative")
	}
	if s.IncrementMS < 0 {
		return invalid("increment_ms", "must not be negative")
	}
	if s.MaxTimeMS < 0 {
		return invalid("max_time_ms", "must not be negative")
	}
	if s.TimeoutAction != nil && !s.TimeoutAction.Type.Valid() {
		return invalid("timeout_action.type", "unknown timeout action %q", string(s.TimeoutAction.Type))
	}

	if err := validateParticipants(s); err != nil {
		return err
	}
	if err := validateGroups(s); err != nil {
		return err
	}

	if s.ActiveParticipantID != "" && s.Participant(s.ActiveParticipantID) == nil {
		return invalid("active_participant_id", "references unknown participant %q", s.ActiveParticipantID)
	}
	if s.ActiveGroupID != "" {
		if s.SyncMode != ModePerGroup {
			return invalid("active_group_id", "only valid in per_group mode")
		}
		if s.Group(s.ActiveGroupID) == nil {
			return invalid("active_group_id", "references unknown group %q", s.ActiveGroupID)
		}
	}
	return nil
}

func validateParticipants(s *Session) error {
	seenIDs := make(map[string]bool, len(s.Participants))
	seenIdx := make(map[int]bool, len(s.Participants))
	lastIdx := -1
	for i, p := range s.Participants {
		field := fmt.Sprintf("participants[%d]", i)
		if _, err := uuid.Parse(p.ParticipantID); err != nil {
			return invalid(field+".participant_id", "must be a UUID")
		}
		if seenIDs[p.ParticipantID] {
			return invalid(field+".participant_id", "duplicate id %q", p.ParticipantID)
		}
		seenIDs[p.ParticipantID] = true
		if p.ParticipantIndex < 0 {
			return invalid(field+".participant_index", "must not be negative")
		}
		if seenIdx[p.ParticipantIndex] {
			return invalid(field+".participant_index", "duplicate index %d", p.ParticipantIndex)
		}
		seenIdx[p.ParticipantIndex] = true
		// Rotation order follows list order; indexes must be ascending.
		if p.ParticipantIndex <= lastIdx {
			return invalid(field+".participant_index", "indexes must be strictly ascending")
		}
		lastIdx = p.ParticipantIndex
		if p.TotalTimeMS < 0 {
			return invalid(field+".total_time_ms", "must not be negative")
		}
		if s.SyncMode == ModePerGroup && p.GroupID == "" {
			return invalid(field+".group_id", "required in per_group mode")
		}
	}
	return nil
}

func validateGroups(s *Session) error {
	if s.SyncMode != ModePerGroup {
		if len(s.Groups) > 0 {
			return invalid("groups", "only valid in per_group mode")
		}
		return nil
	}
	if len(s.Groups) == 0 {
		return invalid("groups", "at least one group is required in per_group mode")
	}
	seen := make(map[string]bool, len(s.Groups))
	for i, g := range s.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		if g.GroupID == "" {
			return invalid(field+".group_id", "must not be empty")
		}
		if seen[g.GroupID] {
			return invalid(field+".group_id", "duplicate id %q", g.GroupID)
		}
		seen[g.GroupID] = true
		if g.TotalTimeMS < 0 {
			return invalid(field+".total_time_ms", "must not be negative")
		}
		for j, pid := range g.ParticipantIDs {
			if s.Participant(pid) == nil {
				return invalid(fmt.Sprintf("%s.participant_ids[%d]", field, j), "references unknown participant %q", pid)
			}
		}
	}
	for i, p := range s.Participants {
		if s.Group(p.GroupID) == nil {
			return invalid(fmt.Sprintf("participants[%d].group_id", i), "references unknown group %q", p.GroupID)
		}
	}
	return nil
}
