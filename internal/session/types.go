// SPDX-License-Identifier: MIT

// Package session defines the synchronized session state model: the entity
// stored in the hot store, pushed to observers, and mutated by the engine.
// All durations are integer milliseconds; timestamps serialize as RFC3339.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncMode selects which entity accrues time while the session runs.
type SyncMode string

const (
	ModePerParticipant SyncMode = "per_participant"
	ModePerCycle       SyncMode = "per_cycle"
	ModePerGroup       SyncMode = "per_group"
	ModeGlobal         SyncMode = "global"
	ModeCountUp        SyncMode = "count_up"
)

// Valid reports whether the mode is a known variant.
func (m SyncMode) Valid() bool {
	switch m {
	case ModePerParticipant, ModePerCycle, ModePerGroup, ModeGlobal, ModeCountUp:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown sync modes so corrupt stored state is
// detected at deserialization rather than misbehaving later.
func (m *SyncMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v := SyncMode(s)
	if !v.Valid() {
		return fmt.Errorf("unknown sync_mode %q", s)
	}
	*m = v
	return nil
}

// Status is the session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether the status is a known variant.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	st := Status(v)
	if !st.Valid() {
		return fmt.Errorf("unknown status %q", v)
	}
	*s = st
	return nil
}

// TimeoutActionType tags the policy applied when the active entity's
// remaining time reaches zero.
type TimeoutActionType string

const (
	TimeoutSkipCycle  TimeoutActionType = "skip_cycle"
	TimeoutEndSession TimeoutActionType = "end_session"
	TimeoutAutoAction TimeoutActionType = "auto_action"
	TimeoutNotify     TimeoutActionType = "notify"
)

// Valid reports whether the timeout action type is a known variant.
func (t TimeoutActionType) Valid() bool {
	switch t {
	case TimeoutSkipCycle, TimeoutEndSession, TimeoutAutoAction, TimeoutNotify:
		return true
	}
	return false
}

// TimeoutAction describes what happens when an entity's budget hits zero.
type TimeoutAction struct {
	Type TimeoutActionType `json:"type"`
	// Outcome applies to end_session (e.g. "timeout_loss").
	Outcome string `json:"outcome,omitempty"`
	// Action applies to auto_action and notify.
	Action string `json:"action,omitempty"`
}

// Participant is one rotation seat with its own time ledger.
type Participant struct {
	ParticipantID    string `json:"participant_id"`
	ParticipantIndex int    `json:"participant_index"`
	TotalTimeMS      int64  `json:"total_time_ms"`
	TimeRemainingMS  int64  `json:"time_remaining_ms"`
	TimeUsedMS       int64  `json:"time_used_ms"`
	CycleCount       int    `json:"cycle_count"`
	HasGone          bool   `json:"has_gone"`
	HasExpired       bool   `json:"has_expired"`
	IsActive         bool   `json:"is_active"`
	GroupID          string `json:"group_id,omitempty"`
}

// Group pools a time budget across its member participants (per_group mode).
type Group struct {
	GroupID         string   `json:"group_id"`
	TotalTimeMS     int64    `json:"total_time_ms"`
	TimeRemainingMS int64    `json:"time_remaining_ms"`
	TimeUsedMS      int64    `json:"time_used_ms"`
	ParticipantIDs  []string `json:"participant_ids"`
}

// Session is the unit of synchronization. It is owned by the hot store;
// every mutation re-reads it and writes back under optimistic versioning.
type Session struct {
	SessionID           string        `json:"session_id"`
	SyncMode            SyncMode      `json:"sync_mode"`
	Status              Status        `json:"status"`
	Version             int64         `json:"version"`
	Participants        []Participant `json:"participants"`
	Groups              []Group       `json:"groups,omitempty"`
	ActiveParticipantID string        `json:"active_participant_id,omitempty"`
	ActiveGroupID       string        `json:"active_group_id,omitempty"`

	TotalTimeMS    int64 `json:"total_time_ms"`
	TimePerCycleMS int64 `json:"time_per_cycle_ms,omitempty"`
	IncrementMS    int64 `json:"increment_ms,omitempty"`
	MaxTimeMS      int64 `json:"max_time_ms,omitempty"`

	// Session-level ledger, used by the global and count_up modes where
	// time accrues against the session rather than a participant.
	TimeRemainingMS int64 `json:"time_remaining_ms,omitempty"`
	TimeUsedMS      int64 `json:"time_used_ms,omitempty"`

	TimeoutAction *TimeoutAction `json:"timeout_action,omitempty"`

	CycleStartedAt     *time.Time `json:"cycle_started_at,omitempty"`
	SessionStartedAt   *time.Time `json:"session_started_at,omitempty"`
	SessionCompletedAt *time.Time `json:"session_completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Clone returns a deep copy. The engine mutates copies, never the value it
// read, so a failed write leaves no partial state behind.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	if s.Groups != nil {
		out.Groups = make([]Group, len(s.Groups))
		for i, g := range s.Groups {
			out.Groups[i] = g
			out.Groups[i].ParticipantIDs = append([]string(nil), g.ParticipantIDs...)
		}
	}
	if s.TimeoutAction != nil {
		ta := *s.TimeoutAction
		out.TimeoutAction = &ta
	}
	out.CycleStartedAt = cloneTime(s.CycleStartedAt)
	out.SessionStartedAt = cloneTime(s.SessionStartedAt)
	out.SessionCompletedAt = cloneTime(s.SessionCompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Participant returns the participant with the given id, or nil.
func (s *Session) Participant(id string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ParticipantID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

// Group returns the group with the given id, or nil.
func (s *Session) Group(id string) *Group {
	for i := range s.Groups {
		if s.Groups[i].GroupID == id {
			return &s.Groups[i]
		}
	}
	return nil
}

// ActiveParticipant returns the currently accruing participant, or nil.
func (s *Session) ActiveParticipant() *Participant {
	if s.ActiveParticipantID == "" {
		return nil
	}
	return s.Participant(s.ActiveParticipantID)
}

// ActiveGroup returns the currently accruing group, or nil.
func (s *Session) ActiveGroup() *Group {
	if s.ActiveGroupID == "" {
		return nil
	}
	return s.Group(s.ActiveGroupID)
}

// ClearActive sets every participant inactive and clears the active ids.
func (s *Session) ClearActive() {
	for i := range s.Participants {
		s.Participants[i].IsActive = false
	}
	s.ActiveParticipantID = ""
	s.ActiveGroupID = ""
}
