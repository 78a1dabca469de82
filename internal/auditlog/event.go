// SPDX-License-Identifier: MIT

// Package auditlog records every session state change durably: events are
// queued on a Redis list so the hot path never blocks on disk, and a
// worker pool drains them into the relational audit store.
package auditlog

import (
	"encoding/json"
	"time"

	"github.com/tempoforge/turnsync/internal/session"
)

// EventType names the transition that produced a record.
type EventType string

const (
	EventCreated   EventType = "session.created"
	EventStarted   EventType = "session.started"
	EventSwitched  EventType = "session.switched"
	EventPaused    EventType = "session.paused"
	EventResumed   EventType = "session.resumed"
	EventCompleted EventType = "session.completed"
	EventCancelled EventType = "session.cancelled"
	EventExpired   EventType = "session.expired"
	EventDeleted   EventType = "session.deleted"
)

// Event is one audit record. State carries the full post-transition
// snapshot; deletions have none.
type Event struct {
	SessionID  string          `json:"session_id"`
	Version    int64           `json:"version"`
	Type       EventType       `json:"type"`
	Status     session.Status  `json:"status,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	State      json.RawMessage `json:"state,omitempty"`
}

// FromState builds the audit event for a freshly written session state.
func FromState(typ EventType, st *session.Session) Event {
	raw, _ := json.Marshal(st)
	return Event{
		SessionID:  st.SessionID,
		Version:    st.Version,
		Type:       typ,
		Status:     st.Status,
		OccurredAt: st.UpdatedAt,
		State:      raw,
	}
}

// Deletion builds the audit event for a removed session. lastVersion is
// the final stored version; the event is recorded under its successor so
// it sorts after every transition and never collides with one.
func Deletion(id string, lastVersion int64) Event {
	return Event{
		SessionID:  id,
		Version:    lastVersion + 1,
		Type:       EventDeleted,
		OccurredAt: time.Now().UTC(),
	}
}
