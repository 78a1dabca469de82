// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tempoforge/turnsync/internal/session"
)

// maxBodyBytes bounds request bodies; session drafts are small.
const maxBodyBytes = 1 << 20

type createSessionRequest struct {
	SessionID           string                 `json:"session_id"`
	SyncMode            session.SyncMode       `json:"sync_mode"`
	Participants        []session.Participant  `json:"participants"`
	Groups              []session.Group        `json:"groups,omitempty"`
	ActiveParticipantID string                 `json:"active_participant_id,omitempty"`
	ActiveGroupID       string                 `json:"active_group_id,omitempty"`
	TotalTimeMS         int64                  `json:"total_time_ms,omitempty"`
	TimePerCycleMS      int64                  `json:"time_per_cycle_ms,omitempty"`
	IncrementMS         int64                  `json:"increment_ms,omitempty"`
	MaxTimeMS           int64                  `json:"max_time_ms,omitempty"`
	TimeoutAction       *session.TimeoutAction `json:"timeout_action,omitempty"`
}

func (req *createSessionRequest) toSession() *session.Session {
	return &session.Session{
		SessionID:           req.SessionID,
		SyncMode:            req.SyncMode,
		Participants:        req.Participants,
		Groups:              req.Groups,
		ActiveParticipantID: req.ActiveParticipantID,
		ActiveGroupID:       req.ActiveGroupID,
		TotalTimeMS:         req.TotalTimeMS,
		TimePerCycleMS:      req.TimePerCycleMS,
		IncrementMS:         req.IncrementMS,
		MaxTimeMS:           req.MaxTimeMS,
		TimeoutAction:       req.TimeoutAction,
	}
}

type switchRequest struct {
	NextParticipantID string `json:"next_participant_id,omitempty"`
	NextGroupID       string `json:"next_group_id,omitempty"`
}

type completeRequest struct {
	Cancel bool `json:"cancel,omitempty"`
}

// decodeJSON parses a request body. An empty body is admitted when the
// target's zero value is a valid request (switch, complete).
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return &session.ValidationError{Field: "body", Message: "unreadable request body"}
	}
	if len(data) == 0 {
		if allowEmpty {
			return nil
		}
		return &session.ValidationError{Field: "body", Message: "request body is required"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &session.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	// Trailing garbage after the JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &session.ValidationError{Field: "body", Message: "unexpected trailing data"}
	}
	return nil
}
