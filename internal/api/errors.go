// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tempoforge/turnsync/internal/engine"
	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

// dataBody wraps every successful session-state response.
type dataBody struct {
	Data *session.Session `json:"data"`
}

// errorBody is the error envelope on every non-2xx JSON response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeState(w http.ResponseWriter, code int, st *session.Session) {
	writeJSON(w, code, dataBody{Data: st})
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// writeError maps a domain error onto the HTTP surface. Conflicts carry
// the version numbers so clients can resync without a second round trip.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr     *session.ValidationError
		conflict *store.VersionConflictError
		inv      *engine.InvalidTransitionError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", "session not found", nil)
	case errors.Is(err, store.ErrAlreadyExists):
		writeErrorCode(w, http.StatusConflict, "already_exists", "session already exists", nil)
	case errors.As(err, &conflict):
		writeErrorCode(w, http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"expected_version": conflict.Expected,
			"actual_version":   conflict.Actual,
		})
	case errors.Is(err, engine.ErrConflict):
		writeErrorCode(w, http.StatusConflict, "conflict_retries_exhausted",
			"the session is being modified concurrently, retry", nil)
	case errors.As(err, &inv):
		writeErrorCode(w, http.StatusBadRequest, "invalid_transition", err.Error(), map[string]any{
			"status": string(inv.Status),
		})
	case errors.As(err, &verr):
		writeErrorCode(w, http.StatusBadRequest, "validation_failed", verr.Message, map[string]any{
			"field": verr.Field,
		})
	case errors.Is(err, store.ErrUnavailable):
		writeErrorCode(w, http.StatusInternalServerError, "store_unavailable", "session store unavailable", nil)
	case errors.Is(err, store.ErrCorrupt):
		writeErrorCode(w, http.StatusInternalServerError, "state_corrupt", "stored session state is corrupt", nil)
	default:
		writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeErrorCode(w, http.StatusTooManyRequests, "rate_limited",
		"switch rate limit exceeded for this session", map[string]any{
			"retry_after_seconds": secs,
		})
}
