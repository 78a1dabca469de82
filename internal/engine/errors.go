// SPDX-License-Identifier: MIT

package engine

import (
	"errors"
	"fmt"

	"github.com/tempoforge/turnsync/internal/session"
)

// ErrConflict is returned when a transition keeps losing the optimistic
// version race after the configured number of retries. Safe to retry.
var ErrConflict = errors.New("transition conflict: retries exhausted")

// InvalidTransitionError reports a state-machine rejection: the requested
// operation is not admitted from the session's current status.
type InvalidTransitionError struct {
	Op     string
	Status session.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a session in status %q", e.Op, string(e.Status))
}

func invalidTransition(op string, status session.Status) error {
	return &InvalidTransitionError{Op: op, Status: status}
}
