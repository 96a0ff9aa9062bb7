package auth

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is the single signal surfaced for every terminal
// authorization failure. Callers match it with errors.Is; user-facing
// messaging and redirect-to-login behavior belong to the caller.
var ErrSessionExpired = errors.New("session expired")

// Reason identifies which terminal path expired the session.
type Reason string

const (
	ReasonRefreshTokenExpired  Reason = "refresh token expired or absent"
	ReasonRefreshRequestFailed Reason = "refresh request failed"
	ReasonRetriesExhausted     Reason = "retries exhausted"
	ReasonLoggedOut            Reason = "logged out"
)

// SessionExpiredError carries the terminal reason and the original error
// detail for logging. It matches ErrSessionExpired via errors.Is.
type SessionExpiredError struct {
	Reason Reason
	Err    error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session expired: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session expired: %s", e.Reason)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }
