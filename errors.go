package oauth

import (
	"fmt"
)

const (
	KindValidation    = "validation"
	KindProviderAuth  = "provider_auth"
	KindStateMismatch = "state_mismatch"
	KindNetwork       = "network"
	KindSession       = "session"
)

// ValidationError means the provider answered with a body matching neither the
// success nor the failure schema. The body itself is never kept.
type ValidationError struct {
	Op     string
	Status int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: provider response did not match a known schema (status %d): %s", e.Op, e.Status, e.Reason)
}

func (e *ValidationError) Kind() string    { return KindValidation }
func (e *ValidationError) Retryable() bool { return false }

// ProviderAuthError carries the provider's own error code.
type ProviderAuthError struct {
	Op          string
	Status      int
	Code        string
	Description string
}

func (e *ProviderAuthError) Error() string {
	return fmt.Sprintf("%s: provider rejected request (%s)", e.Op, e.Code)
}

func (e *ProviderAuthError) Kind() string    { return KindProviderAuth }
func (e *ProviderAuthError) Retryable() bool { return false }

const (
	StateMissing   = "missing"
	StateMalformed = "malformed"
	StateMismatch  = "mismatch"
	StateExpired   = "expired"
)

// StateMismatchError is fatal to the callback that produced it. The user has
// to start a new login.
type StateMismatchError struct {
	Reason string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("oauth state rejected: %s", e.Reason)
}

func (e *StateMismatchError) Kind() string    { return KindStateMismatch }
func (e *StateMismatchError) Retryable() bool { return false }

// NetworkError covers timeouts, connection failures and 5xx answers.
type NetworkError struct {
	Op      string
	Status  int
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: provider request timed out", e.Op)
	case e.Status != 0:
		return fmt.Sprintf("%s: provider returned status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: provider request failed: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Kind() string    { return KindNetwork }
func (e *NetworkError) Retryable() bool { return true }

// SessionError means the session store could not be read or written.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session store: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error   { return e.Err }
func (e *SessionError) Kind() string    { return KindSession }
func (e *SessionError) Retryable() bool { return false }
