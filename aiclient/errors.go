package aiclient

import (
	"errors"
	"fmt"
)

// AuthError is returned on 401/403 from the AI service. It points at a
// credential or configuration problem and is never retried.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ai service rejected credentials (status %d)", e.Status)
}

// TimeoutError is returned when a single upstream call exceeds its deadline.
// Timeouts are treated as transient and retried.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UpstreamError is a non-auth failure from the AI service. Transient ones
// (connection errors, 5xx) are retried; the rest propagate immediately.
type UpstreamError struct {
	Op        string
	Status    int
	Body      string
	Transient bool
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Body)
}

// SchemaError is an upstream contract violation: the call succeeded at the
// HTTP level but the payload shape does not match what was configured.
// Retrying a malformed-response endpoint rarely helps, so it never is.
type SchemaError struct {
	Op     string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s returned unexpected shape: %s", e.Op, e.Reason)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	return false
}
