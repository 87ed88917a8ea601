package quotaguard

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrPolicyNotFound signals that no limit is configured for a scope.
	// The engine treats it as "allow", not as a failure.
	ErrPolicyNotFound     = errors.New("quotaguard: policy not found")
	ErrBackendUnavailable = errors.New("quotaguard: backend unavailable")
	ErrInvalidPolicy      = errors.New("quotaguard: invalid policy")
	ErrInvalidScope       = errors.New("quotaguard: invalid scope")
	ErrInvalidQuantity    = errors.New("quotaguard: quantity must be positive")
	ErrRateLimited        = errors.New("quotaguard: rate limited")
)

// BackendError wraps a storage failure with the operation and scope it
// happened in. It matches both ErrBackendUnavailable and the storage error.
type BackendError struct {
	Op    string
	Scope Scope
	Err   error
}

func (e *BackendError) Error() string {
	if e.Scope == (Scope{}) {
		return fmt.Sprintf("quotaguard: %s: backend unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("quotaguard: %s scope=%s: backend unavailable: %v", e.Op, e.Scope, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

// PolicyError describes a policy field that failed validation.
type PolicyError struct {
	Field   string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("quotaguard: invalid policy: %s: %s", e.Field, e.Message)
}

func (e *PolicyError) Unwrap() error {
	return ErrInvalidPolicy
}

// RateLimitError is the error form of a denied Decision.
type RateLimitError struct {
	Decision Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("quotaguard: rate limited: scope=%s window=%s limit=%d reset_at=%s",
		e.Decision.Scope, e.Decision.Window, e.Decision.Limit, e.Decision.ResetAt.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsBackendUnavailable reports whether err came from a failing store.
// Callers use it to choose between failing open and failing closed.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsRateLimited reports whether err is the error form of a denied decision.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
