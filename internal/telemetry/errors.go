package telemetry

import (
	"errors"
	"fmt"
)

// Error kinds drive the scheduler's retry-vs-abandon-vs-record-partial
// decisions. Wrap causal errors so classification survives propagation.

// AuthError signals a bad or expired credential. Not retriable without a
// token refresh; the client refreshes once, then fails fast.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers timeouts, 5xx responses and rate limiting.
// Retriable with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError signals a malformed reconciliation result — an upstream
// data contract violation. Never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError signals a partition write or replace failure. Retriable at
// the scheduler level by re-running the persist stage only.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}
