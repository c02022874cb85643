// Package crmerrors holds the error taxonomy shared by the sync engine.
//
// Every failure that crosses a component boundary wraps exactly one of the
// sentinel errors below so callers can classify it with errors.Is.
package crmerrors

import (
	"errors"
	"fmt"
)

var (
	// Run-level failures. The run does not start (or stops) and the
	// integration moves to the error status.
	ErrConfiguration  = errors.New("configuration error")
	ErrAuthentication = errors.New("authentication error")

	// Call-level failure, retried with backoff before the enclosing record fails.
	ErrTransientNetwork = errors.New("transient network error")

	// Record-level failures.
	ErrValidation       = errors.New("validation error")
	ErrIdentityConflict = errors.New("identity conflict")

	// Store and orchestration signals.
	ErrNotFound            = errors.New("not found")
	ErrAlreadySyncing      = errors.New("integration is already syncing")
	ErrIntegrationInactive = errors.New("integration is inactive")
	ErrStaleVersion        = errors.New("record was modified concurrently")
)

func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

func Authentication(format string, args ...any) error {
	return wrap(ErrAuthentication, format, args...)
}

func Transient(format string, args ...any) error {
	return wrap(ErrTransientNetwork, format, args...)
}

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func IdentityConflict(format string, args ...any) error {
	return wrap(ErrIdentityConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// IsRunFatal reports whether err must abort the whole run rather than a
// single record.
func IsRunFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrAuthentication)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
