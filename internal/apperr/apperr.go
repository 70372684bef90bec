// Package apperr defines the behavioral error taxonomy shared across the
// engine: callers classify failures with errors.Is against these
// sentinels rather than matching on error strings.
package apperr

import "errors"

// Sentinel errors, wrapped with context via fmt.Errorf("...: %w", Sentinel).
var (
	// ErrTransient covers network/timeout failures; the circuit breaker
	// records a failure tick and the caller may retry with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrRateLimited is returned after the rate limiter's bounded
	// sleep-and-retry-once has already been attempted.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen means the circuit breaker is rejecting calls without
	// issuing I/O; the caller treats the read as skipped this cycle.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrValidation is a programmer/input error; it never retries.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers PSM/registry lookups with no match.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers a PSM state-transition violation (e.g. closing an
	// already-closed position); callers log and never retry.
	ErrConflict = errors.New("conflict")

	// ErrFatal covers initialization failures and corrupt persisted
	// state; the scheduler refuses to start or exits.
	ErrFatal = errors.New("fatal")
)

// Is reports whether err ultimately wraps target, via errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
