package models

import "errors"

// Error kinds shared across the core. Every public operation wraps one
// of these so callers can classify failures with errors.Is.
var (
	// ErrValidation marks a request that failed pre-flight checks. It
	// is never retried and no network call was made.
	ErrValidation = errors.New("validation failed")

	// ErrNoActiveConnection means the user has no active connection
	// for the requested exchange and must reauthorize.
	ErrNoActiveConnection = errors.New("no active exchange connection")

	// ErrAuthenticationExpired is surfaced after one transparent
	// credential refresh attempt has already failed.
	ErrAuthenticationExpired = errors.New("exchange authentication expired")

	// ErrUpstreamUnavailable covers timeouts and unreachable upstream
	// services. Placement is never auto-retried on it.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrPartialExecution means the primary order succeeded but at
	// least one derived leg failed.
	ErrPartialExecution = errors.New("partial execution")

	// ErrOrderNotFound means the exchange answered definitively that no
	// order matches the lookup, as opposed to being unreachable.
	ErrOrderNotFound = errors.New("order not found")

	// ErrDataInsufficient means a computation lacked enough history.
	ErrDataInsufficient = errors.New("insufficient data")

	// ErrInconsistentState means reconciliation found exchange state
	// disagreeing with the local record.
	ErrInconsistentState = errors.New("inconsistent state")
)
