package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidationFailed   = errors.New("validation failed")
	ErrStaleData          = errors.New("market data stale")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrUnknownOutcome     = errors.New("exchange call outcome unknown")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrTerminalState      = errors.New("trade in terminal state")
	ErrPaused             = errors.New("trading paused")
	ErrLockHeld           = errors.New("lock already held")
	ErrVenueUnknown       = errors.New("unknown venue")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrphaned           = errors.New("single-leg exposure recovered")
)
