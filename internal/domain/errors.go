package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrLockHeld           = errors.New("lock already held")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrInsufficientShield = errors.New("insufficient shielded balance")
	ErrStalePayload       = errors.New("stale transaction payload")
	ErrSigningFailed      = errors.New("signing failed")
	ErrInvalidTransition  = errors.New("invalid status transition")
)
