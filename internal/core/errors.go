package core

import (
	"errors"
	"fmt"
)

var (
	ErrTransientFetch         = errors.New("provider temporarily unavailable")
	ErrMalformedResponse      = errors.New("malformed provider response")
	ErrPersistenceUnavailable = errors.New("persistence backend unavailable")
	ErrStorageExhausted       = errors.New("all storage backends failed")
	ErrOwnershipConflict      = errors.New("clan is monitored by another guild")
	ErrCapacityExceeded       = errors.New("guild already monitors the maximum number of clans")
	ErrForbidden              = errors.New("guild does not own this clan")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrChannelNotConfigured   = errors.New("reminder channel not configured")
)

// OwnershipConflictError is returned when a clan is already claimed by
// another guild.
type OwnershipConflictError struct {
	ClanTag string
	Owner   string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("clan %s is already monitored by guild %s", e.ClanTag, e.Owner)
}

func (e *OwnershipConflictError) Is(target error) bool {
	return target == ErrOwnershipConflict
}

// InvalidInput wraps ErrInvalidInput with a user facing reason.
func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsFetchFailure reports whether err should be handled as a skipped tick.
func IsFetchFailure(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrMalformedResponse)
}
