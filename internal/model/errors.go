package model

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicateOrder         = errors.New("order already exists for user and date")
	ErrActiveBlacklistExists  = errors.New("user already has an active blacklist entry")
)

// ValidationError is returned for malformed input or out-of-range settings.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// IsValidation checks if err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
