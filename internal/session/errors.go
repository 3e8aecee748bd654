package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrConflict         = errors.New("session was modified concurrently, please retry")
)

// Messages reported for implausible weight sequences.
const (
	MsgNotIncreasing = "New weight must be greater than previous weight"
	MsgTooLarge      = "Weight increase seems too large, please verify the reading"
	MsgTooSmall      = "Weight increase too small, minimum addition is 1g"
	MsgInvalidWeight = "Weight must be a positive number"
	MsgNothingToFix  = "Session has no ingredients to correct"
	MsgCorrectionLow = "Corrected total must exceed the combined weight of the other ingredients"
	MsgUnknownUnit   = "Unsupported weight unit"
	MsgMissingFood   = "Food identifier is required"
)

// ValidationError is a rejected input. Nothing was written when it is returned.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
