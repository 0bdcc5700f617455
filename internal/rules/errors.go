package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for lookups of unknown rule ids.
	ErrNotFound = errors.New("rule not found")
	// ErrDuplicateID is returned when creating a rule whose id is already registered.
	ErrDuplicateID = errors.New("rule id already registered")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownChannel rejects notification types outside the closed set.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrInvalidDestination rejects destinations of the wrong shape for their channel.
	ErrInvalidDestination = errors.New("invalid notification destination")
	// ErrZeroBaseline flags a percentage rule whose baseline is zero.
	ErrZeroBaseline = errors.New("percentage rule has zero baseline")
)

// ConversionError reports a malformed external rule record.
type ConversionError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("convert rule: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("convert rule %s: %s: %v", e.RuleID, e.Field, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
