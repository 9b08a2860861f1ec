package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates bad caller input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized indicates a missing or expired session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the actor's role may not perform the action.
	ErrForbidden = errors.New("forbidden")

	// ErrCapacityExceeded indicates the sequence for a fiscal year is exhausted.
	ErrCapacityExceeded = errors.New("sequence capacity exceeded")
	// ErrStaleFiscalYear indicates an action on a record from a closed fiscal year.
	ErrStaleFiscalYear = errors.New("record belongs to a closed fiscal year")
	// ErrAlreadyReviewed indicates the invoice already left PENDING.
	ErrAlreadyReviewed = errors.New("invoice already reviewed")
	// ErrInvalidStateTransition indicates a workflow transition that the state machine forbids.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrManualSwitchBlocked indicates a manual fiscal switch while auto-switch is on.
	ErrManualSwitchBlocked = errors.New("manual fiscal year switch blocked while auto-switch is enabled")
	// ErrInvalidTarget indicates the requested fiscal year cannot be activated.
	ErrInvalidTarget = errors.New("fiscal year is not an eligible target")
	// ErrNoOpSwitch indicates the requested fiscal year is already current.
	ErrNoOpSwitch = errors.New("fiscal year already current")
	// ErrConcurrencyConflict indicates a lost race against another writer.
	ErrConcurrencyConflict = errors.New("concurrent modification")
	// ErrPersistence indicates the backing store failed or is unavailable.
	ErrPersistence = errors.New("persistence failure")
)

// Persistence wraps a store failure so it matches both ErrPersistence and the cause.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Validation builds an ErrValidation carrying the offending field.
func Validation(field, message string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, message)
}

var domainErrors = []error{
	ErrNotFound, ErrValidation, ErrInvalidCredentials, ErrUnauthorized, ErrForbidden,
	ErrCapacityExceeded, ErrStaleFiscalYear, ErrAlreadyReviewed, ErrInvalidStateTransition,
	ErrManualSwitchBlocked, ErrInvalidTarget, ErrNoOpSwitch, ErrConcurrencyConflict, ErrPersistence,
}

// IsDomain reports whether err already carries one of the sentinels above.
func IsDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
