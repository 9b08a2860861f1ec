package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Postgres error codes the services react to.
const (
	CodeUniqueViolation      = "23505"
	CodeLockNotAvailable     = "55P03"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// IsConflict reports whether err is a lost race: a unique violation, a NOWAIT
// lock miss or a serialization failure.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case CodeUniqueViolation, CodeLockNotAvailable, CodeSerializationFailure, CodeDeadlockDetected:
		return true
	default:
		return false
	}
}

// Classify wraps a store error for the service layer: domain sentinels pass
// through untouched, lost races become shared.ErrConcurrencyConflict and
// anything else is a shared.ErrPersistence.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case shared.IsDomain(err):
		return err
	case IsConflict(err):
		return fmt.Errorf("%s: %w: %w", op, shared.ErrConcurrencyConflict, err)
	default:
		return shared.Persistence(op, err)
	}
}
