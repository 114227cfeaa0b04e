package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusMismatch means a conditional update lost to a concurrent change.
	ErrStatusMismatch = errors.New("status changed concurrently")
	// ErrAlreadyApplied means the guarded write already happened.
	ErrAlreadyApplied = errors.New("already applied")
	// ErrPrerequisite means the guarded write depends on a step that never succeeded.
	ErrPrerequisite = errors.New("prerequisite step missing")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
