package shared

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Domain error kinds. Services wrap these with context; the HTTP layer maps
// them to status codes.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique-constraint violation at entity level.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrBusinessRule indicates a domain invariant that cannot be repaired.
	ErrBusinessRule = errors.New("business rule violated")
	// ErrTenantIsolation indicates a cross-tenant boundary violation.
	ErrTenantIsolation = errors.New("tenant isolation violated")
	// ErrTransientStore indicates a retryable data-store failure.
	ErrTransientStore = errors.New("transient store failure")
	// ErrConflict indicates an optimistic-lock version mismatch.
	ErrConflict = errors.New("version conflict")
)

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
