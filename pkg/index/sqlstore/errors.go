package sqlstore

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// mapSQLError classifies storage failures into the fixed taxonomy:
// integrity violation -> already_exists, syntax/data error -> invalid,
// out-of-space -> no_space, connectivity -> comm. Errors already
// carrying a taxonomy code pass through.
func mapSQLError(dialect Dialect, entity string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*taxonomy.Error); ok {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return taxonomy.NewNotFoundError(entity)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgCode(pgErr, entity)
	}
	if dialect == DialectSQLite {
		return mapSQLiteMessage(entity, err)
	}
	return taxonomy.NewCommError(entity, err)
}

// mapPgCode translates PostgreSQL error classes; see the errcodes
// appendix of the PostgreSQL docs.
func mapPgCode(pgErr *pgconn.PgError, entity string) error {
	switch {
	case pgErr.Code == "23505": // unique_violation
		return taxonomy.NewAlreadyExistsError(entity)
	case strings.HasPrefix(pgErr.Code, "23"): // other integrity violations
		return taxonomy.NewAlreadyExistsError(entity)
	case strings.HasPrefix(pgErr.Code, "42"), // syntax / access rule
		strings.HasPrefix(pgErr.Code, "22"): // data exception
		return taxonomy.NewInvalidError(entity, pgErr.Message)
	case pgErr.Code == "53100": // disk_full
		return taxonomy.NewNoSpaceError(entity)
	case strings.HasPrefix(pgErr.Code, "08"), // connection exception
		strings.HasPrefix(pgErr.Code, "57"): // operator intervention
		return taxonomy.NewCommError(entity, pgErr)
	default:
		return taxonomy.NewIOError(entity, pgErr)
	}
}

// mapSQLiteMessage classifies by message text since the pure-Go SQLite
// driver does not expose structured codes through gorm.
func mapSQLiteMessage(entity string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "constraint"):
		return taxonomy.NewAlreadyExistsError(entity)
	case strings.Contains(msg, "syntax") || strings.Contains(msg, "malformed"):
		return taxonomy.NewInvalidError(entity, err.Error())
	case strings.Contains(msg, "full") || strings.Contains(msg, "no space"):
		return taxonomy.NewNoSpaceError(entity)
	default:
		return taxonomy.NewIOError(entity, err)
	}
}
