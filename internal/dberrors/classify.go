// Package dberrors classifies storage failures into a small set of kinds so
// callers branch on what went wrong instead of on driver error strings.
package dberrors

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Kind identifies a class of storage failure.
type Kind string

const (
	// KindNone is returned for a nil error.
	KindNone Kind = ""
	// KindSchemaMissing means a table or column the statement referenced does not exist.
	KindSchemaMissing Kind = "schema_missing"
	// KindConstraintViolation means a unique, foreign key or check constraint rejected the write.
	KindConstraintViolation Kind = "constraint_violation"
	// KindTransient means the statement may succeed when retried.
	KindTransient Kind = "transient"
	// KindUnknown covers every other failure.
	KindUnknown Kind = "unknown"
)

// Classify maps err to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return KindConstraintViolation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr.Code)
	}

	return classifySQLite(err.Error())
}

// IsSchemaMissing reports whether err is a missing table or column failure.
func IsSchemaMissing(err error) bool {
	return Classify(err) == KindSchemaMissing
}

// IsConstraintViolation reports whether err is a rejected constraint.
func IsConstraintViolation(err error) bool {
	return Classify(err) == KindConstraintViolation
}

func classifyPostgres(code string) Kind {
	switch code {
	case "42P01", "42703", "3F000":
		return KindSchemaMissing
	case "40001", "40P01", "55P03", "57014", "57P01", "53300":
		return KindTransient
	}
	switch {
	case strings.HasPrefix(code, "23"):
		return KindConstraintViolation
	case strings.HasPrefix(code, "08"):
		return KindTransient
	}
	return KindUnknown
}

// The SQLite driver only reports extended result codes through its message
// text, so inspection stays inside this adapter.
func classifySQLite(message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "no such table"),
		strings.Contains(lower, "no such column"),
		strings.Contains(lower, "has no column named"):
		return KindSchemaMissing
	case strings.Contains(lower, "constraint failed"):
		return KindConstraintViolation
	case strings.Contains(lower, "database is locked"),
		strings.Contains(lower, "sqlite_busy"),
		strings.Contains(lower, "database table is locked"):
		return KindTransient
	}
	return KindUnknown
}
