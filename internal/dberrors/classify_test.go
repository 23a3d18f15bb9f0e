package dberrors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "duplicated_key", err: gorm.ErrDuplicatedKey, want: KindConstraintViolation},
		{name: "wrapped_duplicated_key", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: KindConstraintViolation},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "pg_undefined_table", err: &pgconn.PgError{Code: "42P01"}, want: KindSchemaMissing},
		{name: "pg_undefined_column", err: &pgconn.PgError{Code: "42703"}, want: KindSchemaMissing},
		{name: "pg_unique_violation", err: &pgconn.PgError{Code: "23505"}, want: KindConstraintViolation},
		{name: "pg_check_violation", err: &pgconn.PgError{Code: "23514"}, want: KindConstraintViolation},
		{name: "pg_serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: KindTransient},
		{name: "pg_connection_failure", err: &pgconn.PgError{Code: "08006"}, want: KindTransient},
		{name: "pg_other", err: &pgconn.PgError{Code: "22P02"}, want: KindUnknown},
		{name: "sqlite_missing_table", err: errors.New("no such table: activation_redemptions"), want: KindSchemaMissing},
		{name: "sqlite_unique", err: errors.New("constraint failed: UNIQUE constraint failed: invite_codes.code (1555)"), want: KindConstraintViolation},
		{name: "sqlite_busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: KindTransient},
		{name: "unknown", err: errors.New("boom"), want: KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected kind %q, got %q", tc.want, got)
			}
		})
	}
}

type probeRow struct {
	Code string `gorm:"column:code;primaryKey;size:32"`
}

func (probeRow) TableName() string {
	return "probe_rows"
}

func TestClassifyRealSQLiteErrors(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "probe.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	missingErr := db.Create(&probeRow{Code: "A"}).Error
	if !IsSchemaMissing(missingErr) {
		t.Fatalf("expected schema missing for %v", missingErr)
	}

	if err := db.AutoMigrate(&probeRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&probeRow{Code: "A"}).Error; err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	duplicateErr := db.Create(&probeRow{Code: "A"}).Error
	if !IsConstraintViolation(duplicateErr) {
		t.Fatalf("expected constraint violation for %v", duplicateErr)
	}
}
