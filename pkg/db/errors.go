package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
)

// IsUniqueViolation reports whether the provided error references a unique
// constraint violation. When constraintName is provided, the helper looks for
// the constraint text in the error message.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsTransient reports whether err is a storage failure that is safe to retry:
// lost connections, serialization failures, deadlocks and admin shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var code string
	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		code = pgxErr.Code
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	}
	switch {
	case code == "":
	case strings.HasPrefix(code, "08"), code == "40001", code == "40P01", code == "57P01", code == "55P03":
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection refused")
}

// WrapError maps raw driver errors onto the domain error taxonomy. Already
// typed errors and record-not-found pass through untouched.
func WrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if IsTransient(err) {
		return pkgerrors.Wrap(pkgerrors.CodeTransientStore, err, fmt.Sprintf("%s: storage unavailable", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}
