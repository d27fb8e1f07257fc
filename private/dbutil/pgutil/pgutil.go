// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package pgutil contains helpers specific to PostgreSQL-compatible
// databases.
package pgutil

import (
	"errors"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// ErrorCode returns the SQLSTATE code associated with any postgres error
// in the chain of errors walked by unwrapping, or "" when there is none.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation checks whether the error is a unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	return ErrorCode(err) == pgerrcode.UniqueViolation
}

// IsConstraintViolation checks whether the error is any integrity
// constraint violation (SQLSTATE class 23).
func IsConstraintViolation(err error) bool {
	return strings.HasPrefix(ErrorCode(err), "23")
}

// NeedsRetry checks whether the error indicates that a transaction
// should be restarted: a serialization failure, a deadlock, or the
// CockroachDB restart code.
func NeedsRetry(err error) bool {
	switch ErrorCode(err) {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, "CR000":
		return true
	}
	return false
}

// CheckApplicationName ensures that the connection string contains an
// application name.
func CheckApplicationName(s, app string) string {
	if strings.Contains(s, "application_name") || app == "" {
		return s
	}
	if !strings.Contains(s, "?") {
		return s + "?application_name=" + app
	}
	return s + "&application_name=" + app
}

// QuoteIdentifier quotes an identifier for inclusion in SQL text.
func QuoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
