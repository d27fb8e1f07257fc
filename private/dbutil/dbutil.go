// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package dbutil contains generic database utilities.
package dbutil

import (
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/davstore/davstore/private/tagsql"
)

// Implementation type of valid databases.
type Implementation int

const (
	// Unknown is an unknown database implementation.
	Unknown Implementation = iota
	// Postgres is a PostgreSQL implementation.
	Postgres
	// Cockroach is a CockroachDB implementation.
	Cockroach
)

// String returns the name of the implementation.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case Cockroach:
		return "cockroach"
	default:
		return "unknown"
	}
}

// ImplementationForScheme returns the Implementation that is used for
// the url with the provided scheme.
func ImplementationForScheme(scheme string) Implementation {
	switch scheme {
	case "postgres", "postgresql", "pgx":
		return Postgres
	case "cockroach":
		return Cockroach
	default:
		return Unknown
	}
}

// SplitConnStr returns the driver and implementation of the connection
// string. Cockroach connection strings are rewritten to the postgres
// scheme, since the same driver serves both.
func SplitConnStr(s string) (driver string, source string, impl Implementation, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", Unknown, errs.New("could not parse DB URL %q", s)
	}
	impl = ImplementationForScheme(parts[0])
	switch impl {
	case Postgres:
		return "pgx", s, impl, nil
	case Cockroach:
		return "pgx", "postgres://" + parts[1], impl, nil
	default:
		return "", "", Unknown, errs.New("unsupported database scheme %q", parts[0])
	}
}

// Configure sets connection pool options on the database.
func Configure(db tagsql.DB) {
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
}
