// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package tagsql implements a tagged wrapper for databases.
//
// This package also handles hides context cancellation from database drivers
// that don't support it.
package tagsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
)

// Open opens *sql.DB and wraps the implementation with tagging.
func Open(ctx context.Context, driverName, dataSourceName string) (DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return Wrap(db), nil
}

// Wrap turns a *sql.DB into a DB-matching interface.
func Wrap(db *sql.DB) DB {
	return &sqlDB{db: db}
}

// DB implements a wrapper for *sql.DB-like database.
//
// The wrapper adds tracing to all calls.
// It also adds context handling compatibility for different databases.
type DB interface {
	BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error

	SetConnMaxLifetime(d time.Duration)
	SetMaxIdleConns(n int)
	SetMaxOpenConns(n int)

	Stats() sql.DBStats

	Close() error
}

// Rows implements a wrapper for *sql.Rows.
type Rows = *sql.Rows

// sqlDB implements DB, which optionally disables contexts.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlDB) SetConnMaxLifetime(d time.Duration) { s.db.SetConnMaxLifetime(d) }
func (s *sqlDB) SetMaxIdleConns(n int)              { s.db.SetMaxIdleConns(n) }
func (s *sqlDB) SetMaxOpenConns(n int)              { s.db.SetMaxOpenConns(n) }
func (s *sqlDB) Stats() sql.DBStats                 { return s.db.Stats() }

func (s *sqlDB) Close() error { return s.db.Close() }
