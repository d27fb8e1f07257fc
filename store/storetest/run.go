// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package storetest runs store tests against a temporary schema of a
// real Postgres database. Tests are skipped unless a database is
// configured, see pgtest.
package storetest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davstore/davstore/private/dbutil/pgutil/pgtest"
	"github.com/davstore/davstore/private/tagsql"
	"github.com/davstore/davstore/store"
)

// Run opens a store on a freshly created schema, migrates it and hands
// it to the test. The schema is dropped when the store is closed.
func Run(t *testing.T, config store.Config, fn func(ctx context.Context, t *testing.T, db *store.DB)) {
	connstr := *pgtest.ConnStr
	if connstr == "" {
		t.Skipf("postgres flag missing, example:\n-postgres-test-db=%s", pgtest.DefaultConnStr)
	}

	ctx := context.Background()
	schema := "davstore_test_" + randomSuffix(t)

	bootstrap, err := tagsql.Open(ctx, "pgx", connstr)
	require.NoError(t, err)
	_, err = bootstrap.ExecContext(ctx, `CREATE SCHEMA `+quoteSchema(schema))
	require.NoError(t, err)
	require.NoError(t, bootstrap.Close())

	if config.ApplicationName == "" {
		config.ApplicationName = "davstore-test"
	}
	db, err := store.Open(ctx, zaptest.NewLogger(t), withSearchPath(t, connstr, schema), config)
	require.NoError(t, err)
	db.TestingSetCleanup(func() error {
		cleanup, err := tagsql.Open(ctx, "pgx", connstr)
		if err != nil {
			return err
		}
		_, execErr := cleanup.ExecContext(ctx, `DROP SCHEMA `+quoteSchema(schema)+` CASCADE`)
		closeErr := cleanup.Close()
		if execErr != nil {
			return execErr
		}
		return closeErr
	})
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.MigrateToLatest(ctx))

	fn(ctx, t, db)
}

func randomSuffix(t *testing.T) string {
	var data [8]byte
	_, err := rand.Read(data[:])
	require.NoError(t, err)
	return hex.EncodeToString(data[:])
}

func quoteSchema(schema string) string {
	return `"` + strings.ReplaceAll(schema, `"`, `""`) + `"`
}

// withSearchPath pins the connection to the test schema. pgx forwards
// unknown URL parameters as server runtime parameters.
func withSearchPath(t *testing.T, connstr, schema string) string {
	parsed, err := url.Parse(connstr)
	require.NoError(t, err)
	query := parsed.Query()
	query.Set("search_path", quoteSchema(schema))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
