// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"

	_ "github.com/jackc/pgx/v4/stdlib" // registers pgx as a tagsql driver.
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/davstore/davstore/private/dbutil"
	"github.com/davstore/davstore/private/dbutil/pgutil"
	"github.com/davstore/davstore/private/migrate"
	"github.com/davstore/davstore/private/tagsql"
)

// Config is the configuration for a store DB.
type Config struct {
	ApplicationName string

	// QuotaBytes is the per-home quota root. Zero disables quota checks.
	QuotaBytes int64
	// MaxResourcesPerCollection limits objects in one collection. Zero
	// disables the limit.
	MaxResourcesPerCollection int

	// DefaultCollectionName, when non-empty, is provisioned as the owned
	// default collection of every newly created home.
	DefaultCollectionName string

	// Directory optionally validates owner UIDs before provisioning homes.
	Directory Directory
	// Notifiers optionally constructs per-home notifiers whose Notify is
	// scheduled to run only after commit.
	Notifiers NotifierFactory

	// SubtransactionRetries is how many times a savepoint-scoped operation
	// is retried after its first failure.
	SubtransactionRetries int
}

func (config *Config) retries() int {
	if config.SubtransactionRetries <= 0 {
		return 2
	}
	return config.SubtransactionRetries
}

// DB implements the collection store on a single Postgres-compatible
// database.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	connstr string
	impl    dbutil.Implementation

	cache *QueryCache

	testCleanup func() error

	config Config
}

// Open opens a connection to the store database.
func Open(ctx context.Context, log *zap.Logger, connstr string, config Config) (*DB, error) {
	driverName, source, impl, err := dbutil.SplitConnStr(connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	source = pgutil.CheckApplicationName(source, config.ApplicationName)

	rawdb, err := tagsql.Open(ctx, driverName, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.Configure(rawdb)

	db := &DB{
		log:         log,
		db:          rawdb,
		connstr:     source,
		impl:        impl,
		cache:       NewQueryCache(),
		testCleanup: func() error { return nil },
		config:      config,
	}

	log.Debug("connected", zap.String("db source", connstr))

	return db, nil
}

// Implementation returns the database implementation.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// QueryCache returns the commit-scoped lookup cache.
func (db *DB) QueryCache() *QueryCache { return db.cache }

// Ping checks whether the connection has been established.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// TestingSetCleanup is used to set the callback for cleaning up a test
// database.
func (db *DB) TestingSetCleanup(cleanup func() error) {
	db.testCleanup = cleanup
}

// Close closes the connection to the database.
func (db *DB) Close() error {
	return errs.Combine(Error.Wrap(db.db.Close()), db.testCleanup())
}

// MigrateToLatest migrates the database to the latest version.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	migration := db.Migration()
	return migration.Run(ctx, db.log.Named("migrate"))
}

// CheckVersion checks that the database is at the expected version.
func (db *DB) CheckVersion(ctx context.Context) error {
	migration := db.Migration()
	return migration.ValidateVersions(ctx, db.log)
}

// Migration returns the steps needed for migrating the database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "store_versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "initial setup",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE homes (
						resource_id  BIGSERIAL PRIMARY KEY,
						owner_uid    TEXT NOT NULL UNIQUE,
						data_version INT  NOT NULL DEFAULT 1
					)`,
					`CREATE TABLE home_metadata (
						resource_id      BIGINT PRIMARY KEY REFERENCES homes (resource_id) ON DELETE CASCADE,
						created          TIMESTAMPTZ NOT NULL DEFAULT now(),
						modified         TIMESTAMPTZ NOT NULL DEFAULT now(),
						quota_used_bytes BIGINT NOT NULL DEFAULT 0
					)`,
					`CREATE TABLE collections (
						resource_id BIGSERIAL PRIMARY KEY,
						created     TIMESTAMPTZ NOT NULL DEFAULT now(),
						modified    TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE collection_bind (
						home_resource_id       BIGINT NOT NULL REFERENCES homes (resource_id) ON DELETE CASCADE,
						collection_resource_id BIGINT NOT NULL REFERENCES collections (resource_id) ON DELETE CASCADE,
						resource_name          TEXT   NOT NULL,
						bind_mode              INT    NOT NULL,
						bind_status            INT    NOT NULL,
						bind_revision          BIGINT NOT NULL DEFAULT 0,
						message                TEXT,

						PRIMARY KEY (home_resource_id, collection_resource_id),
						UNIQUE      (home_resource_id, resource_name)
					)`,
					`CREATE SEQUENCE revision_seq
						INCREMENT BY 1
						START WITH 1
					`,
					`CREATE TABLE revisions (
						home_resource_id       BIGINT NOT NULL REFERENCES homes (resource_id) ON DELETE CASCADE,
						collection_resource_id BIGINT,
						collection_name        TEXT,
						resource_name          TEXT,
						revision               BIGINT  NOT NULL DEFAULT nextval('revision_seq'),
						deleted                BOOLEAN NOT NULL
					)`,
					`CREATE INDEX revisions_collection_idx ON revisions (collection_resource_id)`,
					`CREATE INDEX revisions_home_idx ON revisions (home_resource_id)`,
					`CREATE TABLE objects (
						resource_id            BIGSERIAL PRIMARY KEY,
						collection_resource_id BIGINT NOT NULL REFERENCES collections (resource_id) ON DELETE CASCADE,
						resource_name          TEXT   NOT NULL,
						uid                    TEXT   NOT NULL,
						kind                   INT    NOT NULL DEFAULT 0,
						payload                BYTEA  NOT NULL,
						md5                    TEXT   NOT NULL,
						size                   BIGINT NOT NULL,
						created                TIMESTAMPTZ NOT NULL DEFAULT now(),
						modified               TIMESTAMPTZ NOT NULL DEFAULT now(),

						UNIQUE (collection_resource_id, resource_name),
						UNIQUE (collection_resource_id, uid)
					)`,
					`CREATE TABLE group_bind (
						home_resource_id  BIGINT NOT NULL REFERENCES homes (resource_id) ON DELETE CASCADE,
						group_resource_id BIGINT NOT NULL REFERENCES objects (resource_id) ON DELETE CASCADE,
						resource_name     TEXT   NOT NULL,
						bind_mode         INT    NOT NULL,
						bind_status       INT    NOT NULL,
						bind_revision     BIGINT NOT NULL DEFAULT 0,
						message           TEXT,

						PRIMARY KEY (home_resource_id, group_resource_id),
						UNIQUE      (home_resource_id, resource_name)
					)`,
					`CREATE TABLE group_members (
						group_resource_id  BIGINT  NOT NULL REFERENCES objects (resource_id) ON DELETE CASCADE,
						member_resource_id BIGINT  NOT NULL,
						revision           BIGINT  NOT NULL,
						removed            BOOLEAN NOT NULL
					)`,
					`CREATE INDEX group_members_group_idx ON group_members (group_resource_id, member_resource_id, revision)`,
				},
			},
		},
	}
}
