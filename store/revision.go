// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"errors"
)

// revisionAction selects how changeRevision mutates the log.
type revisionAction int

const (
	revisionInsert revisionAction = iota
	revisionUpdate
	revisionDelete
)

// initSyncToken bootstraps the revision log for this view of the
// collection: any home-level tombstone left behind by an earlier unbind
// of the same name is removed and a fresh collection-level row is
// inserted. Used at collection creation and at a sharee's first
// acceptance.
func (collection *Collection) initSyncToken(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = collection.home.tx.tx.ExecContext(ctx, `
		DELETE FROM revisions
		WHERE home_resource_id = $1 AND collection_name = $2 AND collection_resource_id IS NULL
	`, collection.home.id, collection.name)
	if err != nil {
		return Error.Wrap(err)
	}

	var revision int64
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		INSERT INTO revisions (home_resource_id, collection_resource_id, collection_name, resource_name, deleted)
		VALUES ($1, $2, $3, NULL, false)
		RETURNING revision
	`, collection.home.id, collection.id, collection.name).Scan(&revision)
	if err != nil {
		return Error.Wrap(err)
	}

	collection.setSyncTokenRevision(revision)
	return nil
}

// renameSyncToken bumps every home's collection-level row after a rename.
func (collection *Collection) renameSyncToken(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var revision int64
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		UPDATE revisions
		SET revision = nextval('revision_seq'), collection_name = $2
		WHERE collection_resource_id = $1 AND resource_name IS NULL
		  AND home_resource_id = $3
		RETURNING revision
	`, collection.id, collection.name, collection.home.id).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCorruption.New("collection %d has no revision row", collection.id)
	}
	if err != nil {
		return Error.Wrap(err)
	}

	collection.setSyncTokenRevision(revision)
	return nil
}

// deletedSyncToken tears down the revision log for a collection that is
// no longer bound. For a shared removal only this home's collection row
// becomes a home-level tombstone; the resource-level rows live under the
// owner home and must survive. An owner removal drops the resource rows
// and tombstones every home's collection row (sharees lose the
// collection too).
func (collection *Collection) deletedSyncToken(ctx context.Context, sharedRemoval bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx := collection.home.tx

	if sharedRemoval {
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE revisions
			SET collection_resource_id = NULL, revision = nextval('revision_seq'), deleted = true
			WHERE home_resource_id = $1 AND collection_resource_id = $2 AND resource_name IS NULL
		`, collection.home.id, collection.id)
	} else {
		_, err = tx.tx.ExecContext(ctx, `
			DELETE FROM revisions
			WHERE collection_resource_id = $1 AND resource_name IS NOT NULL
		`, collection.id)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE revisions
			SET collection_resource_id = NULL, revision = nextval('revision_seq'), deleted = true
			WHERE collection_resource_id = $1 AND resource_name IS NULL
		`, collection.id)
	}
	if err != nil {
		return Error.Wrap(err)
	}

	collection.syncTokenRevision = nil
	collection.home.syncTokenRevision = nil
	return nil
}

// insertRevision records a newly created resource name.
func (collection *Collection) insertRevision(ctx context.Context, name string) error {
	return collection.changeRevision(ctx, revisionInsert, name)
}

// updateRevision records a changed resource name.
func (collection *Collection) updateRevision(ctx context.Context, name string) error {
	return collection.changeRevision(ctx, revisionUpdate, name)
}

// deleteRevision tombstones a removed resource name.
func (collection *Collection) deleteRevision(ctx context.Context, name string) error {
	return collection.changeRevision(ctx, revisionDelete, name)
}

// changeRevision maintains the at-most-one-live-row-per-name invariant:
// updates and deletes bump the existing row in place, and an insert for a
// previously deleted name revives that row instead of appending.
func (collection *Collection) changeRevision(ctx context.Context, action revisionAction, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx := collection.home.tx
	var revision int64

	switch action {
	case revisionDelete:
		err = tx.tx.QueryRowContext(ctx, `
			UPDATE revisions SET revision = nextval('revision_seq'), deleted = true
			WHERE collection_resource_id = $1 AND resource_name = $2
			RETURNING revision
		`, collection.id, name).Scan(&revision)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCorruption.New("no revision row for %q in collection %d", name, collection.id)
		}

	case revisionUpdate:
		err = tx.tx.QueryRowContext(ctx, `
			UPDATE revisions SET revision = nextval('revision_seq')
			WHERE collection_resource_id = $1 AND resource_name = $2
			RETURNING revision
		`, collection.id, name).Scan(&revision)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCorruption.New("no revision row for %q in collection %d", name, collection.id)
		}

	case revisionInsert:
		// An insert may happen for a name that previously existed and was
		// deleted; its tombstone is still in the log and must be revived
		// rather than duplicated.
		err = tx.tx.QueryRowContext(ctx, `
			UPDATE revisions SET revision = nextval('revision_seq'), deleted = false
			WHERE collection_resource_id = $1 AND resource_name = $2
			RETURNING revision
		`, collection.id, name).Scan(&revision)
		if errors.Is(err, sql.ErrNoRows) {
			ownerID, oerr := collection.ownerHomeID(ctx)
			if oerr != nil {
				return oerr
			}
			err = tx.tx.QueryRowContext(ctx, `
				INSERT INTO revisions (home_resource_id, collection_resource_id, collection_name, resource_name, deleted)
				VALUES ($1, $2, NULL, $3, false)
				RETURNING revision
			`, ownerID, collection.id, name).Scan(&revision)
		}
	}
	if err != nil {
		return Error.Wrap(err)
	}

	collection.setSyncTokenRevision(revision)
	return nil
}

// setSyncTokenRevision updates the cached sync revision of the collection
// and invalidates the home-level cache, which aggregates over binds.
func (collection *Collection) setSyncTokenRevision(revision int64) {
	collection.syncTokenRevision = &revision
	collection.home.syncTokenRevision = nil
}
