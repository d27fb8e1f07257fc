// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davstore/davstore/private/tagsql"
)

// Collection is one home's view of a collection: the same underlying
// collection appears as a distinct Collection handle (with its own name,
// bind mode and bind status) in the owner home and in every sharee home.
type Collection struct {
	home *Home

	id           int64
	name         string
	bindMode     BindMode
	bindStatus   BindStatus
	bindRevision int64
	message      string

	metaLoaded bool
	created    time.Time
	modified   time.Time

	syncTokenRevision *int64

	ownerHome int64

	objects map[string]*ObjectResource
}

// ID returns the opaque resource id of the collection, shared across all
// homes it is bound into.
func (collection *Collection) ID() int64 { return collection.id }

// Name returns the name the collection is bound under in this home.
func (collection *Collection) Name() string { return collection.name }

// Home returns the home this view of the collection belongs to.
func (collection *Collection) Home() *Home { return collection.home }

// BindMode returns the access mode of this home's bind.
func (collection *Collection) BindMode() BindMode { return collection.bindMode }

// BindStatus returns the sharing status of this home's bind.
func (collection *Collection) BindStatus() BindStatus { return collection.bindStatus }

// ShareMessage returns the free-form message attached to the share
// invitation, empty for owned collections.
func (collection *Collection) ShareMessage() string { return collection.message }

// Owned reports whether this home is the owner of the collection.
func (collection *Collection) Owned() bool { return collection.bindMode == BindModeOwn }

// writeable reports whether objects may be created, updated or removed
// through this view.
func (collection *Collection) writeable() bool {
	return collection.bindMode == BindModeOwn || collection.bindMode == BindModeWrite
}

// ownerHomeID resolves the home that owns the collection, which is where
// new revision rows are anchored regardless of which view performs the
// change.
func (collection *Collection) ownerHomeID(ctx context.Context) (int64, error) {
	if collection.bindMode == BindModeOwn {
		return collection.home.id, nil
	}
	if collection.ownerHome != 0 {
		return collection.ownerHome, nil
	}
	err := collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT home_resource_id FROM collection_bind
		WHERE collection_resource_id = $1 AND bind_mode = $2
	`, collection.id, BindModeOwn).Scan(&collection.ownerHome)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCorruption.New("collection %d has no owner bind", collection.id)
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return collection.ownerHome, nil
}

// ownerView returns the owner home's handle of this collection. Returns
// the receiver for owned collections.
func (collection *Collection) ownerView(ctx context.Context) (*Collection, error) {
	if collection.Owned() {
		return collection, nil
	}
	ownerID, err := collection.ownerHomeID(ctx)
	if err != nil {
		return nil, err
	}
	owner, err := collection.home.tx.homeWithID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return owner.ChildWithID(ctx, collection.id)
}

func (collection *Collection) loadMetadata(ctx context.Context) error {
	if collection.metaLoaded {
		return nil
	}
	err := collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT created, modified FROM collections WHERE resource_id = $1
	`, collection.id).Scan(&collection.created, &collection.modified)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCorruption.New("collection %d has no row", collection.id)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	collection.metaLoaded = true
	return nil
}

// Created returns the creation timestamp of the collection.
func (collection *Collection) Created(ctx context.Context) (time.Time, error) {
	if err := collection.loadMetadata(ctx); err != nil {
		return time.Time{}, err
	}
	return collection.created, nil
}

// Modified returns the last-modified timestamp of the collection.
func (collection *Collection) Modified(ctx context.Context) (time.Time, error) {
	if err := collection.loadMetadata(ctx); err != nil {
		return time.Time{}, err
	}
	return collection.modified, nil
}

// bumpModified advances the collection modified timestamp with the same
// tolerance for contention as Home.bumpModified.
func (collection *Collection) bumpModified(ctx context.Context) {
	err := collection.home.tx.Subtransaction(ctx, func(ctx context.Context) error {
		if _, err := collection.home.tx.tx.ExecContext(ctx, `
			SELECT 1 FROM collections WHERE resource_id = $1 FOR UPDATE NOWAIT
		`, collection.id); err != nil {
			return Error.Wrap(err)
		}
		err := collection.home.tx.tx.QueryRowContext(ctx, `
			UPDATE collections SET modified = now()
			WHERE resource_id = $1
			RETURNING modified
		`, collection.id).Scan(&collection.modified)
		return Error.Wrap(err)
	}, 1)
	if err != nil {
		collection.home.tx.log.Error("failed to bump modified timestamp",
			zap.Int64("collection", collection.id), zap.Error(err))
	}
}

// CreateChildWithName creates a new, empty, owned collection bound into
// the home under the given name.
func (home *Home) CreateChildWithName(ctx context.Context, name string) (_ *Collection, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ValidResourceName(name) {
		return nil, ErrNameNotAllowed.New("%q", name)
	}
	switch _, err := home.ChildWithName(ctx, name); {
	case err == nil:
		return nil, ErrNameConflict.New("%q", name)
	case !ErrCollectionNotFound.Has(err):
		return nil, err
	}

	var id int64
	err = home.tx.tx.QueryRowContext(ctx, `
		INSERT INTO collections DEFAULT VALUES
		RETURNING resource_id
	`).Scan(&id)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = home.tx.tx.ExecContext(ctx, `
		INSERT INTO collection_bind (home_resource_id, collection_resource_id, resource_name, bind_mode, bind_status)
		VALUES ($1, $2, $3, $4, $5)
	`, home.id, id, name, BindModeOwn, BindStatusAccepted)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	child := home.childFromBind(bindRow{
		CollectionID: id,
		Name:         name,
		Mode:         BindModeOwn,
		Status:       BindStatusAccepted,
	})
	if err := child.initSyncToken(ctx); err != nil {
		return nil, err
	}

	home.tx.SetAfterCommit(keyForChildWithName(home.id, name), cachedChild{
		ResourceID: id,
		BindMode:   BindModeOwn,
		BindStatus: BindStatusAccepted,
	})
	home.bumpModified(ctx)
	home.notifyChanged()
	return child, nil
}

// RemoveChildWithName removes the named collection from the home. For an
// owned collection the collection and all its objects are destroyed and
// every sharee loses it; for a shared collection only this home's bind is
// severed and the owner's data is untouched.
func (home *Home) RemoveChildWithName(ctx context.Context, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	child, err := home.ChildWithName(ctx, name)
	if err != nil {
		return err
	}

	if !child.Owned() {
		return child.unbind(ctx)
	}

	// Tombstone first: deletedSyncToken still needs the bind rows to know
	// which homes the collection was visible in.
	if err := child.deletedSyncToken(ctx, false); err != nil {
		return err
	}

	var used int64
	err = home.tx.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0) FROM objects WHERE collection_resource_id = $1
	`, child.id).Scan(&used)
	if err != nil {
		return Error.Wrap(err)
	}
	if used > 0 {
		if err := home.AdjustQuotaUsedBytes(ctx, -used); err != nil {
			return err
		}
	}

	// Sharee handles become stale; their cached lookups must go too.
	err = withRows(home.tx.tx.QueryContext(ctx, `
		SELECT home_resource_id, resource_name FROM collection_bind
		WHERE collection_resource_id = $1
	`, child.id))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var homeID int64
			var bindName string
			if err := rows.Scan(&homeID, &bindName); err != nil {
				return err
			}
			home.tx.InvalidateAfterCommit(keyForChildWithName(homeID, bindName))
		}
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	// Cascades to objects and binds.
	if _, err := home.tx.tx.ExecContext(ctx,
		`DELETE FROM collections WHERE resource_id = $1`, child.id); err != nil {
		return Error.Wrap(err)
	}

	home.forgetChild(child)
	home.bumpModified(ctx)
	home.notifyChanged()
	return nil
}

// unbind severs a sharee home's bind without touching the owner's data.
// The share remains declinable again only through a fresh invitation.
func (collection *Collection) unbind(ctx context.Context) error {
	if err := collection.deletedSyncToken(ctx, true); err != nil {
		return err
	}
	if _, err := collection.home.tx.tx.ExecContext(ctx, `
		DELETE FROM collection_bind
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, collection.home.id, collection.id); err != nil {
		return Error.Wrap(err)
	}
	collection.home.tx.InvalidateAfterCommit(keyForChildWithName(collection.home.id, collection.name))
	collection.home.forgetChild(collection)
	collection.home.bumpModified(ctx)
	collection.home.notifyChanged()
	return nil
}

// Rename changes the name the collection is bound under in this home.
// Sharees rename only their own view; the owner's name is unaffected.
func (collection *Collection) Rename(ctx context.Context, newName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !ValidResourceName(newName) {
		return ErrNameNotAllowed.New("%q", newName)
	}
	home := collection.home
	switch _, err := home.ChildWithName(ctx, newName); {
	case err == nil:
		return ErrNameConflict.New("%q", newName)
	case !ErrCollectionNotFound.Has(err):
		return err
	}

	_, err = home.tx.tx.ExecContext(ctx, `
		UPDATE collection_bind SET resource_name = $3
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, home.id, collection.id, newName)
	if err != nil {
		return Error.Wrap(err)
	}

	oldName := collection.name
	delete(home.children, oldName)
	collection.name = newName
	home.children[newName] = collection

	if err := collection.renameSyncToken(ctx); err != nil {
		return err
	}

	home.tx.InvalidateAfterCommit(keyForChildWithName(home.id, oldName))
	home.tx.SetAfterCommit(keyForChildWithName(home.id, newName), cachedChild{
		ResourceID:   collection.id,
		BindMode:     collection.bindMode,
		BindStatus:   collection.bindStatus,
		BindRevision: collection.bindRevision,
		Message:      collection.message,
	})
	home.bumpModified(ctx)
	home.notifyChanged()
	return nil
}

// CountObjectResources returns the number of objects in the collection.
func (collection *Collection) CountObjectResources(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM objects WHERE collection_resource_id = $1
	`, collection.id).Scan(&count)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// ListObjectResourceNames returns the names of objects visible through
// this view of the collection.
func (collection *Collection) ListObjectResourceNames(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !collection.Owned() && collection.bindStatus != BindStatusAccepted {
		return nil, ErrShareNotAllowed.New("collection %d is not accepted", collection.id)
	}
	if restricted, names, err := collection.visibleNamesIfGroupLimited(ctx); err != nil {
		return nil, err
	} else if restricted {
		return names, nil
	}

	var names []string
	err = withRows(collection.home.tx.tx.QueryContext(ctx, `
		SELECT resource_name FROM objects
		WHERE collection_resource_id = $1
		ORDER BY resource_name
	`, collection.id))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return names, nil
}
