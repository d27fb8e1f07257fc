// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davstore/davstore/private/dbutil/pgutil"
	"github.com/davstore/davstore/private/tagsql"
)

// Home is the per-owner root of the store. It owns collections and is the
// anchor for quota accounting and the revision log.
type Home struct {
	tx *Tx

	id          int64
	ownerUID    string
	dataVersion int

	metaLoaded bool
	created    time.Time
	modified   time.Time

	quotaUsedBytes *int64

	syncTokenRevision *int64

	children     map[string]*Collection
	childrenByID map[int64]*Collection

	notifier Notifier
}

func newHome(tx *Tx, id int64, ownerUID string, dataVersion int) *Home {
	home := &Home{
		tx:           tx,
		id:           id,
		ownerUID:     ownerUID,
		dataVersion:  dataVersion,
		children:     make(map[string]*Collection),
		childrenByID: make(map[int64]*Collection),
	}
	if tx.db.config.Notifiers != nil {
		home.notifier = tx.db.config.Notifiers.NewNotifier(ownerUID)
	}
	return home
}

// ID returns the opaque resource id of the home.
func (home *Home) ID() int64 { return home.id }

// OwnerUID returns the stable owner UID of the home.
func (home *Home) OwnerUID() string { return home.ownerUID }

// DataVersion returns the store schema data version recorded for the home.
func (home *Home) DataVersion() int { return home.dataVersion }

// HomeWithUID returns the home of the given owner. When create is set and
// no home exists one is provisioned; concurrent provisioning races are
// absorbed by re-reading the row the winner inserted.
func (tx *Tx) HomeWithUID(ctx context.Context, ownerUID string, create bool) (_ *Home, err error) {
	defer mon.Task()(&ctx)(&err)

	if home, ok := tx.homes[ownerUID]; ok {
		return home, nil
	}

	if value, ok := tx.db.cache.Get(keyForHomeWithUID(ownerUID)); ok {
		cached := value.(cachedHome)
		home := newHome(tx, cached.ResourceID, ownerUID, cached.DataVersion)
		tx.homes[ownerUID] = home
		return home, nil
	}

	home, err := tx.loadHome(ctx, ownerUID)
	if err == nil {
		// Committed state, safe to publish immediately.
		tx.db.cache.Set(keyForHomeWithUID(ownerUID), cachedHome{
			ResourceID:  home.id,
			DataVersion: home.dataVersion,
		})
		tx.homes[ownerUID] = home
		return home, nil
	}
	if !ErrHomeNotFound.Has(err) {
		return nil, err
	}
	if !create {
		return nil, err
	}

	if dir := tx.db.config.Directory; dir != nil {
		exists, err := dir.RecordExists(ctx, ownerUID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if !exists {
			return nil, ErrUnknownOwner.New("%q", ownerUID)
		}
	}

	home, err = tx.createHome(ctx, ownerUID)
	if err != nil {
		return nil, err
	}
	tx.homes[ownerUID] = home
	return home, nil
}

// homeWithID resolves a home by resource id, reusing any handle already
// loaded in this transaction.
func (tx *Tx) homeWithID(ctx context.Context, id int64) (*Home, error) {
	for _, home := range tx.homes {
		if home.id == id {
			return home, nil
		}
	}
	var ownerUID string
	var dataVersion int
	err := tx.tx.QueryRowContext(ctx, `
		SELECT owner_uid, data_version FROM homes WHERE resource_id = $1
	`, id).Scan(&ownerUID, &dataVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHomeNotFound.New("id %d", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	home := newHome(tx, id, ownerUID, dataVersion)
	tx.homes[ownerUID] = home
	return home, nil
}

func (tx *Tx) loadHome(ctx context.Context, ownerUID string) (*Home, error) {
	var id int64
	var dataVersion int
	err := tx.tx.QueryRowContext(ctx, `
		SELECT resource_id, data_version FROM homes WHERE owner_uid = $1
	`, ownerUID).Scan(&id, &dataVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHomeNotFound.New("%q", ownerUID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return newHome(tx, id, ownerUID, dataVersion), nil
}

func (tx *Tx) createHome(ctx context.Context, ownerUID string) (*Home, error) {
	var id int64
	var dataVersion int
	err := tx.Subtransaction(ctx, func(ctx context.Context) error {
		err := tx.tx.QueryRowContext(ctx, `
			INSERT INTO homes (owner_uid) VALUES ($1)
			RETURNING resource_id, data_version
		`, ownerUID).Scan(&id, &dataVersion)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO home_metadata (resource_id) VALUES ($1)
		`, id)
		return Error.Wrap(err)
	}, 0)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			// Lost the provisioning race; the other transaction's row is
			// the home now.
			return tx.loadHome(ctx, ownerUID)
		}
		return nil, err
	}

	home := newHome(tx, id, ownerUID, dataVersion)

	if name := tx.db.config.DefaultCollectionName; name != "" {
		if _, err := home.CreateChildWithName(ctx, name); err != nil {
			return nil, err
		}
	}

	// The uid lookup must not become visible to other transactions until
	// this one commits.
	tx.SetAfterCommit(keyForHomeWithUID(ownerUID), cachedHome{
		ResourceID:  id,
		DataVersion: dataVersion,
	})

	return home, nil
}

// loadMetadata reads the home metadata row once per handle.
func (home *Home) loadMetadata(ctx context.Context) error {
	if home.metaLoaded {
		return nil
	}
	err := home.tx.tx.QueryRowContext(ctx, `
		SELECT created, modified FROM home_metadata WHERE resource_id = $1
	`, home.id).Scan(&home.created, &home.modified)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCorruption.New("home %d has no metadata row", home.id)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	home.metaLoaded = true
	return nil
}

// Created returns the creation timestamp of the home.
func (home *Home) Created(ctx context.Context) (time.Time, error) {
	if err := home.loadMetadata(ctx); err != nil {
		return time.Time{}, err
	}
	return home.created, nil
}

// Modified returns the last-modified timestamp of the home.
func (home *Home) Modified(ctx context.Context) (time.Time, error) {
	if err := home.loadMetadata(ctx); err != nil {
		return time.Time{}, err
	}
	return home.modified, nil
}

// bumpModified advances the home modified timestamp. Contention on the
// metadata row is tolerated: losing a redundant bump is harmless as long
// as some concurrent writer succeeds, so exhausted retries are only
// logged.
func (home *Home) bumpModified(ctx context.Context) {
	err := home.tx.Subtransaction(ctx, func(ctx context.Context) error {
		if _, err := home.tx.tx.ExecContext(ctx, `
			SELECT 1 FROM home_metadata WHERE resource_id = $1 FOR UPDATE NOWAIT
		`, home.id); err != nil {
			return Error.Wrap(err)
		}
		err := home.tx.tx.QueryRowContext(ctx, `
			UPDATE home_metadata SET modified = now()
			WHERE resource_id = $1
			RETURNING modified
		`, home.id).Scan(&home.modified)
		return Error.Wrap(err)
	}, 1)
	if err != nil {
		home.tx.log.Error("failed to bump modified timestamp",
			zap.Int64("home", home.id), zap.Error(err))
	}
}

// notifyChanged schedules a change notification for the home to fire
// after commit.
func (home *Home) notifyChanged() {
	if home.notifier != nil {
		home.tx.PostCommit(home.notifier.Notify)
	}
}

// ListChildNames returns the names of all accepted collections bound into
// the home.
func (home *Home) ListChildNames(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var names []string
	err = withRows(home.tx.tx.QueryContext(ctx, `
		SELECT resource_name FROM collection_bind
		WHERE home_resource_id = $1 AND bind_status = $2
		ORDER BY resource_name
	`, home.id, BindStatusAccepted))(func(rows tagsql.Rows) error {
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

// Children returns all accepted collections bound into the home, owned
// and shared alike.
func (home *Home) Children(ctx context.Context) (_ []*Collection, err error) {
	defer mon.Task()(&ctx)(&err)

	var children []*Collection
	err = withRows(home.tx.tx.QueryContext(ctx, `
		SELECT collection_resource_id, resource_name, bind_mode, bind_status, bind_revision, COALESCE(message, '')
		FROM collection_bind
		WHERE home_resource_id = $1 AND bind_status = $2
		ORDER BY resource_name
	`, home.id, BindStatusAccepted))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var bind bindRow
			if err := rows.Scan(&bind.CollectionID, &bind.Name, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message); err != nil {
				return err
			}
			children = append(children, home.childFromBind(bind))
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return children, nil
}

// ChildWithName returns the accepted collection with the given name.
func (home *Home) ChildWithName(ctx context.Context, name string) (*Collection, error) {
	return home.childWithName(ctx, name, BindStatusAccepted)
}

// InvitedChildWithName returns the invited (not yet accepted) collection
// with the given share name.
func (home *Home) InvitedChildWithName(ctx context.Context, name string) (*Collection, error) {
	return home.childWithName(ctx, name, BindStatusInvited)
}

func (home *Home) childWithName(ctx context.Context, name string, status BindStatus) (_ *Collection, err error) {
	defer mon.Task()(&ctx)(&err)

	if child, ok := home.children[name]; ok && child.bindStatus == status {
		return child, nil
	}

	cacheKey := keyForChildWithName(home.id, name)
	if value, ok := home.tx.db.cache.Get(cacheKey); ok {
		cached := value.(cachedChild)
		if cached.ResourceID == 0 {
			// Negative entry: only authoritative for the status it was
			// probed with.
			if cached.BindStatus == status {
				return nil, ErrCollectionNotFound.New("%q", name)
			}
		} else if cached.BindStatus == status {
			return home.childFromBind(bindRow{
				CollectionID: cached.ResourceID,
				Name:         name,
				Mode:         cached.BindMode,
				Status:       cached.BindStatus,
				Revision:     cached.BindRevision,
				Message:      cached.Message,
			}), nil
		}
	}

	var bind bindRow
	bind.Name = name
	err = home.tx.tx.QueryRowContext(ctx, `
		SELECT collection_resource_id, bind_mode, bind_status, bind_revision, COALESCE(message, '')
		FROM collection_bind
		WHERE home_resource_id = $1 AND resource_name = $2 AND bind_status = $3
	`, home.id, name, status).Scan(&bind.CollectionID, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message)
	if errors.Is(err, sql.ErrNoRows) {
		home.tx.db.cache.Set(cacheKey, cachedChild{BindStatus: status})
		return nil, ErrCollectionNotFound.New("%q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	home.tx.db.cache.Set(cacheKey, cachedChild{
		ResourceID:   bind.CollectionID,
		BindMode:     bind.Mode,
		BindStatus:   bind.Status,
		BindRevision: bind.Revision,
		Message:      bind.Message,
	})
	return home.childFromBind(bind), nil
}

// ChildWithID returns the accepted collection with the given resource id.
func (home *Home) ChildWithID(ctx context.Context, id int64) (_ *Collection, err error) {
	defer mon.Task()(&ctx)(&err)

	if child, ok := home.childrenByID[id]; ok {
		return child, nil
	}

	var bind bindRow
	bind.CollectionID = id
	err = home.tx.tx.QueryRowContext(ctx, `
		SELECT resource_name, bind_mode, bind_status, bind_revision, COALESCE(message, '')
		FROM collection_bind
		WHERE home_resource_id = $1 AND collection_resource_id = $2 AND bind_status = $3
	`, home.id, id, BindStatusAccepted).Scan(&bind.Name, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCollectionNotFound.New("id %d", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return home.childFromBind(bind), nil
}

// childFromBind constructs (or re-uses) the collection handle for a bind
// row and registers it under both its name and its id.
func (home *Home) childFromBind(bind bindRow) *Collection {
	if child, ok := home.childrenByID[bind.CollectionID]; ok && child.name == bind.Name {
		return child
	}
	child := &Collection{
		home:         home,
		id:           bind.CollectionID,
		name:         bind.Name,
		bindMode:     bind.Mode,
		bindStatus:   bind.Status,
		bindRevision: bind.Revision,
		message:      bind.Message,
	}
	home.children[bind.Name] = child
	home.childrenByID[bind.CollectionID] = child
	return child
}

// forgetChild drops the in-memory handles of a collection that is no
// longer visible to the home.
func (home *Home) forgetChild(child *Collection) {
	delete(home.children, child.name)
	delete(home.childrenByID, child.id)
}

// ObjectResourcesWithUID returns every object with the given UID across
// the home's owned collections.
func (home *Home) ObjectResourcesWithUID(ctx context.Context, uid string) (_ []*ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	type objectRow struct {
		object       ObjectResource
		collectionID int64
	}
	var loaded []objectRow
	err = withRows(home.tx.tx.QueryContext(ctx, `
		SELECT o.resource_id, o.collection_resource_id, o.resource_name, o.uid, o.kind, o.md5, o.size, o.created, o.modified
		FROM objects o
		WHERE o.uid = $2 AND o.collection_resource_id IN (
			SELECT collection_resource_id FROM collection_bind
			WHERE home_resource_id = $1 AND bind_mode = $3
		)
	`, home.id, uid, BindModeOwn))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var row objectRow
			if err := rows.Scan(&row.object.id, &row.collectionID, &row.object.name, &row.object.uid, &row.object.kind,
				&row.object.md5, &row.object.size, &row.object.created, &row.object.modified); err != nil {
				return err
			}
			loaded = append(loaded, row)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	objects := make([]*ObjectResource, 0, len(loaded))
	for i := range loaded {
		collection, err := home.ChildWithID(ctx, loaded[i].collectionID)
		if err != nil {
			return nil, err
		}
		loaded[i].object.collection = collection
		objects = append(objects, &loaded[i].object)
	}
	return objects, nil
}

// Remove deletes the home and everything reachable from it: owned
// collections with their objects, every bind the home holds, and the
// home's slice of the revision log. The home id is never reused.
func (home *Home) Remove(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	children, err := home.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Owned() {
			if err := home.RemoveChildWithName(ctx, child.name); err != nil {
				return err
			}
		}
	}

	// Binds this home holds on other owners' collections and groups.
	if _, err := home.tx.tx.ExecContext(ctx,
		`DELETE FROM collection_bind WHERE home_resource_id = $1`, home.id); err != nil {
		return Error.Wrap(err)
	}
	if _, err := home.tx.tx.ExecContext(ctx,
		`DELETE FROM group_bind WHERE home_resource_id = $1`, home.id); err != nil {
		return Error.Wrap(err)
	}
	if _, err := home.tx.tx.ExecContext(ctx,
		`DELETE FROM revisions WHERE home_resource_id = $1`, home.id); err != nil {
		return Error.Wrap(err)
	}
	if _, err := home.tx.tx.ExecContext(ctx,
		`DELETE FROM homes WHERE resource_id = $1`, home.id); err != nil {
		return Error.Wrap(err)
	}

	home.tx.InvalidateAfterCommit(keyForHomeWithUID(home.ownerUID))
	delete(home.tx.homes, home.ownerUID)
	home.notifyChanged()
	return nil
}

// bindRow is one collection_bind row as seen from a specific home.
type bindRow struct {
	CollectionID int64
	Name         string
	Mode         BindMode
	Status       BindStatus
	Revision     int64
	Message      string
}
