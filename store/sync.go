// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"sort"

	"github.com/davstore/davstore/private/tagsql"
)

// SyncToken returns the current sync token of the collection: the highest
// revision of any log row belonging to it. The value is cached on the
// handle for the lifetime of the transaction and invalidated by every
// mutation that bumps a revision.
func (collection *Collection) SyncToken(ctx context.Context) (_ SyncToken, err error) {
	defer mon.Task()(&ctx)(&err)

	if collection.syncTokenRevision == nil {
		var revision int64
		err := collection.home.tx.tx.QueryRowContext(ctx, `
			SELECT COALESCE(max(revision), 0) FROM revisions
			WHERE collection_resource_id = $1
		`, collection.id).Scan(&revision)
		if err != nil {
			return SyncToken{}, Error.Wrap(err)
		}
		collection.syncTokenRevision = &revision
	}
	return SyncToken{ResourceID: collection.id, Revision: *collection.syncTokenRevision}, nil
}

// SyncToken returns the current sync token of the home: the highest
// revision over the home's own log slice and every collection reachable
// through its accepted binds.
func (home *Home) SyncToken(ctx context.Context) (_ SyncToken, err error) {
	defer mon.Task()(&ctx)(&err)

	if home.syncTokenRevision == nil {
		var revision int64
		err := home.tx.tx.QueryRowContext(ctx, `
			SELECT COALESCE(max(revision), 0) FROM revisions
			WHERE (home_resource_id = $1 AND collection_resource_id IS NULL)
			   OR collection_resource_id IN (
					SELECT collection_resource_id FROM collection_bind
					WHERE home_resource_id = $1 AND bind_status = $2
			   )
		`, home.id, BindStatusAccepted).Scan(&revision)
		if err != nil {
			return SyncToken{}, Error.Wrap(err)
		}
		home.syncTokenRevision = &revision
	}
	return SyncToken{ResourceID: home.id, Revision: *home.syncTokenRevision}, nil
}

// logNamesSince reads the collection's resource-level log rows newer than
// the given revision: names still alive come back as changed, tombstoned
// names as removed. A name appears on at most one side because rows are
// bumped in place.
func (collection *Collection) logNamesSince(ctx context.Context, since int64) (changed, removed []string, err error) {
	err = withRows(collection.home.tx.tx.QueryContext(ctx, `
		SELECT resource_name, deleted FROM revisions
		WHERE collection_resource_id = $1 AND revision > $2 AND resource_name IS NOT NULL
		ORDER BY resource_name
	`, collection.id, since))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var name string
			var tombstone bool
			if err := rows.Scan(&name, &tombstone); err != nil {
				return err
			}
			if tombstone {
				removed = append(removed, name)
			} else {
				changed = append(changed, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return changed, removed, nil
}

// collectionChangedSince reports whether this home's collection-level log
// row was bumped after the given revision (creation, rename, share
// bootstrap).
func (collection *Collection) collectionChangedSince(ctx context.Context, since int64) (changed bool, err error) {
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM revisions
			WHERE home_resource_id = $1 AND collection_resource_id = $2
			  AND resource_name IS NULL AND revision > $3
		)
	`, collection.home.id, collection.id, since).Scan(&changed)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return changed, nil
}

// ResourceNamesSinceToken answers an incremental sync query scoped to one
// collection. A zero token means "everything"; deletions are suppressed
// for it since the caller has observed nothing yet. A sharee asking with
// a token older than its bind revision gets the full current listing: it
// could not have observed anything before acceptance.
func (collection *Collection) ResourceNamesSinceToken(ctx context.Context, token SyncToken) (changed, deleted []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !token.IsZero() && token.ResourceID != collection.id {
		return nil, nil, ErrInvalidSyncToken.New("token %v does not belong to collection %d", token, collection.id)
	}
	if !collection.Owned() && collection.bindStatus != BindStatusAccepted {
		return nil, nil, ErrShareNotAllowed.New("collection %d is not accepted", collection.id)
	}
	since := token.Revision

	if !collection.Owned() && since < collection.bindRevision {
		names, err := collection.ListObjectResourceNames(ctx)
		if err != nil {
			return nil, nil, err
		}
		return names, nil, nil
	}

	if collection.bindMode == BindModeIndirect {
		changed, deleted, err = collection.groupLimitedNamesSince(ctx, since)
	} else {
		changed, deleted, err = collection.logNamesSince(ctx, since)
	}
	if err != nil {
		return nil, nil, err
	}
	if since == 0 {
		deleted = nil
	}
	return changed, deleted, nil
}

// ChangesSince answers an incremental sync query over the whole home:
// every accepted collection plus home-level tombstones for collections
// that disappeared. Paths are "<collection>/" for the collection itself
// and "<collection>/<resource>" for entries; Depth1 coalesces entries
// into the collection path.
func (home *Home) ChangesSince(ctx context.Context, token SyncToken, depth Depth) (changed, deleted []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !token.IsZero() && token.ResourceID != home.id {
		return nil, nil, ErrInvalidSyncToken.New("token %v does not belong to home %d", token, home.id)
	}
	since := token.Revision

	changedSet := newPathSet()
	deletedSet := newPathSet()

	// Collections that vanished from this home: removed by the owner,
	// unbound, or declined. Only reportable against a real token.
	if since > 0 {
		err = withRows(home.tx.tx.QueryContext(ctx, `
			SELECT collection_name FROM revisions
			WHERE home_resource_id = $1 AND collection_resource_id IS NULL
			  AND deleted AND revision > $2 AND collection_name IS NOT NULL
		`, home.id, since))(func(rows tagsql.Rows) error {
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return err
				}
				deletedSet.add(name + "/")
			}
			return nil
		})
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
	}

	children, err := home.Children(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, child := range children {
		prefix := child.name + "/"

		collectionToken := SyncToken{ResourceID: child.id, Revision: since}
		if since > 0 && !child.Owned() && since < child.bindRevision {
			// Bind-epoch cliff: restart this collection from scratch.
			collectionToken = SyncToken{}
		}
		childChanged, childDeleted, err := child.ResourceNamesSinceToken(ctx, collectionToken)
		if err != nil {
			return nil, nil, err
		}

		rowChanged, err := child.collectionChangedSince(ctx, since)
		if err != nil {
			return nil, nil, err
		}
		if rowChanged || len(childChanged) > 0 || len(childDeleted) > 0 {
			changedSet.add(prefix)
		}
		if depth == Depth1 {
			continue
		}
		for _, name := range childChanged {
			changedSet.add(prefix + name)
		}
		for _, name := range childDeleted {
			deletedSet.add(prefix + name)
		}
	}

	return changedSet.sorted(), deletedSet.sorted(), nil
}

type pathSet struct {
	members map[string]struct{}
}

func newPathSet() *pathSet {
	return &pathSet{members: make(map[string]struct{})}
}

func (set *pathSet) add(path string) {
	set.members[path] = struct{}{}
}

func (set *pathSet) sorted() []string {
	if len(set.members) == 0 {
		return nil
	}
	paths := make([]string, 0, len(set.members))
	for path := range set.members {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
