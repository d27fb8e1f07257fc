// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/davstore/davstore/private/tagsql"
)

// Group membership is stored as versioned edges: every change appends a
// row carrying the revision it happened at, so membership can be
// reconstructed at any point of the log. An edge is present at revision R
// when its newest row with revision <= R is not a removal.

// groupBindRow is one group_bind row as seen from a specific home.
type groupBindRow struct {
	GroupID  int64
	Name     string
	Mode     BindMode
	Status   BindStatus
	Revision int64
	Message  string
}

// SetGroupMembers replaces the direct membership of a group with the
// given object resource ids. All edges added or removed by the change
// share one revision.
func (object *ObjectResource) SetGroupMembers(ctx context.Context, memberIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if object.kind != KindGroup {
		return ErrShareNotAllowed.New("object %q is not a group", object.name)
	}
	collection := object.collection
	if ok, err := collection.objectWriteable(ctx, object.name); err != nil {
		return err
	} else if !ok {
		return ErrShareNotAllowed.New("object %q is not writeable", object.name)
	}

	current, err := object.directMemberIDs(ctx, math.MaxInt64)
	if err != nil {
		return err
	}
	desired := make(map[int64]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		desired[id] = struct{}{}
	}

	var added, removed []int64
	for id := range desired {
		if _, ok := current[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range current {
		if _, ok := desired[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	tx := collection.home.tx
	revision, err := tx.nextRevision(ctx)
	if err != nil {
		return err
	}
	for _, id := range added {
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO group_members (group_resource_id, member_resource_id, revision, removed)
			VALUES ($1, $2, $3, false)
		`, object.id, id, revision); err != nil {
			return Error.Wrap(err)
		}
	}
	for _, id := range removed {
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO group_members (group_resource_id, member_resource_id, revision, removed)
			VALUES ($1, $2, $3, true)
		`, object.id, id, revision); err != nil {
			return Error.Wrap(err)
		}
	}

	if err := collection.updateRevision(ctx, object.name); err != nil {
		return err
	}
	collection.bumpModified(ctx)
	collection.home.notifyChanged()
	return nil
}

// GroupMemberIDs returns the current direct members of the group.
func (object *ObjectResource) GroupMemberIDs(ctx context.Context) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if object.kind != KindGroup {
		return nil, ErrShareNotAllowed.New("object %q is not a group", object.name)
	}
	members, err := object.directMemberIDs(ctx, math.MaxInt64)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids, nil
}

// directMemberIDs reconstructs the direct member set of a group at the
// given revision.
func (object *ObjectResource) directMemberIDs(ctx context.Context, at int64) (map[int64]struct{}, error) {
	return directGroupMembers(ctx, object.collection.home.tx, object.id, at)
}

func directGroupMembers(ctx context.Context, tx *Tx, groupID, at int64) (map[int64]struct{}, error) {
	members := make(map[int64]struct{})
	err := withRows(tx.tx.QueryContext(ctx, `
		SELECT DISTINCT ON (member_resource_id) member_resource_id, removed
		FROM group_members
		WHERE group_resource_id = $1 AND revision <= $2
		ORDER BY member_resource_id, revision DESC
	`, groupID, at))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var id int64
			var removed bool
			if err := rows.Scan(&id, &removed); err != nil {
				return err
			}
			if !removed {
				members[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return members, nil
}

// expandGroups computes the transitive closure of the given groups at the
// given revision: every direct and nested member id, plus the group ids
// themselves. Cycles are tolerated.
func expandGroups(ctx context.Context, tx *Tx, groupIDs []int64, at int64) (map[int64]struct{}, error) {
	expanded := make(map[int64]struct{})
	queue := append([]int64(nil), groupIDs...)
	visited := make(map[int64]struct{})
	for len(queue) > 0 {
		groupID := queue[0]
		queue = queue[1:]
		if _, ok := visited[groupID]; ok {
			continue
		}
		visited[groupID] = struct{}{}
		expanded[groupID] = struct{}{}

		members, err := directGroupMembers(ctx, tx, groupID, at)
		if err != nil {
			return nil, err
		}
		for id := range members {
			expanded[id] = struct{}{}
			var kind Kind
			err := tx.tx.QueryRowContext(ctx,
				`SELECT kind FROM objects WHERE resource_id = $1`, id).Scan(&kind)
			if errors.Is(err, sql.ErrNoRows) {
				// Member object has been deleted; the edge stays for
				// historical reconstruction but expands to nothing.
				continue
			}
			if err != nil {
				return nil, Error.Wrap(err)
			}
			if kind == KindGroup {
				queue = append(queue, id)
			}
		}
	}
	return expanded, nil
}

// ShareWith binds this group into the sharee home. Works like
// Collection.ShareWith, and on first acceptance additionally bootstraps
// an indirect, group-limited view of the enclosing collection in the
// sharee home.
func (object *ObjectResource) ShareWith(ctx context.Context, sharee *Home, mode BindMode, status BindStatus, message string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	collection := object.collection
	if object.kind != KindGroup {
		return "", ErrShareNotAllowed.New("object %q is not a group", object.name)
	}
	if !collection.Owned() {
		return "", ErrShareNotAllowed.New("only the owner may share group %q", object.name)
	}
	if sharee.id == collection.home.id {
		return "", ErrShareNotAllowed.New("cannot share group %q with its owner", object.name)
	}
	if mode != BindModeRead && mode != BindModeWrite {
		return "", ErrShareNotAllowed.New("cannot grant mode %v", mode)
	}
	if status != BindStatusInvited && status != BindStatusAccepted {
		return "", ErrShareNotAllowed.New("cannot share with status %v", status)
	}

	tx := collection.home.tx
	shareName := uuid.NewString()
	err = tx.Subtransaction(ctx, func(ctx context.Context) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO group_bind (home_resource_id, group_resource_id, resource_name, bind_mode, bind_status, message)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		`, sharee.id, object.id, shareName, mode, BindStatusInvited, message)
		return Error.Wrap(err)
	}, tx.db.config.retries())
	if err != nil {
		if !ErrAllRetriesFailed.Has(err) {
			return "", err
		}
		bind, berr := object.shareeGroupBind(ctx, sharee)
		if berr != nil {
			return "", berr
		}
		if _, uerr := tx.tx.ExecContext(ctx, `
			UPDATE group_bind SET bind_mode = $3, bind_status = $4, message = NULLIF($5, '')
			WHERE home_resource_id = $1 AND group_resource_id = $2
		`, sharee.id, object.id, mode, BindStatusInvited, message); uerr != nil {
			return "", Error.Wrap(uerr)
		}
		shareName = bind.Name
	}

	if status == BindStatusAccepted {
		if err := object.UpdateShare(ctx, sharee, BindStatusAccepted); err != nil {
			return "", err
		}
	} else {
		sharee.notifyChanged()
	}
	collection.home.notifyChanged()
	return shareName, nil
}

// UpdateShare transitions the sharee's group bind. Acceptance and
// decline drive the enclosing collection's indirect bind: the first
// accepted grant for the collection bootstraps the sharee's revision log
// slice, the last declined grant tears it down.
func (object *ObjectResource) UpdateShare(ctx context.Context, sharee *Home, status BindStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	if object.kind != KindGroup {
		return ErrShareNotAllowed.New("object %q is not a group", object.name)
	}
	bind, err := object.shareeGroupBind(ctx, sharee)
	if err != nil {
		return err
	}

	switch status {
	case BindStatusAccepted:
		return object.acceptGroupShare(ctx, sharee, bind)
	case BindStatusDeclined:
		return object.declineGroupShare(ctx, sharee, bind, false)
	default:
		return ErrShareNotAllowed.New("cannot transition share to %v", status)
	}
}

func (object *ObjectResource) acceptGroupShare(ctx context.Context, sharee *Home, bind groupBindRow) error {
	collection := object.collection
	tx := collection.home.tx

	prev, err := collection.collectionGrantCount(ctx, sharee)
	if err != nil {
		return err
	}

	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE group_bind SET bind_status = $3, bind_revision = nextval('revision_seq')
		WHERE home_resource_id = $1 AND group_resource_id = $2
	`, sharee.id, object.id, BindStatusAccepted); err != nil {
		return Error.Wrap(err)
	}

	if prev == 0 {
		if err := collection.ensureIndirectBind(ctx, sharee); err != nil {
			return err
		}
	}

	sharee.notifyChanged()
	collection.home.notifyChanged()
	return nil
}

func (object *ObjectResource) declineGroupShare(ctx context.Context, sharee *Home, bind groupBindRow, remove bool) error {
	collection := object.collection
	tx := collection.home.tx

	if remove {
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM group_bind
			WHERE home_resource_id = $1 AND group_resource_id = $2
		`, sharee.id, object.id); err != nil {
			return Error.Wrap(err)
		}
	} else {
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE group_bind SET bind_status = $3
			WHERE home_resource_id = $1 AND group_resource_id = $2
		`, sharee.id, object.id, BindStatusDeclined); err != nil {
			return Error.Wrap(err)
		}
	}

	remaining, err := collection.collectionGrantCount(ctx, sharee)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := collection.dropIndirectBind(ctx, sharee); err != nil {
			return err
		}
	} else if err := collection.bumpSiblingBinds(ctx, sharee); err != nil {
		return err
	}

	sharee.notifyChanged()
	collection.home.notifyChanged()
	return nil
}

// UnshareWith removes the sharee's group bind entirely and returns the
// share name it was bound under.
func (object *ObjectResource) UnshareWith(ctx context.Context, sharee *Home) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if object.kind != KindGroup {
		return "", ErrShareNotAllowed.New("object %q is not a group", object.name)
	}
	if !object.collection.Owned() {
		return "", ErrShareNotAllowed.New("only the owner may unshare group %q", object.name)
	}
	bind, err := object.shareeGroupBind(ctx, sharee)
	if err != nil {
		return "", err
	}
	if err := object.declineGroupShare(ctx, sharee, bind, true); err != nil {
		return "", err
	}
	return bind.Name, nil
}

func (object *ObjectResource) shareeGroupBind(ctx context.Context, sharee *Home) (bind groupBindRow, err error) {
	bind.GroupID = object.id
	err = object.collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT resource_name, bind_mode, bind_status, bind_revision, COALESCE(message, '')
		FROM group_bind
		WHERE home_resource_id = $1 AND group_resource_id = $2
	`, sharee.id, object.id).Scan(&bind.Name, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return groupBindRow{}, ErrShareNotAllowed.New("group %q is not shared with home %d", object.name, sharee.id)
	}
	if err != nil {
		return groupBindRow{}, Error.Wrap(err)
	}
	return bind, nil
}

// collectionGrantCount counts the binds currently granting the sharee
// access to this collection: an accepted, non-indirect direct bind plus
// every accepted group bind into the collection.
func (collection *Collection) collectionGrantCount(ctx context.Context, sharee *Home) (int, error) {
	count, err := collection.acceptedGroupBindCount(ctx, sharee)
	if err != nil {
		return 0, err
	}
	var direct int
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM collection_bind
		WHERE home_resource_id = $1 AND collection_resource_id = $2
		  AND bind_status = $3 AND bind_mode != $4
	`, sharee.id, collection.id, BindStatusAccepted, BindModeIndirect).Scan(&direct)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count + direct, nil
}

// ensureIndirectBind gives the sharee a group-limited view of the
// collection: an indirect accepted bind with its own revision-log slice
// and visibility epoch. Racing binds are absorbed the same way ShareWith
// absorbs them.
func (collection *Collection) ensureIndirectBind(ctx context.Context, sharee *Home) error {
	tx := collection.home.tx
	shareName := uuid.NewString()
	err := tx.Subtransaction(ctx, func(ctx context.Context) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO collection_bind (home_resource_id, collection_resource_id, resource_name, bind_mode, bind_status)
			VALUES ($1, $2, $3, $4, $5)
		`, sharee.id, collection.id, shareName, BindModeIndirect, BindStatusAccepted)
		return Error.Wrap(err)
	}, tx.db.config.retries())
	if err != nil {
		if !ErrAllRetriesFailed.Has(err) {
			return err
		}
		// A bind row already exists. Only an indirect one may be revived
		// here; a pending direct invitation keeps its own lifecycle.
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE collection_bind SET bind_status = $3
			WHERE home_resource_id = $1 AND collection_resource_id = $2 AND bind_mode = $4
		`, sharee.id, collection.id, BindStatusAccepted, BindModeIndirect)
		if err != nil {
			return Error.Wrap(err)
		}
		bind, err := collection.shareeBind(ctx, sharee)
		if err != nil {
			return err
		}
		if bind.Mode != BindModeIndirect || bind.Status != BindStatusAccepted {
			return nil
		}
		shareName = bind.Name
	}

	view := sharee.childFromBind(bindRow{
		CollectionID: collection.id,
		Name:         shareName,
		Mode:         BindModeIndirect,
		Status:       BindStatusAccepted,
	})
	if err := view.initSyncToken(ctx); err != nil {
		return err
	}
	if err := view.initBindRevision(ctx); err != nil {
		return err
	}
	tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, shareName))
	return nil
}

// dropIndirectBind tears down the sharee's group-limited view once no
// grant remains. Direct binds are left alone.
func (collection *Collection) dropIndirectBind(ctx context.Context, sharee *Home) error {
	tx := collection.home.tx
	bind, err := collection.shareeBind(ctx, sharee)
	if ErrShareNotAllowed.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if bind.Mode != BindModeIndirect {
		return nil
	}

	view := sharee.childFromBind(bind)
	if bind.Status == BindStatusAccepted {
		if err := view.deletedSyncToken(ctx, true); err != nil {
			return err
		}
	}
	if _, err := tx.tx.ExecContext(ctx, `
		DELETE FROM collection_bind
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, sharee.id, collection.id); err != nil {
		return Error.Wrap(err)
	}
	sharee.forgetChild(view)
	tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, bind.Name))
	return nil
}

// removeGroupState cleans up sharing state when a group object is
// deleted: every sharee loses this grant, and views kept alive only by
// it are torn down.
func (object *ObjectResource) removeGroupState(ctx context.Context) error {
	collection := object.collection
	tx := collection.home.tx

	var shareeIDs []int64
	err := withRows(tx.tx.QueryContext(ctx, `
		SELECT home_resource_id FROM group_bind WHERE group_resource_id = $1
	`, object.id))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			shareeIDs = append(shareeIDs, id)
		}
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	owner, err := collection.ownerView(ctx)
	if err != nil {
		return err
	}
	for _, shareeID := range shareeIDs {
		sharee, err := tx.homeWithID(ctx, shareeID)
		if err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM group_bind
			WHERE home_resource_id = $1 AND group_resource_id = $2
		`, shareeID, object.id); err != nil {
			return Error.Wrap(err)
		}
		remaining, err := owner.collectionGrantCount(ctx, sharee)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := owner.dropIndirectBind(ctx, sharee); err != nil {
				return err
			}
		}
		sharee.notifyChanged()
	}

	if _, err := tx.tx.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_resource_id = $1
	`, object.id); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// acceptedGroupBinds returns this home's accepted group binds whose
// groups live in the given collection.
func (collection *Collection) acceptedGroupBinds(ctx context.Context) (_ []groupBindRow, err error) {
	var binds []groupBindRow
	err = withRows(collection.home.tx.tx.QueryContext(ctx, `
		SELECT g.group_resource_id, g.resource_name, g.bind_mode, g.bind_status, g.bind_revision, COALESCE(g.message, '')
		FROM group_bind g
		JOIN objects o ON o.resource_id = g.group_resource_id
		WHERE g.home_resource_id = $1 AND o.collection_resource_id = $2 AND g.bind_status = $3
	`, collection.home.id, collection.id, BindStatusAccepted))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var bind groupBindRow
			if err := rows.Scan(&bind.GroupID, &bind.Name, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message); err != nil {
				return err
			}
			binds = append(binds, bind)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return binds, nil
}

// visibleObjectIDs computes the ids visible through a group-limited view
// at the given revision.
func (collection *Collection) visibleObjectIDs(ctx context.Context, at int64) (map[int64]struct{}, error) {
	binds, err := collection.acceptedGroupBinds(ctx)
	if err != nil {
		return nil, err
	}
	groupIDs := make([]int64, 0, len(binds))
	for _, bind := range binds {
		groupIDs = append(groupIDs, bind.GroupID)
	}
	return expandGroups(ctx, collection.home.tx, groupIDs, at)
}

// visibleNamesIfGroupLimited reports whether this view is restricted to
// shared-group members, and if so which object names are visible now.
func (collection *Collection) visibleNamesIfGroupLimited(ctx context.Context) (restricted bool, names []string, err error) {
	if collection.bindMode != BindModeIndirect {
		return false, nil, nil
	}
	visible, err := collection.visibleObjectIDs(ctx, math.MaxInt64)
	if err != nil {
		return true, nil, err
	}
	names, err = collection.namesForObjectIDs(ctx, visible)
	if err != nil {
		return true, nil, err
	}
	return true, names, nil
}

// namesForObjectIDs resolves ids to the names of objects that currently
// exist in this collection, sorted by name. Ids of deleted objects or of
// objects living elsewhere resolve to nothing.
func (collection *Collection) namesForObjectIDs(ctx context.Context, ids map[int64]struct{}) (_ []string, err error) {
	var names []string
	err = withRows(collection.home.tx.tx.QueryContext(ctx, `
		SELECT resource_id, resource_name FROM objects
		WHERE collection_resource_id = $1
		ORDER BY resource_name
	`, collection.id))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			if _, ok := ids[id]; ok {
				names = append(names, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return names, nil
}

// AccessControlObjectIDs splits the objects visible through this view
// into read-only and read-write sets. Write wins: an object reachable
// through both a read-only and a read-write group is writeable.
func (collection *Collection) AccessControlObjectIDs(ctx context.Context) (readOnly, readWrite []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	binds, err := collection.acceptedGroupBinds(ctx)
	if err != nil {
		return nil, nil, err
	}
	var readGroups, writeGroups []int64
	for _, bind := range binds {
		if bind.Mode == BindModeWrite {
			writeGroups = append(writeGroups, bind.GroupID)
		} else {
			readGroups = append(readGroups, bind.GroupID)
		}
	}
	tx := collection.home.tx
	writable, err := expandGroups(ctx, tx, writeGroups, math.MaxInt64)
	if err != nil {
		return nil, nil, err
	}
	readable, err := expandGroups(ctx, tx, readGroups, math.MaxInt64)
	if err != nil {
		return nil, nil, err
	}
	for id := range writable {
		readWrite = append(readWrite, id)
	}
	for id := range readable {
		if _, ok := writable[id]; !ok {
			readOnly = append(readOnly, id)
		}
	}
	return readOnly, readWrite, nil
}

// objectWriteable reports whether the named object may be mutated through
// this view. Owned and read-write views write everything; group-limited
// views write only objects reachable through a read-write group.
func (collection *Collection) objectWriteable(ctx context.Context, name string) (bool, error) {
	if collection.writeable() {
		return true, nil
	}
	if collection.bindMode != BindModeIndirect {
		return false, nil
	}

	binds, err := collection.acceptedGroupBinds(ctx)
	if err != nil {
		return false, err
	}
	var writeGroups []int64
	for _, bind := range binds {
		if bind.Mode == BindModeWrite {
			writeGroups = append(writeGroups, bind.GroupID)
		}
	}
	if len(writeGroups) == 0 {
		return false, nil
	}
	writable, err := expandGroups(ctx, collection.home.tx, writeGroups, math.MaxInt64)
	if err != nil {
		return false, err
	}
	names, err := collection.namesForObjectIDs(ctx, writable)
	if err != nil {
		return false, err
	}
	for _, candidate := range names {
		if candidate == name {
			return true, nil
		}
	}
	return false, nil
}

// groupLimitedNamesSince diffs the visible object set of a group-limited
// view between the given revision and now: membership changes surface as
// insertions and removals even when the underlying objects were not
// themselves modified.
func (collection *Collection) groupLimitedNamesSince(ctx context.Context, since int64) (changed, deleted []string, err error) {
	oldVisible, err := collection.visibleObjectIDs(ctx, since)
	if err != nil {
		return nil, nil, err
	}
	newVisible, err := collection.visibleObjectIDs(ctx, math.MaxInt64)
	if err != nil {
		return nil, nil, err
	}

	// Collect the names of everything currently in the collection, keyed
	// by id, to resolve both sides of the diff.
	idToName := make(map[int64]string)
	err = withRows(collection.home.tx.tx.QueryContext(ctx, `
		SELECT resource_id, resource_name FROM objects
		WHERE collection_resource_id = $1
	`, collection.id))(func(rows tagsql.Rows) error {
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			idToName[id] = name
		}
		return nil
	})
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	// Entered the visible set, or still visible and modified since.
	modified, removedNames, err := collection.logNamesSince(ctx, since)
	if err != nil {
		return nil, nil, err
	}
	modifiedSet := make(map[string]struct{}, len(modified))
	for _, name := range modified {
		modifiedSet[name] = struct{}{}
	}

	seen := make(map[string]struct{})
	for id := range newVisible {
		name, ok := idToName[id]
		if !ok {
			continue
		}
		_, wasVisible := oldVisible[id]
		_, wasModified := modifiedSet[name]
		if !wasVisible || wasModified {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				changed = append(changed, name)
			}
		}
	}
	// Left the visible set while the object survives, or the object was
	// deleted outright.
	deletedSeen := make(map[string]struct{})
	for id := range oldVisible {
		if _, still := newVisible[id]; still {
			continue
		}
		if name, ok := idToName[id]; ok {
			if _, dup := deletedSeen[name]; !dup {
				deletedSeen[name] = struct{}{}
				deleted = append(deleted, name)
			}
		}
	}
	for _, name := range removedNames {
		if _, dup := deletedSeen[name]; !dup {
			deletedSeen[name] = struct{}{}
			deleted = append(deleted, name)
		}
	}
	return changed, deleted, nil
}
