// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// ShareWith creates (or refreshes) a bind of this owned collection into
// the sharee home and returns the opaque share name the collection is
// bound under there. Status is BindStatusInvited for invitations that
// the sharee must accept, or BindStatusAccepted for owner-initiated
// direct shares, which take effect immediately.
//
// The insert runs inside a subtransaction: when a bind for the pair
// already exists (for example a racing indirect bind from group sharing)
// the retries exhaust on the unique constraint and the call degrades to
// UpdateShare on the existing row.
func (collection *Collection) ShareWith(ctx context.Context, sharee *Home, mode BindMode, status BindStatus, message string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !collection.Owned() {
		return "", ErrShareNotAllowed.New("only the owner may share collection %d", collection.id)
	}
	if sharee.id == collection.home.id {
		return "", ErrShareNotAllowed.New("cannot share collection %d with its owner", collection.id)
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
			INSERT INTO collection_bind (home_resource_id, collection_resource_id, resource_name, bind_mode, bind_status, message)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		`, sharee.id, collection.id, shareName, mode, BindStatusInvited, message)
		return Error.Wrap(err)
	}, tx.db.config.retries())
	if err != nil {
		if !ErrAllRetriesFailed.Has(err) {
			return "", err
		}
		// The bind already exists; mutate it instead. The status reset
		// revives a previously declined bind as a fresh invitation.
		bind, berr := collection.shareeBind(ctx, sharee)
		if berr != nil {
			return "", berr
		}
		if _, uerr := tx.tx.ExecContext(ctx, `
			UPDATE collection_bind SET bind_mode = $3, bind_status = $4, message = NULLIF($5, '')
			WHERE home_resource_id = $1 AND collection_resource_id = $2
		`, sharee.id, collection.id, mode, BindStatusInvited, message); uerr != nil {
			return "", Error.Wrap(uerr)
		}
		shareName = bind.Name
	}

	if status == BindStatusAccepted {
		if err := collection.UpdateShare(ctx, sharee, BindStatusAccepted); err != nil {
			return "", err
		}
	} else {
		tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, shareName))
		sharee.notifyChanged()
	}
	collection.home.notifyChanged()
	return shareName, nil
}

// UpdateShare transitions the sharee's bind to the given status. A
// collection can be visible to a home through several binds at once (a
// direct share plus shared groups inside it), so the revision-log
// bootstrap happens only on the first acceptance and the teardown only
// when the last accepted bind goes away.
func (collection *Collection) UpdateShare(ctx context.Context, sharee *Home, status BindStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !collection.Owned() && collection.home.id != sharee.id {
		return ErrShareNotAllowed.New("collection %d is not shareable from this view", collection.id)
	}
	bind, err := collection.shareeBind(ctx, sharee)
	if err != nil {
		return err
	}

	switch status {
	case BindStatusAccepted:
		return collection.acceptShare(ctx, sharee, bind)
	case BindStatusDeclined:
		return collection.declineShare(ctx, sharee, bind)
	default:
		return ErrShareNotAllowed.New("cannot transition share to %v", status)
	}
}

func (collection *Collection) acceptShare(ctx context.Context, sharee *Home, bind bindRow) error {
	prev, err := collection.acceptedBindCount(ctx, sharee, bind)
	if err != nil {
		return err
	}

	tx := collection.home.tx
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE collection_bind SET bind_status = $3
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, sharee.id, collection.id, BindStatusAccepted); err != nil {
		return Error.Wrap(err)
	}
	bind.Status = BindStatusAccepted
	view := sharee.childFromBind(bind)
	view.bindStatus = BindStatusAccepted

	if prev == 0 {
		// First grant: the sharee's slice of the revision log starts here.
		if err := view.initSyncToken(ctx); err != nil {
			return err
		}
		if err := view.initBindRevision(ctx); err != nil {
			return err
		}
	}

	tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, bind.Name))
	sharee.notifyChanged()
	collection.home.notifyChanged()
	return nil
}

func (collection *Collection) declineShare(ctx context.Context, sharee *Home, bind bindRow) error {
	groupGrants, err := collection.acceptedGroupBindCount(ctx, sharee)
	if err != nil {
		return err
	}

	tx := collection.home.tx
	view := sharee.childFromBind(bind)
	if groupGrants > 0 {
		// Shared groups inside the collection still grant access, so
		// the direct grant degrades to an indirect bind instead of a
		// declined row shadowing the group-limited view.
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE collection_bind SET bind_mode = $3, bind_status = $4, message = NULL
			WHERE home_resource_id = $1 AND collection_resource_id = $2
		`, sharee.id, collection.id, BindModeIndirect, BindStatusAccepted); err != nil {
			return Error.Wrap(err)
		}
		wasAccepted := bind.Status == BindStatusAccepted
		view.bindMode = BindModeIndirect
		view.bindStatus = BindStatusAccepted
		view.message = ""
		if !wasAccepted {
			// An invitation was declined; the view had no revision-log
			// slice yet.
			if err := view.initSyncToken(ctx); err != nil {
				return err
			}
			if err := view.initBindRevision(ctx); err != nil {
				return err
			}
		}
		if err := collection.bumpSiblingBinds(ctx, sharee); err != nil {
			return err
		}
	} else {
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE collection_bind SET bind_status = $3
			WHERE home_resource_id = $1 AND collection_resource_id = $2
		`, sharee.id, collection.id, BindStatusDeclined); err != nil {
			return Error.Wrap(err)
		}
		if bind.Status == BindStatusAccepted {
			if err := view.deletedSyncToken(ctx, true); err != nil {
				return err
			}
		}
		sharee.forgetChild(view)
	}

	tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, bind.Name))
	sharee.notifyChanged()
	collection.home.notifyChanged()
	return nil
}

// UnshareWith removes the sharee's bind entirely and returns the share
// name it was bound under. When shared groups inside the collection still
// grant access, the bind degrades to an indirect one instead of being
// deleted, keeping the group-limited view alive.
func (collection *Collection) UnshareWith(ctx context.Context, sharee *Home) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !collection.Owned() {
		return "", ErrShareNotAllowed.New("only the owner may unshare collection %d", collection.id)
	}
	bind, err := collection.shareeBind(ctx, sharee)
	if err != nil {
		return "", err
	}

	tx := collection.home.tx
	groupGrants, err := collection.acceptedGroupBindCount(ctx, sharee)
	if err != nil {
		return "", err
	}

	view := sharee.childFromBind(bind)
	switch {
	case groupGrants > 0:
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE collection_bind SET bind_mode = $3, message = NULL
			WHERE home_resource_id = $1 AND collection_resource_id = $2
		`, sharee.id, collection.id, BindModeIndirect); err != nil {
			return "", Error.Wrap(err)
		}
		view.bindMode = BindModeIndirect
		view.message = ""

	default:
		if bind.Status == BindStatusAccepted {
			if err := view.deletedSyncToken(ctx, true); err != nil {
				return "", err
			}
		}
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM collection_bind
			WHERE home_resource_id = $1 AND collection_resource_id = $2
		`, sharee.id, collection.id); err != nil {
			return "", Error.Wrap(err)
		}
		sharee.forgetChild(view)
	}

	tx.InvalidateAfterCommit(keyForChildWithName(sharee.id, bind.Name))
	sharee.notifyChanged()
	collection.home.notifyChanged()
	return bind.Name, nil
}

// shareeBind loads the sharee's bind row for this collection in any
// status.
func (collection *Collection) shareeBind(ctx context.Context, sharee *Home) (bind bindRow, err error) {
	bind.CollectionID = collection.id
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT resource_name, bind_mode, bind_status, bind_revision, COALESCE(message, '')
		FROM collection_bind
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, sharee.id, collection.id).Scan(&bind.Name, &bind.Mode, &bind.Status, &bind.Revision, &bind.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return bindRow{}, ErrShareNotAllowed.New("collection %d is not shared with home %d", collection.id, sharee.id)
	}
	if err != nil {
		return bindRow{}, Error.Wrap(err)
	}
	return bind, nil
}

// acceptedBindCount derives, from the current snapshot, how many binds
// currently grant the sharee access to this collection: the direct bind
// if it is accepted and not merely indirect, plus every accepted group
// bind into the collection.
func (collection *Collection) acceptedBindCount(ctx context.Context, sharee *Home, bind bindRow) (int, error) {
	count, err := collection.acceptedGroupBindCount(ctx, sharee)
	if err != nil {
		return 0, err
	}
	if bind.Status == BindStatusAccepted && bind.Mode != BindModeIndirect {
		count++
	}
	return count, nil
}

func (collection *Collection) acceptedGroupBindCount(ctx context.Context, sharee *Home) (count int, err error) {
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM group_bind g
		JOIN objects o ON o.resource_id = g.group_resource_id
		WHERE g.home_resource_id = $1 AND o.collection_resource_id = $2 AND g.bind_status = $3
	`, sharee.id, collection.id, BindStatusAccepted).Scan(&count)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// bumpSiblingBinds advances the bind revision of the sharee's remaining
// accepted group binds into this collection, so their visibility epoch
// reflects the loss of the declined grant.
func (collection *Collection) bumpSiblingBinds(ctx context.Context, sharee *Home) error {
	_, err := collection.home.tx.tx.ExecContext(ctx, `
		UPDATE group_bind SET bind_revision = nextval('revision_seq')
		WHERE home_resource_id = $1 AND bind_status = $2 AND group_resource_id IN (
			SELECT resource_id FROM objects WHERE collection_resource_id = $3
		)
	`, sharee.id, BindStatusAccepted, collection.id)
	return Error.Wrap(err)
}

// initBindRevision records the freshly bootstrapped revision as the
// sharee's visibility epoch. Must run after initSyncToken on the sharee's
// view.
func (collection *Collection) initBindRevision(ctx context.Context) error {
	if collection.syncTokenRevision == nil {
		return ErrCorruption.New("bind revision requested before sync token init on collection %d", collection.id)
	}
	revision := *collection.syncTokenRevision
	_, err := collection.home.tx.tx.ExecContext(ctx, `
		UPDATE collection_bind SET bind_revision = $3
		WHERE home_resource_id = $1 AND collection_resource_id = $2
	`, collection.home.id, collection.id, revision)
	if err != nil {
		return Error.Wrap(err)
	}
	collection.bindRevision = revision
	return nil
}
