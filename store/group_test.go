// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davstore/davstore/store"
	"github.com/davstore/davstore/store/storetest"
)

// buildBook creates an address book for the given owner containing three
// contacts and a group holding the first two of them.
func buildBook(ctx context.Context, t *testing.T, tx *store.Tx, ownerUID string) (*store.Home, *store.Collection, *store.ObjectResource) {
	home, err := tx.HomeWithUID(ctx, ownerUID, true)
	require.NoError(t, err)
	book, err := home.CreateChildWithName(ctx, "contacts")
	require.NoError(t, err)

	var memberIDs []int64
	for _, name := range []string{"ada.vcf", "grace.vcf", "loner.vcf"} {
		contact, err := book.CreateObjectResourceWithName(ctx, name, storetest.Component{
			ComponentUID: "uid-" + name, Payload: []byte(name),
		})
		require.NoError(t, err)
		if name != "loner.vcf" {
			memberIDs = append(memberIDs, contact.ID())
		}
	}

	group, err := book.CreateObjectResourceWithName(ctx, "team.vcf", storetest.Component{
		ComponentUID: "uid-team", Payload: []byte("team"), Group: true,
	})
	require.NoError(t, err)
	require.Equal(t, store.KindGroup, group.Kind())
	require.NoError(t, group.SetGroupMembers(ctx, memberIDs))
	return home, book, group
}

func TestGroupMembership(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, book, group := buildBook(ctx, t, tx, "owner")

			members, err := group.GroupMemberIDs(ctx)
			require.NoError(t, err)
			require.Len(t, members, 2)

			// Replacing the membership records removals as new edges.
			loner, err := book.ObjectResourceWithName(ctx, "loner.vcf")
			require.NoError(t, err)
			require.NoError(t, group.SetGroupMembers(ctx, []int64{loner.ID()}))

			members, err = group.GroupMemberIDs(ctx)
			require.NoError(t, err)
			require.Equal(t, []int64{loner.ID()}, members)

			// Only groups carry membership.
			require.True(t, store.ErrShareNotAllowed.Has(loner.SetGroupMembers(ctx, nil)))
			return nil
		}))
	})
}

func TestGroupShareVisibility(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, _, group := buildBook(ctx, t, tx, "owner")
			sharee, err := tx.HomeWithUID(ctx, "sharee", true)
			require.NoError(t, err)

			_, err = group.ShareWith(ctx, sharee, store.BindModeRead, store.BindStatusAccepted, "")
			require.NoError(t, err)
			return nil
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)

			// Accepting the group materialized an indirect view of the
			// enclosing collection, limited to the group and its members.
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Len(t, children, 1)
			view := children[0]
			require.Equal(t, store.BindModeIndirect, view.BindMode())

			names, err := view.ListObjectResourceNames(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"ada.vcf", "grace.vcf", "team.vcf"}, names)

			// Hidden objects stay hidden even when addressed directly.
			_, err = view.ObjectResourceWithName(ctx, "loner.vcf")
			require.True(t, store.ErrObjectNotFound.Has(err))

			// A read-only group grants no writes.
			ada, err := view.ObjectResourceWithName(ctx, "ada.vcf")
			require.NoError(t, err)
			require.True(t, store.ErrShareNotAllowed.Has(ada.Remove(ctx)))
			return nil
		}))
	})
}

func TestGroupMembershipDiffInSync(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, _, group := buildBook(ctx, t, tx, "owner")
			sharee, err := tx.HomeWithUID(ctx, "sharee", true)
			require.NoError(t, err)
			_, err = group.ShareWith(ctx, sharee, store.BindModeRead, store.BindStatusAccepted, "")
			require.NoError(t, err)
			return nil
		}))

		var token store.SyncToken
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Len(t, children, 1)
			token, err = children[0].SyncToken(ctx)
			return err
		}))

		// Membership change: ada leaves, loner joins.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			owner, err := tx.HomeWithUID(ctx, "owner", false)
			require.NoError(t, err)
			book, err := owner.ChildWithName(ctx, "contacts")
			require.NoError(t, err)
			group, err := book.ObjectResourceWithName(ctx, "team.vcf")
			require.NoError(t, err)
			grace, err := book.ObjectResourceWithName(ctx, "grace.vcf")
			require.NoError(t, err)
			loner, err := book.ObjectResourceWithName(ctx, "loner.vcf")
			require.NoError(t, err)
			return group.SetGroupMembers(ctx, []int64{grace.ID(), loner.ID()})
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			view := children[0]

			collectionToken := store.SyncToken{ResourceID: view.ID(), Revision: token.Revision}
			changed, deleted, err := view.ResourceNamesSinceToken(ctx, collectionToken)
			require.NoError(t, err)
			// Entering the visible set surfaces as changed, leaving it as
			// deleted; the group itself changed too.
			require.Contains(t, changed, "loner.vcf")
			require.Contains(t, changed, "team.vcf")
			require.Contains(t, deleted, "ada.vcf")
			require.NotContains(t, deleted, "grace.vcf")
			return nil
		}))
	})
}

func TestGroupUnshareTeardown(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, _, group := buildBook(ctx, t, tx, "owner")
			sharee, err := tx.HomeWithUID(ctx, "sharee", true)
			require.NoError(t, err)
			_, err = group.ShareWith(ctx, sharee, store.BindModeRead, store.BindStatusAccepted, "")
			require.NoError(t, err)
			_, err = group.UnshareWith(ctx, sharee)
			require.NoError(t, err)
			return nil
		}))

		// The indirect view disappears with its last grant.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Empty(t, children)
			return nil
		}))
	})
}

func TestGroupWriteWins(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, book, readGroup := buildBook(ctx, t, tx, "owner")
			sharee, err := tx.HomeWithUID(ctx, "sharee", true)
			require.NoError(t, err)

			// Second group with write access, overlapping on ada.
			ada, err := book.ObjectResourceWithName(ctx, "ada.vcf")
			require.NoError(t, err)
			writeGroup, err := book.CreateObjectResourceWithName(ctx, "editors.vcf", storetest.Component{
				ComponentUID: "uid-editors", Payload: []byte("editors"), Group: true,
			})
			require.NoError(t, err)
			require.NoError(t, writeGroup.SetGroupMembers(ctx, []int64{ada.ID()}))

			_, err = readGroup.ShareWith(ctx, sharee, store.BindModeRead, store.BindStatusAccepted, "")
			require.NoError(t, err)
			_, err = writeGroup.ShareWith(ctx, sharee, store.BindModeWrite, store.BindStatusAccepted, "")
			require.NoError(t, err)

			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Len(t, children, 1)
			view := children[0]

			readOnly, readWrite, err := view.AccessControlObjectIDs(ctx)
			require.NoError(t, err)
			// Write wins for the overlap.
			require.Contains(t, readWrite, ada.ID())
			require.NotContains(t, readOnly, ada.ID())

			// The sharee can update ada through the write group but not
			// grace, who is only readable.
			adaView, err := view.ObjectResourceWithName(ctx, "ada.vcf")
			require.NoError(t, err)
			require.NoError(t, adaView.Update(ctx, storetest.Component{
				ComponentUID: "uid-ada.vcf", Payload: []byte("ada v2"),
			}))
			graceView, err := view.ObjectResourceWithName(ctx, "grace.vcf")
			require.NoError(t, err)
			err = graceView.Update(ctx, storetest.Component{
				ComponentUID: "uid-grace.vcf", Payload: []byte("grace v2"),
			})
			require.True(t, store.ErrShareNotAllowed.Has(err))
			return nil
		}))
	})
}

func TestDeclineDirectShareKeepsGroupView(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, _, group := buildBook(ctx, t, tx, "owner")
			sharee, err := tx.HomeWithUID(ctx, "sharee", true)
			require.NoError(t, err)
			_, err = group.ShareWith(ctx, sharee, store.BindModeRead, store.BindStatusAccepted, "")
			return err
		}))

		// A direct share lands on top of the indirect bind and widens the
		// view to the whole collection.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			owner, err := tx.HomeWithUID(ctx, "owner", false)
			require.NoError(t, err)
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			book, err := owner.ChildWithName(ctx, "contacts")
			require.NoError(t, err)
			_, err = book.ShareWith(ctx, sharee, store.BindModeWrite, store.BindStatusAccepted, "everything")
			return err
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Len(t, children, 1)
			require.Equal(t, store.BindModeWrite, children[0].BindMode())

			names, err := children[0].ListObjectResourceNames(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"ada.vcf", "grace.vcf", "loner.vcf", "team.vcf"}, names)
			return nil
		}))

		// Declining the direct grant falls back to the group-limited view
		// instead of stranding the sharee behind a declined row.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			owner, err := tx.HomeWithUID(ctx, "owner", false)
			require.NoError(t, err)
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			book, err := owner.ChildWithName(ctx, "contacts")
			require.NoError(t, err)
			return book.UpdateShare(ctx, sharee, store.BindStatusDeclined)
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			sharee, err := tx.HomeWithUID(ctx, "sharee", false)
			require.NoError(t, err)
			children, err := sharee.Children(ctx)
			require.NoError(t, err)
			require.Len(t, children, 1)
			view := children[0]
			require.Equal(t, store.BindModeIndirect, view.BindMode())
			require.Equal(t, store.BindStatusAccepted, view.BindStatus())

			names, err := view.ListObjectResourceNames(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"ada.vcf", "grace.vcf", "team.vcf"}, names)

			_, err = view.ObjectResourceWithName(ctx, "loner.vcf")
			require.True(t, store.ErrObjectNotFound.Has(err))
			return nil
		}))
	})
}
