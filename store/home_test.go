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

func TestHomeProvisioning(t *testing.T) {
	storetest.Run(t, store.Config{
		DefaultCollectionName: "calendar",
	}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, err := tx.HomeWithUID(ctx, "nobody", false)
			require.True(t, store.ErrHomeNotFound.Has(err))

			home, err := tx.HomeWithUID(ctx, "newcomer", true)
			require.NoError(t, err)
			require.Equal(t, "newcomer", home.OwnerUID())
			require.Equal(t, 1, home.DataVersion())

			// The default collection came with the home.
			names, err := home.ListChildNames(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"calendar"}, names)
			return nil
		}))

		var firstID int64
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "newcomer", false)
			require.NoError(t, err)
			firstID = home.ID()

			created, err := home.Created(ctx)
			require.NoError(t, err)
			modified, err := home.Modified(ctx)
			require.NoError(t, err)
			require.False(t, created.IsZero())
			require.False(t, modified.Before(created))
			return nil
		}))

		// Lookups go through the query cache and stay stable.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "newcomer", true)
			require.NoError(t, err)
			require.Equal(t, firstID, home.ID())
			return nil
		}))
	})
}

type allowListDirectory map[string]bool

func (dir allowListDirectory) RecordExists(ctx context.Context, ownerUID string) (bool, error) {
	return dir[ownerUID], nil
}

func TestHomeDirectoryGate(t *testing.T) {
	storetest.Run(t, store.Config{
		Directory: allowListDirectory{"known": true},
	}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, err := tx.HomeWithUID(ctx, "stranger", true)
			require.True(t, store.ErrUnknownOwner.Has(err))

			_, err = tx.HomeWithUID(ctx, "known", true)
			require.NoError(t, err)
			return nil
		}))
	})
}

func TestHomeRemove(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "leaver", true)
			require.NoError(t, err)
			cal, err := home.CreateChildWithName(ctx, "cal")
			require.NoError(t, err)
			_, err = cal.CreateObjectResourceWithName(ctx, "x.ics", storetest.Component{
				ComponentUID: "uid-x", Payload: []byte("x"),
			})
			return err
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "leaver", false)
			require.NoError(t, err)
			return home.Remove(ctx)
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, err := tx.HomeWithUID(ctx, "leaver", false)
			require.True(t, store.ErrHomeNotFound.Has(err))
			return nil
		}))
	})
}

func TestCollectionRename(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		var token store.SyncToken
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "renamer", true)
			require.NoError(t, err)
			_, err = home.CreateChildWithName(ctx, "before")
			require.NoError(t, err)
			_, err = home.CreateChildWithName(ctx, "taken")
			require.NoError(t, err)
			token, err = home.SyncToken(ctx)
			return err
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "renamer", false)
			require.NoError(t, err)
			child, err := home.ChildWithName(ctx, "before")
			require.NoError(t, err)

			require.True(t, store.ErrNameConflict.Has(child.Rename(ctx, "taken")))
			require.NoError(t, child.Rename(ctx, "after"))
			require.Equal(t, "after", child.Name())
			return nil
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "renamer", false)
			require.NoError(t, err)

			_, err = home.ChildWithName(ctx, "before")
			require.True(t, store.ErrCollectionNotFound.Has(err))
			_, err = home.ChildWithName(ctx, "after")
			require.NoError(t, err)

			// The rename bumps the collection row, so it surfaces as a
			// collection-level change.
			changed, _, err := home.ChangesSince(ctx, token, store.DepthInfinity)
			require.NoError(t, err)
			require.Contains(t, changed, "after/")
			return nil
		}))
	})
}

func TestCollectionRemoveTombstones(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		var token store.SyncToken
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "dropper", true)
			require.NoError(t, err)
			doomed, err := home.CreateChildWithName(ctx, "doomed")
			require.NoError(t, err)
			_, err = doomed.CreateObjectResourceWithName(ctx, "x.ics", storetest.Component{
				ComponentUID: "uid-x", Payload: []byte("x"),
			})
			require.NoError(t, err)
			token, err = home.SyncToken(ctx)
			return err
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "dropper", false)
			require.NoError(t, err)
			return home.RemoveChildWithName(ctx, "doomed")
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "dropper", false)
			require.NoError(t, err)

			_, err = home.ChildWithName(ctx, "doomed")
			require.True(t, store.ErrCollectionNotFound.Has(err))

			changed, deleted, err := home.ChangesSince(ctx, token, store.DepthInfinity)
			require.NoError(t, err)
			require.NotContains(t, changed, "doomed/")
			require.Equal(t, []string{"doomed/"}, deleted)
			return nil
		}))
	})
}

func TestObjectResourcesWithUID(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "finder", true)
			require.NoError(t, err)
			for _, name := range []string{"cal1", "cal2"} {
				cal, err := home.CreateChildWithName(ctx, name)
				require.NoError(t, err)
				_, err = cal.CreateObjectResourceWithName(ctx, "same.ics", storetest.Component{
					ComponentUID: "uid-shared", Payload: []byte(name),
				})
				require.NoError(t, err)
			}
			return nil
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "finder", false)
			require.NoError(t, err)
			objects, err := home.ObjectResourcesWithUID(ctx, "uid-shared")
			require.NoError(t, err)
			require.Len(t, objects, 2)
			for _, object := range objects {
				require.Equal(t, "uid-shared", object.UID())
				require.NotNil(t, object.Collection())
			}
			_, err = home.ObjectResourcesWithUID(ctx, "uid-absent")
			require.NoError(t, err)
			return nil
		}))
	})
}
