// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davstore/davstore/store"
	"github.com/davstore/davstore/store/storetest"
)

func TestObjectResourceCRUD(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "crud", true)
			require.NoError(t, err)
			cal, err := home.CreateChildWithName(ctx, "cal")
			require.NoError(t, err)

			payload := []byte("BEGIN:VCALENDAR first")
			object, err := cal.CreateObjectResourceWithName(ctx, "event.ics", storetest.Component{
				ComponentUID: "uid-event", Payload: payload,
			})
			require.NoError(t, err)
			require.Equal(t, "event.ics", object.Name())
			require.Equal(t, "uid-event", object.UID())
			require.Equal(t, store.KindNormal, object.Kind())
			require.Equal(t, int64(len(payload)), object.Size())
			digest := md5.Sum(payload)
			require.Equal(t, hex.EncodeToString(digest[:]), object.MD5())

			data, err := object.Data(ctx)
			require.NoError(t, err)
			require.Equal(t, payload, data)

			byUID, err := cal.ObjectResourceWithUID(ctx, "uid-event")
			require.NoError(t, err)
			require.Equal(t, object.ID(), byUID.ID())

			byID, err := cal.ObjectResourceWithID(ctx, object.ID())
			require.NoError(t, err)
			require.Equal(t, "event.ics", byID.Name())
			return nil
		}))

		// Payload survives the transaction and updates replace it.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "crud", false)
			require.NoError(t, err)
			cal, err := home.ChildWithName(ctx, "cal")
			require.NoError(t, err)
			object, err := cal.ObjectResourceWithName(ctx, "event.ics")
			require.NoError(t, err)

			updated := []byte("BEGIN:VCALENDAR second, longer than before")
			require.NoError(t, object.Update(ctx, storetest.Component{
				ComponentUID: "uid-event", Payload: updated,
			}))
			require.Equal(t, int64(len(updated)), object.Size())

			err = object.Update(ctx, storetest.Component{
				ComponentUID: "uid-other", Payload: updated,
			})
			require.True(t, store.ErrUIDConflict.Has(err), "uid is immutable")
			return nil
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "crud", false)
			require.NoError(t, err)
			cal, err := home.ChildWithName(ctx, "cal")
			require.NoError(t, err)
			object, err := cal.ObjectResourceWithName(ctx, "event.ics")
			require.NoError(t, err)
			require.NoError(t, object.Remove(ctx))

			_, err = cal.ObjectResourceWithName(ctx, "event.ics")
			require.True(t, store.ErrObjectNotFound.Has(err))
			_, err = cal.ObjectResourceWithUID(ctx, "uid-event")
			require.True(t, store.ErrObjectNotFound.Has(err))
			return nil
		}))
	})
}

func TestObjectResourceConflicts(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "conflicts", true)
			require.NoError(t, err)
			cal, err := home.CreateChildWithName(ctx, "cal")
			require.NoError(t, err)

			_, err = cal.CreateObjectResourceWithName(ctx, "a.ics", storetest.Component{
				ComponentUID: "uid-a", Payload: []byte("a"),
			})
			require.NoError(t, err)

			_, err = cal.CreateObjectResourceWithName(ctx, "a.ics", storetest.Component{
				ComponentUID: "uid-b", Payload: []byte("b"),
			})
			require.True(t, store.ErrNameConflict.Has(err))

			_, err = cal.CreateObjectResourceWithName(ctx, "b.ics", storetest.Component{
				ComponentUID: "uid-a", Payload: []byte("b"),
			})
			require.True(t, store.ErrUIDConflict.Has(err))

			_, err = cal.CreateObjectResourceWithName(ctx, ".hidden", storetest.Component{
				ComponentUID: "uid-h", Payload: []byte("h"),
			})
			require.True(t, store.ErrNameNotAllowed.Has(err))

			_, err = cal.CreateObjectResourceWithName(ctx, "c.ics", storetest.Component{
				Payload: []byte("no uid"),
			})
			require.True(t, store.ErrInvalidObjectData.Has(err))
			return nil
		}))
	})
}

func TestObjectResourceLimits(t *testing.T) {
	storetest.Run(t, store.Config{
		QuotaBytes:                64,
		MaxResourcesPerCollection: 2,
	}, func(ctx context.Context, t *testing.T, db *store.DB) {
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "limited", true)
			require.NoError(t, err)
			cal, err := home.CreateChildWithName(ctx, "cal")
			require.NoError(t, err)

			_, err = cal.CreateObjectResourceWithName(ctx, "big.ics", storetest.Component{
				ComponentUID: "uid-big", Payload: make([]byte, 100),
			})
			require.True(t, store.ErrQuotaExceeded.Has(err))

			for _, name := range []string{"1.ics", "2.ics"} {
				_, err = cal.CreateObjectResourceWithName(ctx, name, storetest.Component{
					ComponentUID: "uid-" + name, Payload: []byte("x"),
				})
				require.NoError(t, err)
			}
			_, err = cal.CreateObjectResourceWithName(ctx, "3.ics", storetest.Component{
				ComponentUID: "uid-3", Payload: []byte("x"),
			})
			require.True(t, store.ErrTooManyResources.Has(err))
			return nil
		}))
	})
}

func TestObjectResourceMove(t *testing.T) {
	storetest.Run(t, store.Config{}, func(ctx context.Context, t *testing.T, db *store.DB) {
		var token store.SyncToken
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "mover", true)
			require.NoError(t, err)
			source, err := home.CreateChildWithName(ctx, "source")
			require.NoError(t, err)
			_, err = home.CreateChildWithName(ctx, "dest")
			require.NoError(t, err)
			_, err = source.CreateObjectResourceWithName(ctx, "moving.ics", storetest.Component{
				ComponentUID: "uid-m", Payload: []byte("m"),
			})
			require.NoError(t, err)
			token, err = home.SyncToken(ctx)
			return err
		}))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "mover", false)
			require.NoError(t, err)
			source, err := home.ChildWithName(ctx, "source")
			require.NoError(t, err)
			dest, err := home.ChildWithName(ctx, "dest")
			require.NoError(t, err)
			object, err := source.ObjectResourceWithName(ctx, "moving.ics")
			require.NoError(t, err)

			require.NoError(t, object.MoveTo(ctx, dest, "moved.ics"))
			require.Equal(t, "moved.ics", object.Name())

			_, err = source.ObjectResourceWithName(ctx, "moving.ics")
			require.True(t, store.ErrObjectNotFound.Has(err))
			relocated, err := dest.ObjectResourceWithName(ctx, "moved.ics")
			require.NoError(t, err)
			require.Equal(t, "uid-m", relocated.UID())
			return nil
		}))

		// The move surfaces as delete-at-source, insert-at-destination.
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			home, err := tx.HomeWithUID(ctx, "mover", false)
			require.NoError(t, err)
			changed, deleted, err := home.ChangesSince(ctx, token, store.DepthInfinity)
			require.NoError(t, err)
			require.Contains(t, changed, "dest/moved.ics")
			require.Contains(t, deleted, "source/moving.ics")
			return nil
		}))
	})
}
