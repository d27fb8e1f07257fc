// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/davstore/davstore/private/dbutil/txutil"
	"github.com/davstore/davstore/private/tagsql"
)

// Tx is one logical unit of work against the store. All entity handles
// (Home, Collection, ObjectResource) are bound to the Tx that produced
// them and must not outlive it.
type Tx struct {
	db  *DB
	tx  tagsql.Tx
	log *zap.Logger

	savepoints int

	homes map[string]*Home

	postCommit []func(context.Context)
	cacheOps   []cacheOp
}

// WithTx runs fn inside one database transaction. The transaction is
// restarted on serialization failures, so fn must be idempotent with
// respect to everything except the database. Post-commit callbacks and
// deferred cache mutations queued during fn run exactly once, after a
// successful commit, and are dropped when the transaction aborts.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context, *Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	// Serializable keeps the accepted-bind counting and the revision
	// sequence reads on one snapshot; conflicts surface as SQLSTATE
	// 40001 and are retried by txutil.
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}

	var committed *Tx
	err = txutil.WithTx(ctx, db.db, opts, func(ctx context.Context, tx tagsql.Tx) error {
		wtx := &Tx{
			db:    db,
			tx:    tx,
			log:   db.log,
			homes: make(map[string]*Home),
		}
		if err := fn(ctx, wtx); err != nil {
			return err
		}
		committed = wtx
		return nil
	})
	if err != nil || committed == nil {
		return err
	}
	committed.afterCommit(ctx)
	return nil
}

// PostCommit schedules fn to run after this transaction commits. It is
// dropped when the transaction aborts.
func (tx *Tx) PostCommit(fn func(context.Context)) {
	tx.postCommit = append(tx.postCommit, fn)
}

// afterCommit drains the deferred cache mutations and post-commit
// callbacks. Called exactly once.
func (tx *Tx) afterCommit(ctx context.Context) {
	for _, op := range tx.cacheOps {
		op.apply(tx.db.cache)
	}
	tx.cacheOps = nil
	for _, fn := range tx.postCommit {
		fn(ctx)
	}
	tx.postCommit = nil
}

// Subtransaction runs fn inside a savepoint. On failure the savepoint is
// rolled back, undoing only fn's work, and fn is retried under a fresh
// savepoint up to retries more times. When every attempt has failed the
// last error is returned wrapped in ErrAllRetriesFailed.
func (tx *Tx) Subtransaction(ctx context.Context, fn func(context.Context) error, retries int) (err error) {
	defer mon.Task()(&ctx)(&err)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		tx.savepoints++
		name := fmt.Sprintf("sp_%d", tx.savepoints)

		if _, err := tx.tx.ExecContext(ctx, `SAVEPOINT `+name); err != nil {
			return Error.Wrap(err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if _, err := tx.tx.ExecContext(ctx, `RELEASE SAVEPOINT `+name); err != nil {
				return Error.Wrap(err)
			}
			mon.IntVal("subtransaction_retries").Observe(int64(attempt))
			return nil
		}

		if _, err := tx.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT `+name); err != nil {
			return Error.Wrap(errs.Combine(lastErr, err))
		}
		mon.Event("subtransaction_rollback")
	}
	return ErrAllRetriesFailed.Wrap(lastErr)
}

// SetAfterCommit queues a cache write to become visible only after this
// transaction commits.
func (tx *Tx) SetAfterCommit(key string, value interface{}) {
	tx.cacheOps = append(tx.cacheOps, cacheOp{key: key, value: value, set: true})
}

// InvalidateAfterCommit queues a cache eviction to take effect only after
// this transaction commits.
func (tx *Tx) InvalidateAfterCommit(key string) {
	tx.cacheOps = append(tx.cacheOps, cacheOp{key: key})
}

// nextRevision draws a revision number from the shared sequence.
func (tx *Tx) nextRevision(ctx context.Context) (rev int64, err error) {
	err = tx.tx.QueryRowContext(ctx, `SELECT nextval('revision_seq')`).Scan(&rev)
	return rev, Error.Wrap(err)
}
