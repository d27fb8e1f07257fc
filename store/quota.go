// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"

	"go.uber.org/zap"
)

// QuotaUsedBytes returns the bytes consumed by payload data in the home.
func (home *Home) QuotaUsedBytes(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if home.quotaUsedBytes != nil {
		return *home.quotaUsedBytes, nil
	}
	var used int64
	err = home.tx.tx.QueryRowContext(ctx, `
		SELECT quota_used_bytes FROM home_metadata WHERE resource_id = $1
	`, home.id).Scan(&used)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	home.quotaUsedBytes = &used
	return used, nil
}

// AdjustQuotaUsedBytes applies delta to the home's quota counter. The
// metadata row is locked first so the read-modify-write is atomic against
// concurrent adjustments. A result below zero indicates a bookkeeping bug
// elsewhere; it is clamped to zero and logged rather than persisted.
func (home *Home) AdjustQuotaUsedBytes(ctx context.Context, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := home.tx.tx.ExecContext(ctx, `
		SELECT 1 FROM home_metadata WHERE resource_id = $1 FOR UPDATE
	`, home.id); err != nil {
		return Error.Wrap(err)
	}

	var used int64
	err = home.tx.tx.QueryRowContext(ctx, `
		UPDATE home_metadata SET quota_used_bytes = quota_used_bytes + $2
		WHERE resource_id = $1
		RETURNING quota_used_bytes
	`, home.id, delta).Scan(&used)
	if err != nil {
		return Error.Wrap(err)
	}

	if used < 0 {
		home.tx.log.Error("quota adjusted below zero, resetting",
			zap.Int64("home", home.id),
			zap.Int64("quota used", used),
			zap.Int64("delta", delta))
		if _, err := home.tx.tx.ExecContext(ctx, `
			UPDATE home_metadata SET quota_used_bytes = 0 WHERE resource_id = $1
		`, home.id); err != nil {
			return Error.Wrap(err)
		}
		used = 0
	}

	home.quotaUsedBytes = &used
	return nil
}

// adjustQuota is the swallowing wrapper used for bookkeeping updates:
// exhausted retries lose one redundant adjustment and are only logged.
func (home *Home) adjustQuota(ctx context.Context, delta int64) {
	err := home.tx.Subtransaction(ctx, func(ctx context.Context) error {
		return home.AdjustQuotaUsedBytes(ctx, delta)
	}, home.tx.db.config.retries())
	if err != nil {
		// The cached counter may reflect a rolled-back savepoint.
		home.quotaUsedBytes = nil
		home.tx.log.Error("failed to adjust quota",
			zap.Int64("home", home.id), zap.Int64("delta", delta), zap.Error(err))
	}
}

// CheckQuota is the advisory pre-check run before a byte-producing
// operation: it fails when additional bytes would not fit under the
// configured quota root.
func (home *Home) CheckQuota(ctx context.Context, additional int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	root := home.tx.db.config.QuotaBytes
	if root <= 0 {
		return nil
	}
	used, err := home.QuotaUsedBytes(ctx)
	if err != nil {
		return err
	}
	if additional > root-used {
		return ErrQuotaExceeded.New("requested %d bytes, %d available", additional, root-used)
	}
	return nil
}
