// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/davstore/davstore/store"
)

var (
	rootCmd = &cobra.Command{
		Use:   "davstore",
		Short: "Revision-tracked collection store",
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE:  cmdMigrate,
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check database connectivity and schema version",
		RunE:  cmdPing,
	}
	provisionCmd = &cobra.Command{
		Use:   "provision [owner-uid]",
		Short: "Create a home for an owner, if missing",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdProvision,
	}
	synctokenCmd = &cobra.Command{
		Use:   "synctoken [owner-uid]",
		Short: "Print the current sync token of an owner's home",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdSyncToken,
	}

	databaseURL string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url",
		os.Getenv("DAVSTORE_DATABASE_URL"), "postgres connection string")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(synctokenCmd)
}

func openDB(ctx context.Context, log *zap.Logger) (*store.DB, error) {
	if databaseURL == "" {
		return nil, errs.New("--database-url is required")
	}
	return store.Open(ctx, log, databaseURL, store.Config{
		ApplicationName: "davstore-cli",
	})
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L().Named("migrate")

	db, err := openDB(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func cmdPing(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L().Named("ping")

	db, err := openDB(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.Ping(ctx); err != nil {
		return err
	}
	if err := db.CheckVersion(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func cmdProvision(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L().Named("provision")

	db, err := openDB(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		home, err := tx.HomeWithUID(ctx, args[0], true)
		if err != nil {
			return err
		}
		fmt.Printf("home %d owner %q\n", home.ID(), home.OwnerUID())
		return nil
	})
}

func cmdSyncToken(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := zap.L().Named("synctoken")

	db, err := openDB(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		home, err := tx.HomeWithUID(ctx, args[0], false)
		if err != nil {
			return err
		}
		token, err := home.SyncToken(ctx)
		if err != nil {
			return err
		}
		fmt.Println(token.String())
		return nil
	})
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
