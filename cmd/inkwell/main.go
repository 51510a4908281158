// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// inkwell is the server daemon of the inkwell document platform.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkwell.io/inkwell/private/cfgstruct"
	"inkwell.io/inkwell/private/process"
	"inkwell.io/inkwell/server"
	"inkwell.io/inkwell/server/serverdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "inkwell",
		Short: "Inkwell collaborative document server",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the API and core peers in one process",
		RunE:  cmdRun,
	}
	runAPICmd = &cobra.Command{
		Use:   "api",
		Short: "Run only the API peer",
		RunE:  cmdRunAPI,
	}
	runCoreCmd = &cobra.Command{
		Use:   "core",
		Short: "Run only the core peer",
		RunE:  cmdRunCore,
	}
	runMigrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Apply pending database migrations and exit",
		RunE:  cmdMigration,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a config file with the default values",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   server.Config
	setupCfg server.Config

	confDir string
)

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir(), "main directory for inkwell configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	runCmd.AddCommand(runAPICmd)
	runCmd.AddCommand(runCoreCmd)
	runCmd.AddCommand(runMigrationCmd)

	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runAPICmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runCoreCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runMigrationCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	db, err := openDatabase(ctx, log, &runCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	api, err := server.NewAPI(ctx, log.Named("api"), db, &runCfg)
	if err != nil {
		return err
	}
	core, err := server.NewCore(ctx, log.Named("core"), db, &runCfg)
	if err != nil {
		return errs.Combine(err, api.Close())
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return api.Run(ctx) })
	group.Go(func() error { return core.Run(ctx) })
	runError := group.Wait()

	return errs.Combine(runError, api.Close(), core.Close())
}

func cmdRunAPI(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	db, err := openDatabase(ctx, log, &runCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := server.NewAPI(ctx, log, db, &runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunCore(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	db, err := openDatabase(ctx, log, &runCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := server.NewCore(ctx, log, db, &runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdMigration(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	db, err := serverdb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to master database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("migration failed: %+v", err)
	}
	log.Info("database schema is up to date")
	return nil
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(setupDir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(setupDir, process.DefaultConfFilename)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration already exists (%v)", path)
	}
	return process.SaveConfig(cmd.Flags(), path)
}

// openDatabase connects to the master database and brings the schema up to
// date. Both peers share the same database; migrations are idempotent, so
// whichever peer starts first applies them.
func openDatabase(ctx context.Context, log *zap.Logger, config *server.Config) (server.DB, error) {
	db, err := serverdb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return nil, errs.New("error starting master database: %+v", err)
	}
	if err := db.MigrateToLatest(ctx); err != nil {
		return nil, errs.Combine(errs.New("error migrating master database: %+v", err), db.Close())
	}
	return db, nil
}

func defaultConfDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".inkwell"
	}
	return filepath.Join(base, "inkwell")
}

func main() {
	process.Exec(rootCmd)
}
