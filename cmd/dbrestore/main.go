package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anyway-dev/dbrestore/internal/config"
	"github.com/anyway-dev/dbrestore/internal/fetch"
	"github.com/anyway-dev/dbrestore/internal/loader"
	"github.com/anyway-dev/dbrestore/internal/logger"
	"github.com/anyway-dev/dbrestore/internal/pgclient"
	"github.com/anyway-dev/dbrestore/internal/restore"
)

var version = "dev" // Will be set during build with -ldflags

// Exit codes the supervisor distinguishes: 0 means the database is ready
// (restored now or previously), non-zero means it is not.
const (
	exitFailed   = 1
	exitCanceled = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitCanceled)
		}
		os.Exit(exitFailed)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbrestore",
		Short: "Bootstrap a PostgreSQL database from an object-store dump",
		Long: `dbrestore runs once at database container startup. If the target
database is empty, it downloads a dump from S3-compatible object storage,
applies it, and records a completion sentinel; if the database already
holds data, it exits immediately without touching the network.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRestore,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbrestore version %s\n", version)
		},
	})

	return root
}

func runRestore(cmd *cobra.Command, args []string) error {
	// Config problems are fatal before any component is built, so no
	// network or database connection is ever attempted with bad inputs
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info().
		Str("version", version).
		Str("bucket", cfg.Store.Bucket).
		Str("key", cfg.Store.Key).
		Str("database", cfg.Database.Name).
		Msg("Starting dbrestore")

	pg, err := pgclient.NewClient(cfg.Database.ConnString(), cfg.Restore.EngineWaitTimeout, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create database client")
		return err
	}
	defer pg.Close()

	fetcher, err := fetch.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create object store client")
		return err
	}

	orch := restore.NewOrchestrator(pg, fetcher, loader.New(pg, cfg, log), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := orch.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Str("run_id", rec.RunID).Msg("Restore aborted by shutdown signal")
			return fmt.Errorf("restore aborted: %w", context.Canceled)
		}
		return err
	}

	log.Info().
		Str("run_id", rec.RunID).
		Str("state", string(rec.State)).
		Msg("dbrestore finished")
	return nil
}
