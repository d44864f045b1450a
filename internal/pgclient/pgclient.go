package pgclient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/anyway-dev/dbrestore/internal/restore"
)

// SentinelTable is the durable completion marker. A row in it means a
// restore finished against this data volume; future runs short-circuit to
// Skipped without inspecting the rest of the catalog.
const SentinelTable = "dbrestore_restore_log"

// Client wraps a PostgreSQL connection to the restore target
type Client struct {
	db          *sql.DB
	waitTimeout time.Duration
	logger      zerolog.Logger

	// readiness retry pacing, shortened in tests
	retryBase time.Duration
}

// NewClient creates a new PostgreSQL client for the given connection string
func NewClient(connString string, waitTimeout time.Duration, logger zerolog.Logger) (*Client, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	return &Client{
		db:          db,
		waitTimeout: waitTimeout,
		logger:      logger.With().Str("component", "pgclient").Logger(),
		retryBase:   time.Second,
	}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// WaitReady pings the engine with exponential backoff until it accepts
// connections or the configured wait window passes. A database container
// typically starts alongside this process, so the first attempts are
// expected to fail.
func (c *Client) WaitReady(ctx context.Context) error {
	started := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = c.waitTimeout

	attempt := 0
	ping := func() error {
		attempt++
		err := c.db.PingContext(ctx)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Engine not ready yet")
		}
		return err
	}

	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: gave up after %s: %v",
			restore.ErrEngineUnavailable, time.Since(started).Round(time.Second), err)
	}

	c.logger.Info().
		Int("attempts", attempt).
		Dur("elapsed", time.Since(started)).
		Msg("Database engine ready")
	return nil
}

// Presence reports whether the target database already holds data. The
// sentinel is checked first so an already-restored volume is detected
// without counting the catalog; any other user table also counts as
// populated, so a database seeded by other means is never overwritten.
func (c *Client) Presence(ctx context.Context) (restore.Presence, error) {
	done, err := c.sentinelPresent(ctx)
	if err != nil {
		return "", err
	}
	if done {
		return restore.PresencePopulated, nil
	}

	var tables int
	query := `
		SELECT count(*)
		FROM pg_catalog.pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		  AND tablename <> $1
	`
	if err := c.db.QueryRowContext(ctx, query, SentinelTable).Scan(&tables); err != nil {
		return "", fmt.Errorf("failed to count user tables: %w", err)
	}

	if tables > 0 {
		return restore.PresencePopulated, nil
	}
	return restore.PresenceEmpty, nil
}

// IsEmpty is the loader's pre-apply re-check
func (c *Client) IsEmpty(ctx context.Context) (bool, error) {
	p, err := c.Presence(ctx)
	if err != nil {
		return false, err
	}
	return p == restore.PresenceEmpty, nil
}

// WriteSentinel durably records a completed restore. Table creation and
// the insert share one transaction so a crash cannot leave an empty
// sentinel table behind.
func (c *Client) WriteSentinel(ctx context.Context, runID string, artifact *restore.DumpArtifact) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sentinel transaction: %w", err)
	}
	defer tx.Rollback()

	createStmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id       varchar(26) PRIMARY KEY,
			object_key   text NOT NULL,
			size_bytes   bigint NOT NULL,
			checksum     text NOT NULL,
			completed_at timestamptz NOT NULL DEFAULT now()
		)`, SentinelTable)
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("failed to create sentinel table: %w", err)
	}

	insertStmt := fmt.Sprintf(
		"INSERT INTO %s (run_id, object_key, size_bytes, checksum) VALUES ($1, $2, $3, $4)",
		SentinelTable)
	if _, err := tx.ExecContext(ctx, insertStmt,
		runID, artifact.Key, artifact.Size, artifact.Checksum); err != nil {
		return fmt.Errorf("failed to insert sentinel row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sentinel: %w", err)
	}

	c.logger.Info().
		Str("run_id", runID).
		Str("table", SentinelTable).
		Msg("Completion sentinel recorded")
	return nil
}

// sentinelPresent reports whether the sentinel table exists and holds a row
func (c *Client) sentinelPresent(ctx context.Context) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM pg_catalog.pg_tables
			WHERE schemaname = 'public' AND tablename = $1
		)
	`
	if err := c.db.QueryRowContext(ctx, query, SentinelTable).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sentinel table: %w", err)
	}
	if !exists {
		return false, nil
	}

	var hasRow bool
	rowQuery := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", SentinelTable)
	if err := c.db.QueryRowContext(ctx, rowQuery).Scan(&hasRow); err != nil {
		return false, fmt.Errorf("failed to read sentinel table: %w", err)
	}
	return hasRow, nil
}
