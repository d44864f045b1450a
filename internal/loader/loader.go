package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/anyway-dev/dbrestore/internal/config"
	"github.com/anyway-dev/dbrestore/internal/restore"
)

// Format identifies the dump file format, detected from magic bytes
type Format string

const (
	// FormatCustom is pg_dump's custom archive format, applied with pg_restore
	FormatCustom Format = "custom"

	// FormatSQL is a plain SQL script, applied with psql
	FormatSQL Format = "sql"

	// FormatGzipSQL is a gzip-compressed SQL script
	FormatGzipSQL Format = "gzip_sql"
)

// database is the slice of pgclient the loader needs
type database interface {
	IsEmpty(ctx context.Context) (bool, error)
	WriteSentinel(ctx context.Context, runID string, artifact *restore.DumpArtifact) error
}

// runner executes an external command; tests substitute a fake
type runner interface {
	Run(ctx context.Context, name string, args []string, env []string, stdin io.Reader) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, env []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	return cmd.CombinedOutput()
}

// Loader applies a verified dump artifact to the target database and
// records the completion sentinel. Loads are fatal on failure: a partially
// applied dump leaves the database in an indeterminate state that an
// operator has to inspect, so there is no automatic retry.
type Loader struct {
	db     database
	target config.DatabaseConfig
	keep   bool
	run    runner
	logger zerolog.Logger
}

// New creates a loader for the database named in cfg
func New(db database, cfg *config.Config, logger zerolog.Logger) *Loader {
	return &Loader{
		db:     db,
		target: cfg.Database,
		keep:   cfg.Restore.KeepDump,
		run:    execRunner{},
		logger: logger.With().Str("component", "loader").Logger(),
	}
}

// Load applies the dump. The emptiness of the database is re-verified here
// rather than trusted from the earlier presence check, so a sequencing bug
// upstream can never cause a double restore.
func (l *Loader) Load(ctx context.Context, runID string, artifact *restore.DumpArtifact) error {
	empty, err := l.db.IsEmpty(ctx)
	if err != nil {
		return &restore.LoadError{Stage: "verify_empty", Err: err}
	}
	if !empty {
		return &restore.LoadError{
			Stage: "verify_empty",
			Err:   fmt.Errorf("database %s is not empty, refusing to load", l.target.Name),
		}
	}

	format, err := SniffFormat(artifact.LocalPath)
	if err != nil {
		return &restore.LoadError{Stage: "apply", Err: err}
	}

	l.logger.Info().
		Str("path", artifact.LocalPath).
		Str("format", string(format)).
		Int64("size_bytes", artifact.Size).
		Msg("Applying dump")

	if err := l.apply(ctx, format, artifact.LocalPath); err != nil {
		return &restore.LoadError{Stage: "apply", Err: err}
	}

	if err := l.db.WriteSentinel(ctx, runID, artifact); err != nil {
		return &restore.LoadError{Stage: "sentinel", Err: err}
	}

	if !l.keep {
		if err := os.Remove(artifact.LocalPath); err != nil {
			l.logger.Warn().Err(err).Str("path", artifact.LocalPath).
				Msg("Failed to remove dump artifact after load")
		}
	}

	return nil
}

func (l *Loader) apply(ctx context.Context, format Format, path string) error {
	env := []string{"PGPASSWORD=" + l.target.Password}

	switch format {
	case FormatCustom:
		args := append(l.connArgs(),
			"--no-owner",
			"--no-privileges",
			"--single-transaction",
			"--exit-on-error",
			path,
		)
		return l.runTool(ctx, "pg_restore", args, env, nil)

	case FormatSQL:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open dump: %w", err)
		}
		defer file.Close()
		return l.runTool(ctx, "psql", l.psqlArgs(), env, file)

	case FormatGzipSQL:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open dump: %w", err)
		}
		defer file.Close()
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to read gzip dump: %w", err)
		}
		defer gz.Close()
		return l.runTool(ctx, "psql", l.psqlArgs(), env, gz)

	default:
		return fmt.Errorf("unsupported dump format %q", format)
	}
}

func (l *Loader) runTool(ctx context.Context, name string, args []string, env []string, stdin io.Reader) error {
	output, err := l.run.Run(ctx, name, args, env, stdin)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, tail(output, 2000))
	}
	return nil
}

func (l *Loader) connArgs() []string {
	return []string{
		"--host", l.target.Host,
		"--port", strconv.Itoa(l.target.Port),
		"--username", l.target.User,
		"--dbname", l.target.Name,
	}
}

func (l *Loader) psqlArgs() []string {
	return append(l.connArgs(),
		"--no-psqlrc",
		"--quiet",
		"--single-transaction",
		"-v", "ON_ERROR_STOP=1",
	)
}

// SniffFormat detects the dump format from its leading magic bytes:
// "PGDMP" for pg_dump custom archives, the gzip magic for compressed SQL,
// anything else is treated as a plain SQL script.
func SniffFormat(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open dump: %w", err)
	}
	defer file.Close()

	magic := make([]byte, 5)
	n, err := file.Read(magic)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read dump header: %w", err)
	}
	magic = magic[:n]

	switch {
	case bytes.HasPrefix(magic, []byte("PGDMP")):
		return FormatCustom, nil
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		return FormatGzipSQL, nil
	default:
		return FormatSQL, nil
	}
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
