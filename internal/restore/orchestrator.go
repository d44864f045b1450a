package restore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Presence is the result of inspecting the target database
type Presence string

const (
	// PresenceEmpty means the database holds no user data and no sentinel
	PresenceEmpty Presence = "empty"

	// PresencePopulated means a prior restore completed or user data exists
	PresencePopulated Presence = "populated"
)

// PresenceChecker waits for the database engine and reports whether the
// target database already holds data
type PresenceChecker interface {
	// WaitReady blocks until the engine accepts connections or the
	// configured deadline passes, returning ErrEngineUnavailable on timeout
	WaitReady(ctx context.Context) error

	// Presence reports whether the database is empty or populated
	Presence(ctx context.Context) (Presence, error)
}

// Fetcher downloads the dump artifact from object storage
type Fetcher interface {
	Fetch(ctx context.Context) (*DumpArtifact, error)
}

// Loader applies a verified dump artifact to the database and records the
// completion sentinel
type Loader interface {
	Load(ctx context.Context, runID string, artifact *DumpArtifact) error
}

// Orchestrator drives a single restore run through its state machine:
// check presence, fetch, verify, load. It owns the run Record; components
// only report results back to it.
type Orchestrator struct {
	checker PresenceChecker
	fetcher Fetcher
	loader  Loader
	logger  zerolog.Logger
}

// NewOrchestrator creates a restore orchestrator
func NewOrchestrator(checker PresenceChecker, fetcher Fetcher, loader Loader, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		checker: checker,
		fetcher: fetcher,
		loader:  loader,
		logger:  logger.With().Str("component", "restore_orchestrator").Logger(),
	}
}

// Run executes the pipeline to a terminal state. The returned Record is
// always non-nil; its State is Completed, Skipped or Failed, and the error
// (nil unless Failed) carries the cause. The run is not re-entrant: on
// failure the process is expected to exit and be re-invoked by the
// supervisor, at which point the presence check naturally no-ops or
// resumes from scratch.
func (o *Orchestrator) Run(ctx context.Context) (*Record, error) {
	rec := NewRecord()
	log := o.logger.With().Str("run_id", rec.RunID).Logger()

	if err := o.transition(log, rec, StateCheckingPresence); err != nil {
		return o.fail(log, rec, err)
	}

	if err := o.checker.WaitReady(ctx); err != nil {
		return o.fail(log, rec, fmt.Errorf("waiting for database engine: %w", err))
	}

	presence, err := o.checker.Presence(ctx)
	if err != nil {
		return o.fail(log, rec, fmt.Errorf("presence check: %w", err))
	}

	if presence == PresencePopulated {
		if err := o.transition(log, rec, StateSkipped); err != nil {
			return o.fail(log, rec, err)
		}
		log.Info().Msg("Database already populated, restore skipped")
		return rec, nil
	}

	if err := o.transition(log, rec, StateDownloading); err != nil {
		return o.fail(log, rec, err)
	}

	artifact, err := o.fetcher.Fetch(ctx)
	if err != nil {
		return o.fail(log, rec, err)
	}

	// Never hand an unverified artifact to the loader
	if err := artifact.Verify(); err != nil {
		return o.fail(log, rec, err)
	}

	log.Info().
		Str("key", artifact.Key).
		Int64("size_bytes", artifact.Size).
		Str("checksum", artifact.Checksum).
		Msg("Dump artifact downloaded and verified")

	if err := o.transition(log, rec, StateLoading); err != nil {
		return o.fail(log, rec, err)
	}

	if err := o.loader.Load(ctx, rec.RunID, artifact); err != nil {
		return o.fail(log, rec, err)
	}

	if err := o.transition(log, rec, StateCompleted); err != nil {
		return o.fail(log, rec, err)
	}
	log.Info().
		Dur("elapsed", rec.FinishedAt.Sub(rec.StartedAt)).
		Msg("Restore completed successfully")

	return rec, nil
}

func (o *Orchestrator) transition(log zerolog.Logger, rec *Record, to State) error {
	from := rec.State
	if err := rec.Transition(to); err != nil {
		// The transition table and Run are maintained together; a mismatch
		// is a programming error, but fail the run rather than panic
		return err
	}
	log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("State transition")
	return nil
}

func (o *Orchestrator) fail(log zerolog.Logger, rec *Record, err error) (*Record, error) {
	rec.Fail(err)
	log.Error().Err(err).Msg("Restore failed")
	return rec, err
}
