package restore

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// State represents the current stage of a restore run
type State string

const (
	// StateNotStarted indicates the run has not begun yet
	StateNotStarted State = "not_started"

	// StateCheckingPresence indicates the run is waiting for the engine
	// and inspecting whether the database already holds data
	StateCheckingPresence State = "checking_presence"

	// StateDownloading indicates the dump artifact is being fetched
	StateDownloading State = "downloading"

	// StateLoading indicates the dump is being applied to the database
	StateLoading State = "loading"

	// StateCompleted indicates the restore finished and the sentinel was written
	StateCompleted State = "completed"

	// StateSkipped indicates the database was already populated, nothing to do
	StateSkipped State = "skipped"

	// StateFailed indicates the run stopped on an error
	StateFailed State = "failed"
)

// IsTerminal returns true if the state represents a final outcome
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateSkipped || s == StateFailed
}

// transitions lists the states reachable from each non-terminal state.
// Loading is only reachable from Downloading, which is only reachable
// after a presence check reported the database empty.
var transitions = map[State][]State{
	StateNotStarted:       {StateCheckingPresence, StateFailed},
	StateCheckingPresence: {StateDownloading, StateSkipped, StateFailed},
	StateDownloading:      {StateLoading, StateFailed},
	StateLoading:          {StateCompleted, StateFailed},
}

// Record tracks a single restore run. It is owned exclusively by the
// Orchestrator; no other component mutates it.
type Record struct {
	RunID      string
	State      State
	Cause      error // set when State is StateFailed
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewRecord creates a run record in the initial state with a fresh ULID
func NewRecord() *Record {
	return &Record{
		RunID:     ulid.Make().String(),
		State:     StateNotStarted,
		StartedAt: time.Now(),
	}
}

// Transition moves the record to the given state, rejecting moves the
// state machine does not allow
func (r *Record) Transition(to State) error {
	for _, allowed := range transitions[r.State] {
		if allowed == to {
			r.State = to
			if to.IsTerminal() {
				r.FinishedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s", r.State, to)
}

// Fail moves the record to StateFailed and records the cause
func (r *Record) Fail(cause error) {
	r.State = StateFailed
	r.Cause = cause
	r.FinishedAt = time.Now()
}
