package restore

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable is returned when the database engine did not accept
// connections within the configured wait window
var ErrEngineUnavailable = errors.New("database engine unavailable")

// ErrIntegrity is returned when a downloaded artifact does not match the
// integrity token reported by the object store
var ErrIntegrity = errors.New("dump artifact integrity mismatch")

// FetchError describes a failure while downloading the dump artifact.
// Permanent failures (missing object, rejected credentials) are not worth
// retrying; transient ones are retried until the attempt budget runs out,
// at which point Exhausted is set and the error becomes permanent.
type FetchError struct {
	Op        string // "stat" or "download"
	Bucket    string
	Key       string
	Permanent bool
	Exhausted bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Exhausted {
		return fmt.Sprintf("fetch %s s3://%s/%s: retry budget exhausted: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("fetch %s s3://%s/%s: %s: %v", e.Op, e.Bucket, e.Key, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LoadError describes a failure while applying the dump. Loads are never
// retried automatically: a partial load leaves the database in an
// indeterminate state that is unsafe to re-touch without an operator.
type LoadError struct {
	Stage string // "verify_empty", "apply", "sentinel"
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load (%s): %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
