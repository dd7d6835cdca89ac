package lifecycle

import (
	"errors"
	"fmt"

	"github.com/chainguard-dev/run-on-ec2/internal/wait"
)

var (
	// ErrFatalProvisioning is a provider failure no other launch option can
	// fix.
	ErrFatalProvisioning = errors.New("fatal provisioning failure")

	// ErrCapacityExhausted means every launch option was rejected for
	// capacity.
	ErrCapacityExhausted = errors.New("no launch option had capacity")

	// ErrReadinessTimeout means the instance or its SSH daemon did not become
	// ready within the configured budget.
	ErrReadinessTimeout = errors.New("resource did not become ready in time")

	// ErrFatalSession is a remote session failure that retrying won't fix,
	// such as a rejected key.
	ErrFatalSession = errors.New("fatal remote session failure")

	ErrSessionOpen = errors.New("a remote session is already open")
	ErrNoSession   = errors.New("no remote session is open")
)

// readinessError maps a poller timeout to 'ErrReadinessTimeout', keeping the
// poller's error in the chain.
func readinessError(err error) error {
	if errors.Is(err, wait.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrReadinessTimeout, err)
	}
	return err
}

// CleanupError is a failure to release a resource.
type CleanupError struct {
	Resource string
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("releasing %s: %s", e.Resource, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Stage names the step of a run.
type Stage string

const (
	StageCredential Stage = "credential"
	StageCompute    Stage = "compute"
	StageSession    Stage = "session"
	StageExecute    Stage = "execute"
	StageRelease    Stage = "release"
)

// Failure is a failed run.
//
// 'Err' is the cause, and is what 'errors.Is' and 'errors.As' see. 'Cleanup'
// holds any '*CleanupError's joined, which never replace the cause.
type Failure struct {
	Stage   Stage
	Err     error
	Cleanup error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s stage failed: %s", f.Stage, f.Err)
	if f.Cleanup != nil {
		msg += fmt.Sprintf(" (cleanup also failed: %s)", f.Cleanup)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }
