package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoFlow is returned when a run is created for a workflow without nodes.
	ErrNoFlow = errors.New("execution flow of workflow is not defined; add steps via Then, Branch, etc")

	// ErrUncommitted is returned when a run is created before Commit.
	ErrUncommitted = errors.New("uncommitted step flow changes detected; call Commit to register the steps")

	// ErrNoSnapshot is returned by Resume when storage holds no snapshot.
	ErrNoSnapshot = errors.New("no snapshot found for this workflow run")

	// ErrNoSuspendedSteps is returned by Resume when nothing is suspended.
	ErrNoSuspendedSteps = errors.New("no suspended steps found in this workflow run")

	// ErrNotSuspended is returned by Resume when the run is not suspended.
	ErrNotSuspended = errors.New("this workflow run was not suspended")

	// ErrRunNotFound is returned by storages for unknown runs.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunInProgress is returned when a run is started or resumed while
	// it is already executing in this process.
	ErrRunInProgress = errors.New("workflow run is already executing")

	// ErrRunLocked is returned when another owner holds the run lease.
	ErrRunLocked = errors.New("workflow run is locked by another owner")

	// ErrEventTimeout fails a waitForEvent node whose timeout elapsed.
	ErrEventTimeout = errors.New("timeout waiting for event")

	// ErrToolSchema is returned when a tool adapter lacks its schemas.
	ErrToolSchema = errors.New("tool must have input and output schemas defined")
)

// SuspendError is returned by a step body to suspend the run.
type SuspendError struct {
	Payload any
	Meta    *WorkflowMeta
}

func (e *SuspendError) Error() string { return "step suspended" }

// IsSuspend reports whether err asks the engine to suspend.
func IsSuspend(err error) (*SuspendError, bool) {
	var se *SuspendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// BailError is returned by a step body to finish the run early.
type BailError struct {
	Result any
}

func (e *BailError) Error() string { return "workflow bailed" }

// IsBail reports whether err asks the engine to finish the run early.
func IsBail(err error) (*BailError, bool) {
	var be *BailError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// AmbiguousResumeError lists every candidate when Resume cannot pick a single
// suspended path.
type AmbiguousResumeError struct {
	Paths [][]string
}

func (e *AmbiguousResumeError) Error() string {
	parts := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		parts[i] = "[" + strings.Join(p, ", ") + "]"
	}
	return fmt.Sprintf("multiple suspended steps found: %s; specify which step to resume", strings.Join(parts, ", "))
}

// StepNotSuspendedError is returned by Resume when the target step is not
// among the suspended ones.
type StepNotSuspendedError struct {
	Step      string
	Available []string
}

func (e *StepNotSuspendedError) Error() string {
	return fmt.Sprintf("this workflow step %q was not suspended; available suspended steps: [%s]",
		e.Step, strings.Join(e.Available, ", "))
}

// PathError is returned by a mapping that traverses into a non-object.
type PathError struct {
	Path string
	Step string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %s in step %s", e.Path, e.Step)
}

// StepFailedError carries a step failure out of a run.
type StepFailedError struct {
	StepID string
	Err    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }
