package poller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"comfydeploy/internal/artifact"
	"comfydeploy/internal/frames"
)

// State run state as seen by the poller
type State string

const (
	StateSubmitted   State = "submitted"
	StatePolling     State = "polling"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateTimedOut    State = "timed_out"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether the remote run reached a final state
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// stateFor maps a remote status string onto a poller state
func stateFor(remote string) State {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "completed", "success":
		return StateCompleted
	case "failed":
		return StateFailed
	case "cancelled", "canceled":
		return StateCancelled
	default:
		return StatePolling
	}
}

// ErrTimeout is matched by every *TimeoutError
var ErrTimeout = errors.New("run did not finish in time")

// TimeoutError is returned when the wait budget is spent before the run finishes
type TimeoutError struct {
	RunID      string
	WaitMax    time.Duration
	LastStatus string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s did not finish within %s (last status %q)", e.RunID, e.WaitMax, e.LastStatus)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PollState tracks one poll loop
type PollState struct {
	RunID      string
	State      State
	StartTime  time.Time
	LastStatus string
	Elapsed    time.Duration
	Iterations int
}

// Result is what a finished run hands back to the graph
type Result struct {
	RunID     string
	State     State
	Status    string
	Paths     []string // every artifact location, local when downloaded
	Images    frames.Batch
	Videos    []string
	Artifacts artifact.Set

	decoded []frames.Frame
}

// PathsText joins paths one per line
func (r *Result) PathsText() string { return strings.Join(r.Paths, "\n") }

// VideosText joins video locations one per line
func (r *Result) VideosText() string { return strings.Join(r.Videos, "\n") }

// emptyResult is the well-typed result for failed and cancelled runs
func emptyResult(runID string, state State, status string) *Result {
	batch, _ := frames.Stack(nil)
	return &Result{
		RunID:  runID,
		State:  state,
		Status: status,
		Images: batch,
	}
}
