package pipeline

import (
	"errors"
	"fmt"

	"github.com/atelier-ai/atelier/runtime/profile"
)

var (
	// ErrSessionActive is returned when Start, Feedback or Analyze is called
	// while another run holds the controller.
	ErrSessionActive = errors.New("pipeline: session already active")

	// ErrMaxIterations is the policy rejection for a revise request that
	// would exceed the iteration ceiling. The session state is untouched;
	// the caller should confirm the current version or edit manually.
	ErrMaxIterations = errors.New("pipeline: maximum iterations reached")

	// ErrCancelled is returned by a run whose session was cancelled while it
	// was in flight. The controller state was already reset; the run's
	// result is discarded.
	ErrCancelled = errors.New("pipeline: run cancelled")

	// ErrNoDraft is returned by draft stores when no draft exists for the
	// requested project/chapter, and surfaces from finalize and Analyze.
	ErrNoDraft = errors.New("pipeline: no draft found")
)

// RoleError reports a failed pipeline step: either the role agent signalled
// Success=false or it returned an error, preserved as the cause.
type RoleError struct {
	// Role is the pipeline step that failed.
	Role profile.Role
	// Message is the agent-reported failure message, when any.
	Message string
	// Err is the underlying error, when the agent returned one.
	Err error
}

// Error implements error.
func (e *RoleError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s step failed: %v", e.Role, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s step failed: %s", e.Role, e.Message)
	default:
		return fmt.Sprintf("%s step failed", e.Role)
	}
}

// Unwrap returns the underlying agent error, if any.
func (e *RoleError) Unwrap() error { return e.Err }
