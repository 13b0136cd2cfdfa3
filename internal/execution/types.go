// Package execution owns the persisted execution lifecycle: one row per job
// attempt, moved through its state machine only by the optimistic Transition
// primitive.
package execution

import (
	"errors"
	"time"

	"github.com/mtaverner/toolgate/internal/tool"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the edge s -> to exists in the state
// machine. Terminal states have no outgoing edges; retries create a new
// execution rather than reopening an old one.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

var (
	// ErrNotFound is returned when no execution exists for an id.
	ErrNotFound = errors.New("execution not found")

	// ErrConflict is returned when an optimistic transition loses a race or
	// an invalid edge is attempted. Callers treat it as "no-op, state
	// already final", not as a failure.
	ErrConflict = errors.New("execution state conflict")
)

// Execution is one tracked run of a tool. The id never changes and doubles
// as the dispatch idempotency key and the storage path component.
type Execution struct {
	ID       string
	ToolName string
	Category tool.Category
	Status   Status

	InputPath  string
	OutputPath string // empty until completed

	Parameters map[string]any

	// Fingerprint is a blake3 hash of the request (tool, input, parameters)
	// used to spot duplicate submissions.
	Fingerprint string

	ErrorMessage string // non-empty iff status is failed

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time // set exactly once, at the terminal boundary

	// ProcessingTimeSeconds is derived at the terminal boundary.
	ProcessingTimeSeconds float64

	// RetryOf references the failed execution this one was retried from.
	RetryOf *string
}

// CreateRequest is the input to Store.Create. ID is optional; callers that
// need the id before insertion (to derive the input path) mint it themselves.
type CreateRequest struct {
	ID         string
	ToolName   string
	Category   tool.Category
	InputPath  string
	Parameters map[string]any
	RetryOf    *string
}

// TransitionFields carries the writable fields a transition may set.
// OutputPath is honored only on the edge into Completed, ErrorMessage only
// on the edge into Failed.
type TransitionFields struct {
	OutputPath   string
	ErrorMessage string
}
