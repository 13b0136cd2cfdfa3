// Package status is the only mutation and read surface for execution state
// available to callbacks and user actions. Everything funnels into the
// store's optimistic Transition, so a lost race surfaces as a conflict and
// never overwrites a terminal state.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/log"
)

// Snapshot is the read model returned by GetStatus.
type Snapshot struct {
	ID                    string
	ToolName              string
	Status                execution.Status
	OutputPath            string
	ErrorMessage          string
	CompletedAt           *time.Time
	ProcessingTimeSeconds float64
}

// CompletionReport is the worker's completion callback payload.
type CompletionReport struct {
	OutputPath string
	// Metrics are worker-side observations (processing time, codec info).
	// They are logged for correlation, not persisted.
	Metrics map[string]any
}

// Service validates and applies state transitions requested by the worker
// (callbacks) or the user (cancel), and answers read queries.
type Service struct {
	store  *execution.Store
	hub    *events.Hub
	logger *slog.Logger
}

func New(store *execution.Store, hub *events.Hub) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		logger: log.WithComponent("status"),
	}
}

// GetStatus answers a read query without any transition.
func (s *Service) GetStatus(ctx context.Context, id string) (Snapshot, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:                    e.ID,
		ToolName:              e.ToolName,
		Status:                e.Status,
		OutputPath:            e.OutputPath,
		ErrorMessage:          e.ErrorMessage,
		CompletedAt:           e.CompletedAt,
		ProcessingTimeSeconds: e.ProcessingTimeSeconds,
	}, nil
}

// ReportCompletion applies Processing -> Completed on behalf of the worker.
// A conflict means the execution was already finalized (typically cancelled);
// the late callback is logged and reported as execution.ErrConflict, which
// callers treat as a no-op.
func (s *Service) ReportCompletion(ctx context.Context, id string, report CompletionReport) error {
	_, err := s.store.Transition(ctx, id, execution.StatusProcessing, execution.StatusCompleted,
		execution.TransitionFields{OutputPath: report.OutputPath})
	if errors.Is(err, execution.ErrConflict) {
		log.WithExecution(id).Info("late worker callback ignored", "callback", "complete")
		return err
	}
	if err != nil {
		return err
	}
	log.WithExecution(id).Info("worker reported completion",
		"output_path", report.OutputPath, "metrics", report.Metrics)
	s.hub.Publish(events.TypeExecutionCompleted, map[string]any{
		"execution_id": id,
		"output_path":  report.OutputPath,
	})
	return nil
}

// ReportFailure applies Processing -> Failed on behalf of the worker, passing
// the worker's message through as the user-visible error.
func (s *Service) ReportFailure(ctx context.Context, id, message string) error {
	if message == "" {
		message = "ProcessingError: worker reported an unspecified failure"
	}
	_, err := s.store.Transition(ctx, id, execution.StatusProcessing, execution.StatusFailed,
		execution.TransitionFields{ErrorMessage: message})
	if errors.Is(err, execution.ErrConflict) {
		log.WithExecution(id).Info("late worker callback ignored", "callback", "fail")
		return err
	}
	if err != nil {
		return err
	}
	log.WithExecution(id).Warn("worker reported failure", "error", message)
	s.hub.Publish(events.TypeExecutionFailed, map[string]any{
		"execution_id": id,
		"error":        message,
	})
	return nil
}

// Cancel applies Pending|Processing -> Cancelled for a user action. Best
// effort: it does not stop a worker that is already running, and a worker
// callback that wins the race leaves the execution in its terminal state
// (surfaced to the caller as execution.ErrConflict).
//
// Losing the optimistic edge does not mean the execution is final: a cancel
// that reads Pending can lose to the dispatcher's Pending -> Processing flip
// while the execution is still cancellable. One re-read covers that window;
// a second loss means a terminal transition won.
func (s *Service) Cancel(ctx context.Context, id string) error {
	for attempt := 0; attempt < 2; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return execution.ErrConflict
		}

		_, err = s.store.Transition(ctx, id, e.Status, execution.StatusCancelled, execution.TransitionFields{})
		if errors.Is(err, execution.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		log.WithExecution(id).Info("execution cancelled by user", "was", string(e.Status))
		s.hub.Publish(events.TypeExecutionCancelled, map[string]any{
			"execution_id": id,
		})
		return nil
	}
	return execution.ErrConflict
}
