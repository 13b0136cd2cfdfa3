// Package invoke ties the registry, execution store, and dispatch client
// into the single entry point callers use to run a tool.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mtaverner/toolgate/internal/blobpath"
	"github.com/mtaverner/toolgate/internal/dispatch"
	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/log"
	"github.com/mtaverner/toolgate/internal/tool"
)

// Dispatcher sends a pending execution to the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

// Invoker routes a request through validation and into either the inline
// sync path or the persisted async path.
type Invoker struct {
	registry   *tool.Registry
	store      *execution.Store
	dispatcher Dispatcher
	hub        *events.Hub
	logger     *slog.Logger
}

func New(registry *tool.Registry, store *execution.Store, dispatcher Dispatcher, hub *events.Hub) *Invoker {
	return &Invoker{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     log.WithComponent("invoke"),
	}
}

// Invoke validates the input and runs the named tool. Synchronous tools
// return a tool.SyncResult with the inline data; asynchronous tools return a
// tool.AsyncHandle whose execution can be followed via the status service.
// Validation failures never create persisted state.
func (i *Invoker) Invoke(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
	def, err := i.registry.Get(toolName)
	if err != nil {
		return nil, err
	}

	if err := def.CheckInput(in); err != nil {
		return nil, err
	}
	if err := def.Handler.Validate(ctx, in); err != nil {
		if errors.Is(err, tool.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", tool.ErrValidation, err)
	}

	if !def.Async {
		proc, ok := def.Handler.(tool.SyncProcessor)
		if !ok {
			// Registry construction guarantees this; guard anyway.
			return nil, fmt.Errorf("tool %q cannot process inline", def.Name)
		}
		res, err := proc.Process(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", def.Name, err)
		}
		return res, nil
	}

	// The execution id doubles as the storage path component, so it is
	// minted here and handed to the store.
	id := uuid.NewString()
	inputPath := blobpath.InputPath(def.Category, id, in.Ext())

	e, err := i.store.Create(ctx, execution.CreateRequest{
		ID:         id,
		ToolName:   def.Name,
		Category:   def.Category,
		InputPath:  inputPath,
		Parameters: in.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	i.hub.Publish(events.TypeExecutionCreated, map[string]any{
		"execution_id": e.ID,
		"tool":         e.ToolName,
		"category":     string(e.Category),
	})
	log.WithExecution(e.ID).Info("execution created", "tool", e.ToolName, "input_path", e.InputPath)

	// Dispatch outlives the caller's request context on purpose: the record
	// exists, so abandoning it now would strand it in pending.
	go func() {
		if err := i.dispatcher.Dispatch(context.Background(), e.ID); err != nil &&
			!errors.Is(err, execution.ErrConflict) && !errors.Is(err, dispatch.ErrInvalidState) {
			log.WithExecution(e.ID).Error("background dispatch failed", "error", err)
		}
	}()

	return tool.AsyncHandle{ExecutionID: e.ID}, nil
}

// Retry creates a fresh pending execution from a failed one and dispatches
// it. The original record is left untouched.
func (i *Invoker) Retry(ctx context.Context, executionID string) (*execution.Execution, error) {
	e, err := i.store.Retry(ctx, executionID)
	if err != nil {
		return nil, err
	}

	i.hub.Publish(events.TypeExecutionCreated, map[string]any{
		"execution_id": e.ID,
		"tool":         e.ToolName,
		"category":     string(e.Category),
		"retry_of":     executionID,
	})
	log.WithExecution(e.ID).Info("execution retried", "retry_of", executionID)

	go func() {
		if err := i.dispatcher.Dispatch(context.Background(), e.ID); err != nil &&
			!errors.Is(err, execution.ErrConflict) && !errors.Is(err, dispatch.ErrInvalidState) {
			log.WithExecution(e.ID).Error("background dispatch failed", "error", err)
		}
	}()
	return e, nil
}
