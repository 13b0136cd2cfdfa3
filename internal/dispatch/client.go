// Package dispatch turns a pending execution into an outbound HTTP trigger to
// the external worker. The Pending -> Processing transition is the idempotency
// guard: of any number of concurrent dispatchers for one id, exactly one wins
// the edge and sends the trigger.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/mtaverner/toolgate/internal/blobpath"
	"github.com/mtaverner/toolgate/internal/config"
	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/log"
)

// maxResponseBytes caps how much of a worker response body is read.
const maxResponseBytes = 1 << 20

// ErrInvalidState is returned when dispatch is requested for an execution
// that is not pending.
var ErrInvalidState = errors.New("execution is not pending")

// Request is the trigger body POSTed to {baseURL}/{category}/{tool}.
type Request struct {
	ExecutionID     string         `json:"executionId"`
	ToolName        string         `json:"toolName"`
	InputPath       string         `json:"inputPath"`
	OutputContainer string         `json:"outputContainer"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// Response is the worker's reply envelope. Status is "success" or "error".
type Response struct {
	Status                string         `json:"status"`
	ExecutionID           string         `json:"executionId"`
	OutputPath            string         `json:"outputPath,omitempty"`
	ProcessingTimeSeconds float64        `json:"processingTimeSeconds,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	Error                 string         `json:"error,omitempty"`
	Message               string         `json:"message,omitempty"`
	Details               map[string]any `json:"details,omitempty"`
}

// Client dispatches executions to the worker with bounded retries.
type Client struct {
	store  *execution.Store
	cfg    *config.Config
	hub    *events.Hub
	http   *http.Client
	logger *slog.Logger
}

// New creates a dispatch client. The http.Client carries no global timeout;
// each attempt is bounded by the per-category budget instead.
func New(store *execution.Store, cfg *config.Config, hub *events.Hub) *Client {
	return &Client{
		store:  store,
		cfg:    cfg,
		hub:    hub,
		http:   &http.Client{},
		logger: log.WithComponent("dispatch"),
	}
}

// Dispatch sends one trigger for the execution. It returns ErrInvalidState if
// the execution is not pending, execution.ErrConflict if a concurrent
// dispatcher won the Pending -> Processing edge first (benign), and nil once
// the execution has reached a state the worker owns (processing or terminal).
// The execution is never left stuck: every failure path ends in a terminal
// transition.
func (c *Client) Dispatch(ctx context.Context, executionID string) error {
	e, err := c.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status != execution.StatusPending {
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidState, e.ID, e.Status)
	}

	// Idempotency guard: only the winner of this edge sends the trigger.
	e, err = c.store.Transition(ctx, e.ID, execution.StatusPending, execution.StatusProcessing, execution.TransitionFields{})
	if err != nil {
		return err
	}

	execLogger := log.WithExecution(e.ID).With("tool", e.ToolName, "category", string(e.Category))
	c.hub.Publish(events.TypeExecutionDispatched, map[string]any{
		"execution_id": e.ID,
		"tool":         e.ToolName,
		"category":     string(e.Category),
	})

	timeout := c.cfg.WorkerTimeout(e.Category)
	url := fmt.Sprintf("%s/%s/%s", c.cfg.Worker.BaseURL, e.Category, e.ToolName)
	body, err := json.Marshal(Request{
		ExecutionID:     e.ID,
		ToolName:        e.ToolName,
		InputPath:       e.InputPath,
		OutputContainer: string(blobpath.ContainerProcessed),
		Parameters:      e.Parameters,
	})
	if err != nil {
		return c.failTerminal(ctx, e.ID, execLogger, fmt.Sprintf("internal error preparing dispatch for tool %q", e.ToolName), err)
	}

	maxAttempts := c.cfg.Worker.Retry.MaxAttempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// Cancellation may have won while we were backing off; do not
			// keep hammering the worker for a dead execution.
			cur, err := c.store.Get(ctx, e.ID)
			if err != nil {
				return err
			}
			if cur.Status != execution.StatusProcessing {
				execLogger.Info("dispatch retries abandoned, execution no longer processing", "status", string(cur.Status))
				return nil
			}
		}

		execLogger.Debug("sending worker trigger", "url", url, "attempt", attempt, "timeout", timeout)
		resp, retryable, err := c.attempt(ctx, url, body, timeout)
		if err == nil {
			return c.settle(ctx, e.ID, execLogger, resp)
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			// The category budget is the worker's own limit; blowing it is a
			// worker timeout, not an unreachable worker.
			msg := fmt.Sprintf("TimeoutError: worker exceeded the %s budget for category %s", timeout, e.Category)
			return c.failTerminal(ctx, e.ID, execLogger, msg, err)
		}
		if errors.Is(err, context.Canceled) {
			return c.failTerminal(ctx, e.ID, execLogger, "DispatchUnreachable: dispatch aborted", err)
		}
		if !retryable {
			return c.failTerminal(ctx, e.ID, execLogger, err.Error(), err)
		}

		if attempt < maxAttempts {
			backoff := jitteredBackoff(c.cfg.Worker.Retry.BackoffBase.Std(), attempt)
			execLogger.Warn("worker trigger failed, backing off", "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return c.failTerminal(ctx, e.ID, execLogger, "DispatchUnreachable: dispatch aborted", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	msg := fmt.Sprintf("DispatchUnreachable: worker unreachable after %d attempts", maxAttempts)
	return c.failTerminal(ctx, e.ID, execLogger, msg, lastErr)
}

// attempt performs one POST. It returns the decoded envelope on any response
// that carries one; retryable reports whether the caller should try again.
func (c *Client) attempt(ctx context.Context, url string, body []byte, timeout time.Duration) (*Response, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The caller's context died, not the attempt budget.
			return nil, false, ctx.Err()
		case attemptCtx.Err() != nil:
			return nil, false, context.DeadlineExceeded
		default:
			return nil, true, fmt.Errorf("worker request: %w", err)
		}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read worker response: %w", err)
	}

	var envelope Response
	decodeErr := json.Unmarshal(raw, &envelope)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if decodeErr != nil || envelope.Status != "success" {
			return nil, true, fmt.Errorf("worker returned %d with malformed body", httpResp.StatusCode)
		}
		return &envelope, false, nil
	}

	// A well-formed error envelope is a definitive worker answer; retrying
	// would just replay the same failure.
	if decodeErr == nil && envelope.Status == "error" && envelope.Error != "" {
		return &envelope, false, fmt.Errorf("%s: %s", envelope.Error, envelope.Message)
	}
	return nil, true, fmt.Errorf("worker returned status %d", httpResp.StatusCode)
}

// settle applies the worker's synchronous success reply.
func (c *Client) settle(ctx context.Context, id string, logger *slog.Logger, resp *Response) error {
	if resp.OutputPath == "" {
		return c.failTerminal(ctx, id, logger, "ProcessingError: worker reported success without an output path", nil)
	}
	_, err := c.store.Transition(ctx, id, execution.StatusProcessing, execution.StatusCompleted,
		execution.TransitionFields{OutputPath: resp.OutputPath})
	if errors.Is(err, execution.ErrConflict) {
		// Cancelled while the worker was finishing; the result stays on disk
		// until retention reclaims it.
		logger.Info("late worker success ignored, execution already finalized")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("execution completed by worker",
		"output_path", resp.OutputPath,
		"worker_processing_seconds", resp.ProcessingTimeSeconds)
	c.hub.Publish(events.TypeExecutionCompleted, map[string]any{
		"execution_id": id,
		"output_path":  resp.OutputPath,
	})
	return nil
}

// failTerminal moves the execution to failed with a short user-visible
// message; the technical cause is only logged. The transition runs detached
// from ctx so an aborted dispatch still lands terminal instead of stranding
// the execution in processing.
func (c *Client) failTerminal(ctx context.Context, id string, logger *slog.Logger, message string, cause error) error {
	logger.Error("dispatch failed", "message", message, "cause", cause)
	_, err := c.store.Transition(context.WithoutCancel(ctx), id, execution.StatusProcessing, execution.StatusFailed,
		execution.TransitionFields{ErrorMessage: message})
	if errors.Is(err, execution.ErrConflict) {
		logger.Info("execution already finalized, dispatch failure not recorded")
		return nil
	}
	if err != nil {
		return err
	}
	c.hub.Publish(events.TypeExecutionFailed, map[string]any{
		"execution_id": id,
		"error":        message,
	})
	return nil
}

// jitteredBackoff doubles the base per attempt and adds up to one base of
// random jitter so synchronized retries spread out.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(base)))
}
