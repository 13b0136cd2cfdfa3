package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mtaverner/toolgate/internal/blobpath"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/tool"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active, err := s.counter.CountActive(r.Context())
	if err != nil {
		s.logger.Error("failed to count active executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count active executions")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ActiveExecutions: active,
		ToolsLoaded:      s.catalog.Len(),
	})
}

// handleListTools handles GET /tools.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	defs := s.catalog.List()
	resp := ToolListResponse{Tools: make([]ToolSummary, 0, len(defs))}
	for _, d := range defs {
		resp.Tools = append(resp.Tools, ToolSummary{
			Name:        d.Name,
			Category:    string(d.Category),
			Description: d.Description,
			Async:       d.Async,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTool handles GET /tools/{tool}.
func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	d, err := s.catalog.Get(chi.URLParam(r, "tool"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "tool not found")
		return
	}
	respondJSON(w, http.StatusOK, ToolDetailResponse{
		Name:             d.Name,
		Category:         string(d.Category),
		Description:      d.Description,
		SupportedFormats: d.SupportedFormats,
		MaxFileSize:      d.MaxFileSize,
		Async:            d.Async,
	})
}

// handleInvoke handles POST /tools/{tool}/executions. Synchronous tools
// return the result inline with 200; asynchronous tools return 202 with the
// execution handle.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	in := tool.Input{
		Name:       req.FileName,
		Size:       req.FileSize,
		Parameters: req.Parameters,
	}

	outcome, err := s.invoker.Invoke(r.Context(), toolName, in)
	switch {
	case errors.Is(err, tool.ErrToolNotFound):
		s.writeError(w, http.StatusNotFound, "tool not found")
		return
	case errors.Is(err, tool.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("invoke failed", "tool", toolName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "invoke failed")
		return
	}

	switch out := outcome.(type) {
	case tool.SyncResult:
		contentType := out.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Data)
	case tool.AsyncHandle:
		d, _ := s.catalog.Get(toolName)
		respondJSON(w, http.StatusAccepted, AsyncResponse{
			ExecutionID: out.ExecutionID,
			Status:      string(execution.StatusPending),
			Tool:        toolName,
			InputPath:   blobpath.InputPath(d.Category, out.ExecutionID, in.Ext()),
		})
	default:
		s.logger.Error("invoke returned unknown outcome", "tool", toolName)
		s.writeError(w, http.StatusInternalServerError, "invoke failed")
	}
}

// handleGetStatus handles GET /executions/{executionID}/status.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	snap, err := s.statusSvc.GetStatus(r.Context(), id)
	if errors.Is(err, execution.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load execution status", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load execution status")
		return
	}

	resp := StatusResponse{
		ExecutionID:           snap.ID,
		Tool:                  snap.ToolName,
		Status:                string(snap.Status),
		CompletedAt:           snap.CompletedAt,
		ProcessingTimeSeconds: snap.ProcessingTimeSeconds,
	}
	if snap.Status == execution.StatusCompleted {
		resp.OutputPath = snap.OutputPath
	}
	if snap.Status == execution.StatusFailed {
		resp.ErrorMessage = snap.ErrorMessage
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCancel handles POST /executions/{executionID}/cancel. A conflict
// (already terminal) is reported as 409 so callers can re-read the status.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	err := s.statusSvc.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, execution.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, execution.ErrConflict):
		s.writeError(w, http.StatusConflict, "execution already finalized")
	case err != nil:
		s.logger.Error("cancel failed", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		respondJSON(w, http.StatusOK, StatusResponse{
			ExecutionID: id,
			Status:      string(execution.StatusCancelled),
		})
	}
}

// handleRetry handles POST /executions/{executionID}/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	e, err := s.invoker.Retry(r.Context(), id)
	switch {
	case errors.Is(err, execution.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, execution.ErrConflict):
		s.writeError(w, http.StatusConflict, "only failed executions can be retried")
	case err != nil:
		s.logger.Error("retry failed", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "retry failed")
	default:
		respondJSON(w, http.StatusAccepted, RetryResponse{
			ExecutionID: e.ID,
			Status:      string(e.Status),
			RetryOf:     id,
		})
	}
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
