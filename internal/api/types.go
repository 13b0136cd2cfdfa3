package api

import "time"

// InvokeRequest is the JSON body for POST /tools/{tool}/executions.
type InvokeRequest struct {
	// FileName carries the original filename; its extension selects the
	// format check and the stored input path suffix.
	FileName   string         `json:"file_name"`
	FileSize   int64          `json:"file_size"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AsyncResponse is returned when an asynchronous execution was accepted.
type AsyncResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Tool        string `json:"tool"`
	InputPath   string `json:"input_path"`
}

// StatusResponse is returned by GET /executions/{id}/status. OutputPath is
// present only on completed executions, ErrorMessage only on failed ones.
// Keys are camelCase to match the worker envelope and callback bodies.
type StatusResponse struct {
	ExecutionID           string     `json:"executionId"`
	Tool                  string     `json:"tool"`
	Status                string     `json:"status"`
	OutputPath            string     `json:"outputPath,omitempty"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	ProcessingTimeSeconds float64    `json:"processingTimeSeconds,omitempty"`
}

// RetryResponse is returned by POST /executions/{id}/retry.
type RetryResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	RetryOf     string `json:"retry_of"`
}

// CompleteCallbackRequest is the worker's completion callback body.
type CompleteCallbackRequest struct {
	OutputPath string         `json:"outputPath"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// FailCallbackRequest is the worker's failure callback body.
type FailCallbackRequest struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToolSummary is one entry in GET /tools.
type ToolSummary struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Async       bool   `json:"async"`
}

// ToolListResponse is returned by GET /tools.
type ToolListResponse struct {
	Tools []ToolSummary `json:"tools"`
}

// ToolDetailResponse is returned by GET /tools/{tool}.
type ToolDetailResponse struct {
	Name             string   `json:"name"`
	Category         string   `json:"category"`
	Description      string   `json:"description"`
	SupportedFormats []string `json:"supported_formats"`
	MaxFileSize      int64    `json:"max_file_size"`
	Async            bool     `json:"async"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ActiveExecutions int    `json:"active_executions"`
	ToolsLoaded      int    `json:"tools_loaded"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
