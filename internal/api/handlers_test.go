package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mtaverner/toolgate/internal/auth"
	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/status"
	"github.com/mtaverner/toolgate/internal/tool"
)

// mockInvoker implements ToolInvoker for testing.
type mockInvoker struct {
	invokeFunc func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error)
	retryFunc  func(ctx context.Context, executionID string) (*execution.Execution, error)
}

func (m *mockInvoker) Invoke(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
	return m.invokeFunc(ctx, toolName, in)
}

func (m *mockInvoker) Retry(ctx context.Context, executionID string) (*execution.Execution, error) {
	if m.retryFunc == nil {
		return nil, execution.ErrNotFound
	}
	return m.retryFunc(ctx, executionID)
}

// mockStatusService implements StatusService for testing.
type mockStatusService struct {
	getFunc      func(ctx context.Context, id string) (status.Snapshot, error)
	completeFunc func(ctx context.Context, id string, report status.CompletionReport) error
	failFunc     func(ctx context.Context, id, message string) error
	cancelFunc   func(ctx context.Context, id string) error
}

func (m *mockStatusService) GetStatus(ctx context.Context, id string) (status.Snapshot, error) {
	return m.getFunc(ctx, id)
}

func (m *mockStatusService) ReportCompletion(ctx context.Context, id string, report status.CompletionReport) error {
	return m.completeFunc(ctx, id, report)
}

func (m *mockStatusService) ReportFailure(ctx context.Context, id, message string) error {
	return m.failFunc(ctx, id, message)
}

func (m *mockStatusService) Cancel(ctx context.Context, id string) error {
	return m.cancelFunc(ctx, id)
}

type mockCounter struct{ active int }

func (m *mockCounter) CountActive(ctx context.Context) (int, error) { return m.active, nil }

type acceptAll struct{}

func (acceptAll) Validate(ctx context.Context, in tool.Input) error { return nil }

func testCatalog(t *testing.T) *tool.Registry {
	t.Helper()
	r, err := tool.NewRegistry([]tool.Definition{
		{
			Name:             "rotate",
			Category:         tool.CategoryVideo,
			Description:      "rotate a video",
			SupportedFormats: []string{"mp4"},
			MaxFileSize:      1 << 30,
			Async:            true,
			Handler:          acceptAll{},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newTestServer(t *testing.T, inv ToolInvoker, svc StatusService) *Server {
	t.Helper()
	cfg := Config{
		Listen:         "localhost:8080",
		APIKey:         "test-key-123",
		CallbackSecret: "callback-secret",
		Tokens: []auth.TokenConfig{
			{Token: "reader-token", Scopes: []string{"tools:ro", "executions:ro"}},
		},
	}
	if svc == nil {
		svc = &mockStatusService{}
	}
	return New(cfg, inv, testCatalog(t), svc, &mockCounter{active: 2}, events.NewHub(16), discardLogger())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)
	return w
}

func TestHealthzNoAuth(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)

	w := doRequest(s, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.ActiveExecutions != 2 || resp.ToolsLoaded != 1 {
		t.Fatalf("unexpected healthz: %#v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)

	if w := doRequest(s, http.MethodGet, "/tools", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/tools", "wrong-token", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", w.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	inv := &mockInvoker{
		invokeFunc: func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
			return tool.AsyncHandle{ExecutionID: "e1"}, nil
		},
	}
	s := newTestServer(t, inv, nil)

	// reader-token has tools:ro, which covers listing.
	if w := doRequest(s, http.MethodGet, "/tools", "reader-token", nil); w.Code != http.StatusOK {
		t.Fatalf("list with ro scope: status = %d", w.Code)
	}

	// tools:rw is required to invoke.
	body := InvokeRequest{FileName: "a.mp4", FileSize: 100}
	if w := doRequest(s, http.MethodPost, "/tools/rotate/executions", "reader-token", body); w.Code != http.StatusForbidden {
		t.Fatalf("invoke with ro scope: status = %d", w.Code)
	}

	// The admin api_key holds scope *.
	if w := doRequest(s, http.MethodPost, "/tools/rotate/executions", "test-key-123", body); w.Code != http.StatusAccepted {
		t.Fatalf("invoke with admin key: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestInvokeAsyncAccepted(t *testing.T) {
	inv := &mockInvoker{
		invokeFunc: func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
			return tool.AsyncHandle{ExecutionID: "exec-42"}, nil
		},
	}
	s := newTestServer(t, inv, nil)

	w := doRequest(s, http.MethodPost, "/tools/rotate/executions", "test-key-123",
		InvokeRequest{FileName: "clip.mp4", FileSize: 100, Parameters: map[string]any{"degrees": 90}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp AsyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExecutionID != "exec-42" || resp.Status != "pending" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.InputPath != "uploads/video/exec-42.mp4" {
		t.Fatalf("input path = %q", resp.InputPath)
	}
}

func TestInvokeSyncInline(t *testing.T) {
	inv := &mockInvoker{
		invokeFunc: func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
			return tool.SyncResult{Data: []byte(`{"words":3}`), ContentType: "application/json"}, nil
		},
	}
	s := newTestServer(t, inv, nil)

	w := doRequest(s, http.MethodPost, "/tools/rotate/executions", "test-key-123",
		InvokeRequest{FileName: "a.mp4", FileSize: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `"words":3`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestInvokeValidationErrorIs400(t *testing.T) {
	inv := &mockInvoker{
		invokeFunc: func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
			return nil, tool.ErrValidation
		},
	}
	s := newTestServer(t, inv, nil)

	w := doRequest(s, http.MethodPost, "/tools/rotate/executions", "test-key-123",
		InvokeRequest{FileName: "a.exe", FileSize: 10})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestInvokeUnknownToolIs404(t *testing.T) {
	inv := &mockInvoker{
		invokeFunc: func(ctx context.Context, toolName string, in tool.Input) (tool.Outcome, error) {
			return nil, tool.ErrToolNotFound
		},
	}
	s := newTestServer(t, inv, nil)

	w := doRequest(s, http.MethodPost, "/tools/missing/executions", "test-key-123",
		InvokeRequest{FileName: "a.mp4", FileSize: 10})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetStatusShapes(t *testing.T) {
	completedAt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	svc := &mockStatusService{
		getFunc: func(ctx context.Context, id string) (status.Snapshot, error) {
			switch id {
			case "done":
				return status.Snapshot{ID: id, ToolName: "rotate", Status: execution.StatusCompleted,
					OutputPath: "processed/video/done.mp4", CompletedAt: &completedAt}, nil
			case "broken":
				return status.Snapshot{ID: id, ToolName: "rotate", Status: execution.StatusFailed,
					ErrorMessage: "TimeoutError: budget exceeded"}, nil
			default:
				return status.Snapshot{}, execution.ErrNotFound
			}
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	w := doRequest(s, http.MethodGet, "/executions/done/status", "test-key-123", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "completed" || resp.OutputPath == "" || resp.ErrorMessage != "" {
		t.Fatalf("completed shape: %#v", resp)
	}

	// Clients decode these exact keys; pin them on the wire.
	var raw map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &raw)
	for _, key := range []string{"outputPath", "completedAt"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("completed body missing %s key: %s", key, w.Body.String())
		}
	}
	if _, ok := raw["output_path"]; ok {
		t.Fatalf("completed body carries a snake_case key: %s", w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/executions/broken/status", "test-key-123", nil)
	resp = StatusResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "failed" || resp.ErrorMessage == "" || resp.OutputPath != "" {
		t.Fatalf("failed shape: %#v", resp)
	}
	raw = map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &raw)
	if _, ok := raw["errorMessage"]; !ok {
		t.Fatalf("failed body missing errorMessage key: %s", w.Body.String())
	}

	if w := doRequest(s, http.MethodGet, "/executions/gone/status", "test-key-123", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing execution: status = %d", w.Code)
	}
}

func TestCancelConflictIs409(t *testing.T) {
	svc := &mockStatusService{
		cancelFunc: func(ctx context.Context, id string) error {
			return execution.ErrConflict
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	w := doRequest(s, http.MethodPost, "/executions/e1/cancel", "test-key-123", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	inv := &mockInvoker{
		retryFunc: func(ctx context.Context, executionID string) (*execution.Execution, error) {
			return &execution.Execution{ID: "new-id", Status: execution.StatusPending}, nil
		},
	}
	s := newTestServer(t, inv, nil)

	w := doRequest(s, http.MethodPost, "/executions/old-id/retry", "test-key-123", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var resp RetryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ExecutionID != "new-id" || resp.RetryOf != "old-id" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}
