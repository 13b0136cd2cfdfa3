package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/status"
)

func doCallback(s *Server, path string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)
	return w
}

func TestCallbackCompleteValidSignature(t *testing.T) {
	var gotID string
	var gotReport status.CompletionReport
	svc := &mockStatusService{
		completeFunc: func(ctx context.Context, id string, report status.CompletionReport) error {
			gotID = id
			gotReport = report
			return nil
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	body, _ := json.Marshal(CompleteCallbackRequest{
		OutputPath: "processed/video/e1.mp4",
		Metrics:    map[string]any{"processing_time_seconds": 12.5},
	})

	w := doCallback(s, "/callbacks/executions/e1/complete", body, signCallback(body, "callback-secret"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotID != "e1" || gotReport.OutputPath != "processed/video/e1.mp4" {
		t.Fatalf("unexpected report: id=%q report=%#v", gotID, gotReport)
	}
}

func TestCallbackSignaturePrefixTolerated(t *testing.T) {
	svc := &mockStatusService{
		completeFunc: func(ctx context.Context, id string, report status.CompletionReport) error {
			return nil
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	body, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/e1.mp4"})
	sig := "sha256=" + signCallback(body, "callback-secret")

	if w := doCallback(s, "/callbacks/executions/e1/complete", body, sig); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	svc := &mockStatusService{
		completeFunc: func(ctx context.Context, id string, report status.CompletionReport) error {
			t.Error("callback must not reach the status service")
			return nil
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	body, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/e1.mp4"})

	if w := doCallback(s, "/callbacks/executions/e1/complete", body, signCallback(body, "wrong-secret")); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", w.Code)
	}
	if w := doCallback(s, "/callbacks/executions/e1/complete", body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d", w.Code)
	}
	if w := doCallback(s, "/callbacks/executions/e1/complete", body, "not-hex!!"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage signature: status = %d", w.Code)
	}
}

func TestCallbackSignatureOverDifferentBodyRejected(t *testing.T) {
	svc := &mockStatusService{
		completeFunc: func(ctx context.Context, id string, report status.CompletionReport) error {
			t.Error("callback must not reach the status service")
			return nil
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	signed, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/e1.mp4"})
	tampered, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/other.mp4"})

	if w := doCallback(s, "/callbacks/executions/e1/complete", tampered, signCallback(signed, "callback-secret")); w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body: status = %d", w.Code)
	}
}

func TestCallbackCompleteRequiresOutputPath(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)

	body, _ := json.Marshal(CompleteCallbackRequest{})
	if w := doCallback(s, "/callbacks/executions/e1/complete", body, signCallback(body, "callback-secret")); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCallbackAfterFinalizeIs409(t *testing.T) {
	svc := &mockStatusService{
		completeFunc: func(ctx context.Context, id string, report status.CompletionReport) error {
			return execution.ErrConflict
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	body, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/e1.mp4"})
	if w := doCallback(s, "/callbacks/executions/e1/complete", body, signCallback(body, "callback-secret")); w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCallbackFailJoinsErrorAndMessage(t *testing.T) {
	var gotMessage string
	svc := &mockStatusService{
		failFunc: func(ctx context.Context, id, message string) error {
			gotMessage = message
			return nil
		},
	}
	s := newTestServer(t, &mockInvoker{}, svc)

	body, _ := json.Marshal(FailCallbackRequest{Error: "ProcessingError", Message: "corrupt container atom"})
	w := doCallback(s, "/callbacks/executions/e1/fail", body, signCallback(body, "callback-secret"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotMessage != "ProcessingError: corrupt container atom" {
		t.Fatalf("message = %q", gotMessage)
	}
}

func TestCallbackRejectedWhenNoSecretConfigured(t *testing.T) {
	cfg := Config{Listen: "localhost:8080", APIKey: "k"}
	s := New(cfg, &mockInvoker{}, testCatalog(t), &mockStatusService{}, &mockCounter{}, events.NewHub(4), discardLogger())

	body, _ := json.Marshal(CompleteCallbackRequest{OutputPath: "processed/video/e1.mp4"})
	// Even a correctly computed signature over the empty secret is refused.
	if w := doCallback(s, "/callbacks/executions/e1/complete", body, signCallback(body, "")); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}
