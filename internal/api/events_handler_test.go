package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func streamEvents(t *testing.T, s *Server, path, lastEventID string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer test-key-123")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)
	return w.Body.String()
}

func TestEventsReplaySinceLastEventID(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)
	s.events.Publish("execution.created", map[string]any{"execution_id": "e1"})
	s.events.Publish("execution.dispatched", map[string]any{"execution_id": "e1"})
	s.events.Publish("execution.completed", map[string]any{"execution_id": "e1"})

	body := streamEvents(t, s, "/events", "1")

	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("event 1 replayed despite Last-Event-ID: %s", body)
	}
	for _, want := range []string{"id: 2\n", "event: execution.dispatched\n", "id: 3\n", "event: execution.completed\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestEventsTypeFilter(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)
	s.events.Publish("execution.created", map[string]any{"execution_id": "e1"})
	s.events.Publish("execution.failed", map[string]any{"execution_id": "e1"})

	body := streamEvents(t, s, "/events?types=execution.failed", "")

	if strings.Contains(body, "execution.created") {
		t.Fatalf("filtered type leaked through:\n%s", body)
	}
	if !strings.Contains(body, "event: execution.failed\n") {
		t.Fatalf("requested type missing:\n%s", body)
	}
}

func TestEventsRequiresEventsScope(t *testing.T) {
	s := newTestServer(t, &mockInvoker{}, nil)

	// reader-token carries tools/executions scopes but not events.
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Authorization", "Bearer reader-token")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}
