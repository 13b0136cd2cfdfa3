package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtaverner/toolgate/internal/events"
)

// sseKeepAlive is how often a comment line is written to hold idle
// connections open through proxies.
const sseKeepAlive = 15 * time.Second

// handleEvents streams lifecycle events as SSE. Clients resume with the
// standard Last-Event-ID header, served from the hub's ring buffer, and may
// narrow the stream with ?types=execution.failed,execution.completed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	out, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wanted := parseTypeFilter(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	// Replay before subscribing so a reconnecting client misses nothing
	// that is still buffered.
	for _, ev := range s.events.SnapshotSince(lastID) {
		if !wanted.match(ev.Type) {
			continue
		}
		if err := out.event(ev); err != nil {
			return
		}
	}
	out.flush()

	ch, cancel := s.events.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !wanted.match(ev.Type) {
				continue
			}
			if err := out.event(ev); err != nil {
				return
			}
			out.flush()
		case <-keepAlive.C:
			if err := out.comment("keep-alive"); err != nil {
				return
			}
			out.flush()
		}
	}
}

// sseWriter frames events for one client connection.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	return &sseWriter{w: w, flusher: flusher}, true
}

// event writes one framed event. Payloads are single-line JSON, so a single
// data: line suffices.
func (o *sseWriter) event(ev events.Event) error {
	_, err := fmt.Fprintf(o.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

func (o *sseWriter) comment(text string) error {
	_, err := fmt.Fprintf(o.w, ": %s\n\n", text)
	return err
}

func (o *sseWriter) flush() { o.flusher.Flush() }

// typeFilter is the optional set of event types a client asked for. Empty
// means everything.
type typeFilter map[string]struct{}

func parseTypeFilter(raw string) typeFilter {
	if raw == "" {
		return nil
	}
	f := make(typeFilter)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
