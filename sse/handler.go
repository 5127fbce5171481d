// Package sse follows a trial run over HTTP as a text/event-stream. A client
// first receives the run's stored history, then whatever the run emits
// until it finishes.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalgp/bus"
	"github.com/petal-labs/petalgp/runtime"
)

// DefaultHeartbeat is used when Handler.Heartbeat is zero.
const DefaultHeartbeat = 15 * time.Second

// message is the JSON carried in the data line of each event.
type message struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	Trial     int            `json:"trial,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// Handler streams one run, named by the "run_id" path value. The optional
// "after" query parameter is the last seq the client already has. Each
// event is written as
//
//	id: <seq>
//	event: <kind>
//	data: <json>
//
// and the response ends with run.finished.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus

	// Heartbeat is how often an idle stream writes a ": ping" comment.
	Heartbeat time.Duration
}

// NewHandler creates a Handler reading history from store and live events
// from eb.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}

	// The subscription opens before the history is read; seq
	// de-duplication absorbs the overlap.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	history, err := h.store.List(r.Context(), runID, after, 0)
	if err != nil {
		http.Error(w, "reading run history failed", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &stream{w: w, flusher: flusher, last: after}
	for _, e := range history {
		if done, err := s.send(e); done || err != nil {
			return
		}
	}

	interval := h.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if done, err := s.send(e); done || err != nil {
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

// stream is the write side of one open response.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	last    uint64
}

// send writes e unless it was already sent, and reports whether it ended
// the run.
func (s *stream) send(e runtime.Event) (bool, error) {
	if e.Seq <= s.last {
		return false, nil
	}
	data, err := json.Marshal(message{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		Trial:     e.Trial,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	})
	if err != nil {
		return false, err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
		return false, err
	}
	s.flusher.Flush()
	s.last = e.Seq
	return e.Kind == runtime.EventRunFinished, nil
}

func (s *stream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
