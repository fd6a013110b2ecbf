package sse

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

type nonFlushingWriter struct {
	header http.Header
}

func (w *nonFlushingWriter) Header() http.Header         { return w.header }
func (w *nonFlushingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *nonFlushingWriter) WriteHeader(int)             {}

func TestWriter_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	if err := w.Typed(TypeUpdates, "Searching"); err != nil {
		t.Fatalf("Typed() error = %v", err)
	}
	if err := w.Typed(TypeText, "héllo"); err != nil {
		t.Fatalf("Typed() error = %v", err)
	}
	if !rec.Flushed {
		t.Error("events were not flushed")
	}

	var fb FrameBuffer
	events := fb.Push(rec.Body.String())
	if len(events) != 2 || fb.Pending() != "" {
		t.Fatalf("events = %q, pending %q", events, fb.Pending())
	}

	want := []domain.StreamUpdate{
		{Kind: domain.UpdateProgress, Text: "Searching"},
		{Kind: domain.UpdateText, Text: "héllo"},
	}
	for i, e := range events {
		u, _, err := Parse(e)
		if err != nil || u == nil || *u != want[i] {
			t.Errorf("event %d = %+v, %v; want %+v", i, u, err, want[i])
		}
	}
}

func TestWriter_PlainWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.Write(map[string]any{"type": "result", "success": true}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got, want := buf.String(), "data: {\"success\":true,\"type\":\"result\"}\n\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	if err := w.Write(func() {}); err == nil {
		t.Error("Write(func) error = nil, want marshal error")
	}
}

func TestNewWriter_RequiresFlusher(t *testing.T) {
	if _, err := NewWriter(&nonFlushingWriter{header: make(http.Header)}); err == nil {
		t.Error("NewWriter() error = nil, want error for non-flushing ResponseWriter")
	}
}
