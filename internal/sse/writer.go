package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer emits events in the agent wire format.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for streaming. Headers are set when w is an
// http.ResponseWriter; an error is returned if it cannot flush.
func NewWriter(w io.Writer) (*Writer, error) {
	sw := &Writer{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		flusher, ok := rw.(http.Flusher)
		if !ok {
			return nil, fmt.Errorf("streaming not supported")
		}
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
		sw.flusher = flusher
	}
	return sw, nil
}

// Write marshals payload as one data event and flushes it.
func (s *Writer) Write(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "%s%s%s", DataPrefix, data, Delimiter); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Typed writes a {type, text} event.
func (s *Writer) Typed(typ, text string) error {
	return s.Write(map[string]string{"type": typ, "text": text})
}
