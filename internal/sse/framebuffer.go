// Package sse splits an agent event stream into logical events and decodes
// their data payloads into typed updates.
package sse

import "strings"

// Delimiter separates logical events on the wire.
const Delimiter = "\n\n"

// FrameBuffer accumulates decoded text and yields complete logical events.
// A trailing fragment without a delimiter is retained until a later Push
// completes it. The zero value is ready to use.
type FrameBuffer struct {
	buf strings.Builder
}

// Push appends chunk and returns every event completed by it, in arrival order.
// Events are trimmed; blank events are dropped.
func (b *FrameBuffer) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	b.buf.WriteString(chunk)

	data := b.buf.String()
	if strings.Contains(data, "\r\n") {
		data = strings.ReplaceAll(data, "\r\n", "\n")
	}
	if !strings.Contains(data, Delimiter) {
		if data != b.buf.String() {
			b.reset(data)
		}
		return nil
	}

	pieces := strings.Split(data, Delimiter)
	events := make([]string, 0, len(pieces)-1)
	for _, p := range pieces[:len(pieces)-1] {
		if p = strings.TrimSpace(p); p != "" {
			events = append(events, p)
		}
	}
	b.reset(pieces[len(pieces)-1])
	return events
}

// Pending returns the retained incomplete fragment.
func (b *FrameBuffer) Pending() string {
	return b.buf.String()
}

// Reset discards any retained fragment.
func (b *FrameBuffer) Reset() {
	b.buf.Reset()
}

func (b *FrameBuffer) reset(rest string) {
	b.buf.Reset()
	b.buf.WriteString(rest)
}

// Split splits a complete text the same way a FrameBuffer would, returning
// the events and the unterminated remainder.
func Split(text string) (events []string, rest string) {
	var b FrameBuffer
	events = b.Push(text)
	return events, b.Pending()
}
