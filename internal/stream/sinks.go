package stream

import "github.com/tjfontaine/agent-stream/internal/domain"

// StatusSink receives connection and progress status.
type StatusSink interface {
	Status(domain.StatusUpdate)
}

// ContentSink receives the accumulated assistant text after every text delta.
type ContentSink interface {
	Content(aggregated string)
}

// ErrorSink receives the single terminal failure of a stream.
type ErrorSink interface {
	Error(*domain.StreamError)
}

// DiagnosticSink receives non-terminal problems such as undecodable frames.
type DiagnosticSink interface {
	Diagnostic(*domain.StreamError)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(domain.StatusUpdate)

func (f StatusFunc) Status(u domain.StatusUpdate) { f(u) }

// ContentFunc adapts a function to ContentSink.
type ContentFunc func(string)

func (f ContentFunc) Content(s string) { f(s) }

// ErrorFunc adapts a function to ErrorSink.
type ErrorFunc func(*domain.StreamError)

func (f ErrorFunc) Error(err *domain.StreamError) { f(err) }

// DiagnosticFunc adapts a function to DiagnosticSink.
type DiagnosticFunc func(*domain.StreamError)

func (f DiagnosticFunc) Diagnostic(err *domain.StreamError) { f(err) }

// Sinks groups the side-effect targets of a run. Every field is optional.
// Sinks are called synchronously on the reading goroutine, in arrival order.
type Sinks struct {
	Status     StatusSink
	Content    ContentSink
	Error      ErrorSink
	Diagnostic DiagnosticSink
}

func (s Sinks) status(typ domain.StatusType, status string) {
	if s.Status != nil {
		s.Status.Status(domain.StatusUpdate{Type: typ, Status: status})
	}
}

func (s Sinks) content(text string) {
	if s.Content != nil {
		s.Content.Content(text)
	}
}

func (s Sinks) fail(err *domain.StreamError) {
	if s.Error != nil {
		s.Error.Error(err)
	}
}

func (s Sinks) diagnostic(err *domain.StreamError) {
	if s.Diagnostic != nil {
		s.Diagnostic.Diagnostic(err)
	}
}
