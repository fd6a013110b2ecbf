// Package domain provides the canonical stream, transcript and error types
// shared by the decoder, the normalizers and the transcript service.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a pipeline failure.
type ErrorKind string

const (
	// ErrorKindTransport indicates the request could not be issued or the
	// response body could not be read.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindProtocol indicates a non-success HTTP status from the agent endpoint.
	ErrorKindProtocol ErrorKind = "protocol"

	// ErrorKindFrameDecode indicates a data line that is not valid JSON.
	ErrorKindFrameDecode ErrorKind = "frame_decode"

	// ErrorKindServer indicates an explicit error event sent by the server mid-stream.
	ErrorKindServer ErrorKind = "server"

	// ErrorKindCancelled indicates the stream was cancelled by the caller
	// or superseded by a newer stream for the same conversation.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindNormalization indicates a turn whose shape does not match its vendor schema.
	ErrorKindNormalization ErrorKind = "normalization"
)

// StreamError is the canonical error carried by failed results.
type StreamError struct {
	// Kind is the category of error
	Kind ErrorKind `json:"kind"`

	// Code is an optional machine readable code, e.g. the server's "error" field
	Code string `json:"code,omitempty"`

	// Message is the human-readable message shown to the user
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, when one was received
	StatusCode int `json:"status_code,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *StreamError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the status a service should answer with for this error.
func (e *StreamError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindProtocol:
		if e.StatusCode >= 400 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case ErrorKindTransport, ErrorKindServer, ErrorKindFrameDecode:
		return http.StatusBadGateway
	case ErrorKindCancelled:
		return http.StatusRequestTimeout
	case ErrorKindNormalization:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// NewStreamError creates a new stream error.
func NewStreamError(kind ErrorKind, message string) *StreamError {
	return &StreamError{
		Kind:    kind,
		Message: message,
	}
}

// WithCode adds a code to the error.
func (e *StreamError) WithCode(code string) *StreamError {
	e.Code = code
	return e
}

// WithStatusCode records the upstream HTTP status.
func (e *StreamError) WithStatusCode(code int) *StreamError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *StreamError) WithCause(err error) *StreamError {
	e.cause = err
	return e
}

// ErrTransport creates a transport error.
func ErrTransport(message string) *StreamError {
	return NewStreamError(ErrorKindTransport, message)
}

// ErrProtocol creates a protocol error for a non-success status.
func ErrProtocol(status int, message string) *StreamError {
	return NewStreamError(ErrorKindProtocol, message).WithStatusCode(status)
}

// ErrFrameDecode creates a frame decode error.
func ErrFrameDecode(message string) *StreamError {
	return NewStreamError(ErrorKindFrameDecode, message)
}

// ErrServerSignaled creates an error for a server-sent error event.
func ErrServerSignaled(message string) *StreamError {
	return NewStreamError(ErrorKindServer, message)
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *StreamError {
	return NewStreamError(ErrorKindCancelled, message)
}

// ErrNormalization creates a normalization error.
func ErrNormalization(message string) *StreamError {
	return NewStreamError(ErrorKindNormalization, message)
}

// AsStreamError converts any error to a *StreamError. Errors that are not
// already stream errors become transport errors.
func AsStreamError(err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return ErrTransport(err.Error()).WithCause(err)
}

// IsKind reports whether err is a *StreamError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == kind
}
