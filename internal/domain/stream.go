package domain

// UpdateKind identifies the variant of a StreamUpdate.
type UpdateKind string

const (
	UpdateConnection UpdateKind = "connection"
	UpdateProgress   UpdateKind = "progress"
	UpdateText       UpdateKind = "text"
	UpdateError      UpdateKind = "error"
)

// ConnectedStatus is the status reported for a connection event.
const ConnectedStatus = "Connected to stream"

// UnknownServerError is used when an error event carries no text.
const UnknownServerError = "Unknown server error"

// StreamUpdate is one typed update decoded from a logical event.
type StreamUpdate struct {
	Kind UpdateKind `json:"kind"`

	// Text is the status for connection/progress updates, the fragment for
	// text updates and the message for error updates.
	Text string `json:"text"`

	// Code is the server's error code for legacy {error, message} payloads.
	Code string `json:"code,omitempty"`
}

// Terminal reports whether the update ends the stream.
func (u StreamUpdate) Terminal() bool {
	return u.Kind == UpdateError
}

// StatusType is the type reported to a status sink.
type StatusType string

const (
	StatusStart      StatusType = "start"
	StatusConnection StatusType = "connection"
	StatusProgress   StatusType = "progress"
	StatusDone       StatusType = "done"
)

// StatusUpdate is delivered to status sinks.
type StatusUpdate struct {
	Type   StatusType `json:"type"`
	Status string     `json:"status"`
}

// StreamResult is produced once per stream run and is not modified afterwards.
type StreamResult struct {
	StreamID       string         `json:"stream_id,omitempty"`
	Success        bool           `json:"success"`
	AggregatedText string         `json:"aggregated_text"`
	LastFrame      map[string]any `json:"last_frame,omitempty"`
	Err            *StreamError   `json:"error,omitempty"`
}

// Failed builds a failed result preserving whatever text was accumulated.
func Failed(streamID, text string, lastFrame map[string]any, err *StreamError) StreamResult {
	return StreamResult{
		StreamID:       streamID,
		Success:        false,
		AggregatedText: text,
		LastFrame:      lastFrame,
		Err:            err,
	}
}
