package sse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

// DataPrefix marks the payload line of an event.
const DataPrefix = "data: "

// doneSentinel terminates OpenAI-style streams and carries no payload.
const doneSentinel = "[DONE]"

// Payload type discriminators sent by the agent endpoint.
const (
	TypeConnection = "connection"
	TypeUpdates    = "updates"
	TypeText       = "text"
	TypeError      = "error"
)

// Parse decodes one logical event.
//
// It returns a nil update for events without a data line, for unrecognized
// payload types and for empty text deltas. The decoded payload is returned
// alongside so callers can keep the last structured frame. A data line that
// is not valid JSON yields a frame_decode *domain.StreamError; the data is
// decoded exactly once.
//
// Parse has no state; calling it twice on the same event yields equal results.
func Parse(event string) (*domain.StreamUpdate, map[string]any, error) {
	data, ok := dataLine(event)
	if !ok || data == doneSentinel {
		return nil, nil, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, nil, domain.ErrFrameDecode(fmt.Sprintf("failed to decode event data: %v", err)).
			WithCause(err)
	}
	if payload == nil {
		return nil, nil, nil
	}

	return classify(payload), payload, nil
}

func dataLine(event string) (string, bool) {
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, DataPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, DataPrefix)), true
		}
	}
	return "", false
}

func classify(payload map[string]any) *domain.StreamUpdate {
	if legacy, ok := payload["error"]; ok && legacy != nil {
		return errorUpdate(payload, legacy)
	}

	typ, _ := payload["type"].(string)
	switch typ {
	case TypeConnection:
		return &domain.StreamUpdate{Kind: domain.UpdateConnection, Text: domain.ConnectedStatus}
	case TypeUpdates:
		return &domain.StreamUpdate{Kind: domain.UpdateProgress, Text: stringify(payload["text"])}
	case TypeText:
		text, _ := payload["text"].(string)
		if text == "" {
			return nil
		}
		return &domain.StreamUpdate{Kind: domain.UpdateText, Text: text}
	case TypeError:
		return errorUpdate(payload, nil)
	default:
		return nil
	}
}

// errorUpdate prefers the payload text, then the legacy message, then a
// string error code.
func errorUpdate(payload map[string]any, legacy any) *domain.StreamUpdate {
	u := &domain.StreamUpdate{Kind: domain.UpdateError}
	code, _ := legacy.(string)
	u.Code = code

	for _, key := range []string{"text", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			u.Text = s
			return u
		}
	}
	if code != "" {
		u.Text = code
		return u
	}
	if obj, ok := legacy.(map[string]any); ok {
		if s, ok := obj["message"].(string); ok && s != "" {
			u.Text = s
			return u
		}
	}
	u.Text = domain.UnknownServerError
	return u
}

// stringify renders opaque progress payloads as text.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
