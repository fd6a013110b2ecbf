package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

type textItem struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type roleMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type googleTurnContent struct {
	Role  string     `json:"role"`
	Parts []textItem `json:"parts"`
}

// BuildTurn renders a plain prompt/answer exchange in vendor v's persisted
// turn shape, so that the vendor's normalizer reads it back unchanged.
func BuildTurn(v domain.Vendor, user, assistant string, createdAt time.Time) (json.RawMessage, error) {
	turn := map[string]any{
		"created_at": createdAt.UTC().Format(time.RFC3339),
	}

	switch v {
	case domain.VendorOpenAI:
		turn["messages"] = []roleMessage{
			{Role: "user", Content: []textItem{{Type: "input_text", Text: user}}},
			{Role: "assistant", Content: []textItem{{Type: "output_text", Text: assistant}}},
		}
	case domain.VendorAnthropic:
		turn["messages"] = []roleMessage{
			{Role: "user", Content: []textItem{{Type: "text", Text: user}}},
			{Role: "assistant", Content: []textItem{{Type: "text", Text: assistant}}},
		}
	case domain.VendorXAI:
		turn["messages"] = []roleMessage{
			{Role: "user", Content: []textItem{{Type: "text", Text: user}}},
			{Role: "assistant", Content: assistant},
		}
	case domain.VendorGoogle:
		turn["contents"] = []googleTurnContent{
			{Role: "user", Parts: []textItem{{Text: user}}},
			{Role: "model", Parts: []textItem{{Text: assistant}}},
		}
	default:
		return nil, fmt.Errorf("build turn for %q: %w", v, ErrUnknownVendor)
	}

	return json.Marshal(turn)
}
