package normalize

import (
	"encoding/json"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/jsonutil"
)

// openAIItem is one entry of a Responses-style turn: either a role message
// or a typed output item such as a function call.
type openAIItem struct {
	Type        string          `json:"type"`
	Role        string          `json:"role"`
	Name        string          `json:"name"`
	ServerLabel string          `json:"server_label"`
	Content     json.RawMessage `json:"content"`
}

var openAISideChannelTypes = map[string]bool{
	"mcp_call":             true,
	"function_call":        true,
	"function_call_output": true,
	"mcp_list_tools":       true,
}

type openAINormalizer struct{}

func (openAINormalizer) Vendor() domain.Vendor { return domain.VendorOpenAI }

func (n openAINormalizer) Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error) {
	msgs := make([]domain.CanonicalMessage, 0, len(turns))
	var errs []error
	for i, raw := range turns {
		f, env, ok := newFold(domain.VendorOpenAI, i, raw)
		if ok {
			for j, itemRaw := range env.Messages {
				n.item(f, j, itemRaw, env.createdAt())
			}
		}
		msgs = append(msgs, f.finish("\n\n"))
		errs = append(errs, f.errs...)
	}
	return msgs, errs
}

func (openAINormalizer) item(f *fold, j int, raw json.RawMessage, createdAt string) {
	var item openAIItem
	if err := json.Unmarshal(raw, &item); err != nil {
		f.fail("message %d: %v", j, err)
		return
	}

	if openAISideChannelTypes[item.Type] {
		block, err := decodeObject(raw)
		if err != nil {
			f.fail("message %d: %v", j, err)
			return
		}
		for _, key := range []string{"arguments", "output"} {
			if v, ok := block[key]; ok {
				block[key] = jsonutil.TryParse(v, v)
			}
		}
		name := item.Name
		if name == "" {
			name = item.ServerLabel
		}
		f.addBlock(title(item.Type, name), block)
		return
	}

	switch item.Role {
	case "user":
		text, ok := contentText(item.Content, true)
		if !ok {
			f.fail("message %d: user message has no content[0]", j)
			return
		}
		f.setUser(text, createdAt)
	case "assistant":
		text, ok := contentText(item.Content, true)
		if !ok {
			f.fail("message %d: assistant message has no content[0]", j)
			return
		}
		f.addAssistant(text)
	}
}
