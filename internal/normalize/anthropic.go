package normalize

import (
	"encoding/json"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/jsonutil"
)

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolUseID string `json:"tool_use_id"`
}

// anthropicLabels maps side-channel block types to display labels.
var anthropicLabels = map[string]string{
	"tool_use":               "Tool Use",
	"tool_result":            "Tool Result",
	"mcp_tool_use":           "MCP Tool Use",
	"mcp_tool_result":        "MCP Tool Result",
	"server_tool_use":        "Server Tool Use",
	"web_search_tool_result": "Web Search Result",
}

type anthropicNormalizer struct{}

func (anthropicNormalizer) Vendor() domain.Vendor { return domain.VendorAnthropic }

func (n anthropicNormalizer) Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error) {
	msgs := make([]domain.CanonicalMessage, 0, len(turns))
	var errs []error
	for i, raw := range turns {
		f, env, ok := newFold(domain.VendorAnthropic, i, raw)
		if ok {
			for j, msgRaw := range env.Messages {
				n.message(f, j, msgRaw, env.createdAt())
			}
		}
		msgs = append(msgs, f.finish(""))
		errs = append(errs, f.errs...)
	}
	return msgs, errs
}

func (n anthropicNormalizer) message(f *fold, j int, raw json.RawMessage, createdAt string) {
	var msg anthropicMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.fail("message %d: %v", j, err)
		return
	}

	// A bare string is shorthand for a single text block.
	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		switch msg.Role {
		case "user":
			f.setUser(s, createdAt)
		case "assistant":
			f.addAssistant(s)
		}
		return
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		f.fail("message %d: content is not a block list", j)
		return
	}
	if len(blocks) == 0 {
		if msg.Role == "user" {
			f.fail("message %d: user message has no content[0]", j)
		}
		return
	}

	for k, blockRaw := range blocks {
		var block anthropicBlock
		if err := json.Unmarshal(blockRaw, &block); err != nil {
			f.fail("message %d block %d: %v", j, k, err)
			continue
		}
		switch {
		case block.Type == "text" && msg.Role == "assistant":
			f.addAssistant(block.Text)
		case block.Type == "text" && msg.Role == "user":
			if k == 0 {
				f.setUser(block.Text, createdAt)
			}
		case anthropicLabels[block.Type] != "":
			n.sideChannel(f, j, k, block, blockRaw)
		}
	}
}

func (anthropicNormalizer) sideChannel(f *fold, j, k int, block anthropicBlock, raw json.RawMessage) {
	obj, err := decodeObject(raw)
	if err != nil {
		f.fail("message %d block %d: %v", j, k, err)
		return
	}

	name := block.Name
	if name == "" {
		name = block.ToolUseID
	}

	if block.Type == "mcp_tool_result" {
		obj["content"] = parseNestedText(obj["content"])
	}
	f.addBlock(title(anthropicLabels[block.Type], name), obj)
}

// parseNestedText parses JSON held in the text of tool result content,
// either a plain string or a list of text items.
func parseNestedText(content any) any {
	switch c := content.(type) {
	case string:
		return jsonutil.TryParseString(c)
	case []any:
		out := make([]any, len(c))
		for i, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				out[i] = item
				continue
			}
			if text, ok := m["text"].(string); ok {
				m["text"] = jsonutil.TryParseString(text)
			}
			out[i] = m
		}
		return out
	}
	return content
}
