package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/jsonutil"
)

type xaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []xaiToolCall   `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
	Citations  json.RawMessage `json:"citations"`
}

type xaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// xaiNormalizer also serves unknown vendors when the legacy fallback is on.
type xaiNormalizer struct{}

func (xaiNormalizer) Vendor() domain.Vendor { return domain.VendorXAI }

func (n xaiNormalizer) Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error) {
	msgs := make([]domain.CanonicalMessage, 0, len(turns))
	var errs []error
	for i, raw := range turns {
		f, env, ok := newFold(domain.VendorXAI, i, raw)
		if ok {
			for j, msgRaw := range env.Messages {
				n.message(f, j, msgRaw, env.createdAt())
			}
			addCitations(f, env.Citations)
		}
		msgs = append(msgs, f.finish("\n\n"))
		errs = append(errs, f.errs...)
	}
	return msgs, errs
}

func (xaiNormalizer) message(f *fold, j int, raw json.RawMessage, createdAt string) {
	var msg xaiMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.fail("message %d: %v", j, err)
		return
	}

	switch msg.Role {
	case "user":
		text, ok := contentText(msg.Content, true)
		if !ok {
			f.fail("message %d: user message has no content[0]", j)
			return
		}
		f.setUser(text, createdAt)

	case "assistant":
		if text, ok := contentText(msg.Content, false); ok {
			f.addAssistant(text)
		}
		for _, call := range msg.ToolCalls {
			args, err := toolArguments(call.Function.Arguments)
			if err != nil {
				f.fail("message %d: tool call %s arguments: %v", j, call.Function.Name, err)
			}
			f.addBlock(title("Tool Call", call.Function.Name), map[string]any{
				"id":        call.ID,
				"name":      call.Function.Name,
				"arguments": args,
			})
		}
		addCitations(f, msg.Citations)

	case "tool":
		var content any
		if text, ok := contentText(msg.Content, false); ok {
			content = jsonutil.TryParseString(text)
		} else {
			content = jsonutil.TryParseRaw(msg.Content)
		}
		f.addBlock(msg.ToolCallID, content)
	}
}

// toolArguments decodes arguments sent either as an encoded JSON string or
// as an inline value. An unparsable string is returned as is with the error.
func toolArguments(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] != '"' {
		var args any
		if err := json.Unmarshal(raw, &args); err != nil {
			return string(raw), err
		}
		return args, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return string(raw), err
	}
	var args any
	if err := json.Unmarshal([]byte(encoded), &args); err != nil {
		return encoded, err
	}
	return args, nil
}

func addCitations(f *fold, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var citations []any
	if err := json.Unmarshal(raw, &citations); err != nil {
		f.fail("citations: %v", err)
		return
	}
	if len(citations) == 0 {
		return
	}
	f.addBlock("Citations", citations)
}
