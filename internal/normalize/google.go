package normalize

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string          `json:"text"`
	FunctionCall     json.RawMessage `json:"functionCall"`
	FunctionResponse json.RawMessage `json:"functionResponse"`
}

type googleNormalizer struct{}

func (googleNormalizer) Vendor() domain.Vendor { return domain.VendorGoogle }

func (n googleNormalizer) Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error) {
	msgs := make([]domain.CanonicalMessage, 0, len(turns))
	var errs []error
	for i, raw := range turns {
		f, env, ok := newFold(domain.VendorGoogle, i, raw)
		if ok {
			contents := env.Contents
			if len(contents) == 0 {
				contents = env.Messages
			}
			for j, c := range contents {
				n.content(f, j, c, env.createdAt())
			}
		}
		msgs = append(msgs, f.finish(""))
		errs = append(errs, f.errs...)
	}
	return msgs, errs
}

func (n googleNormalizer) content(f *fold, j int, raw json.RawMessage, createdAt string) {
	var c googleContent
	if err := json.Unmarshal(raw, &c); err != nil {
		f.fail("content %d: %v", j, err)
		return
	}

	var user strings.Builder
	for k, part := range c.Parts {
		switch {
		case part.Text != "":
			if c.Role == "model" {
				f.addAssistant(part.Text)
			} else {
				user.WriteString(part.Text)
			}
		case len(part.FunctionCall) > 0:
			n.function(f, j, k, "Function Call", part.FunctionCall)
		case len(part.FunctionResponse) > 0:
			n.function(f, j, k, "Function Response", part.FunctionResponse)
		}
	}
	if c.Role != "model" && user.Len() > 0 {
		f.setUser(user.String(), createdAt)
	}
}

func (googleNormalizer) function(f *fold, j, k int, label string, raw json.RawMessage) {
	obj, err := decodeObject(raw)
	if err != nil {
		f.fail("content %d part %d: %v", j, k, err)
		return
	}
	name, _ := obj["name"].(string)
	f.addBlock(title(label, name), obj)
}
