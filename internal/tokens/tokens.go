// Package tokens estimates token counts for transcript turns that were
// stored without usage.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

// DefaultCharsPerToken is the estimator ratio for models without a tokenizer.
const DefaultCharsPerToken = 4.0

// Counter counts tokens with tiktoken for OpenAI-family models and falls
// back to a character estimate for everything else.
type Counter struct {
	matcher       *ModelMatcher
	charsPerToken float64

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a counter.
func NewCounter() *Counter {
	return &Counter{
		matcher: NewModelMatcher(
			// "o" prefixes cover the o-series reasoning models
			[]string{"gpt-", "o1", "o3", "o4", "o5", "text-embedding", "text-davinci"},
			[]string{"davinci", "curie", "babbage", "ada"},
		),
		charsPerToken: DefaultCharsPerToken,
		codecs:        make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// CountText counts the tokens of text for model. The boolean is true when
// the count is exact and false when it is an estimate.
func (c *Counter) CountText(model, text string) (int, bool) {
	if text == "" {
		return 0, true
	}
	if c.matcher.Matches(strings.ToLower(model)) {
		codec, err := c.codec(encodingFor(model))
		if err == nil {
			if ids, _, err := codec.Encode(text); err == nil {
				return len(ids), true
			}
		}
	}
	return c.estimate(text), false
}

func (c *Counter) estimate(text string) int {
	return int(math.Ceil(float64(len(text)) / c.charsPerToken))
}

func (c *Counter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model name to its tiktoken encoding.
//
//   - O200kBase: GPT-5, GPT-4.1, GPT-4o and the o-series
//   - Cl100kBase: GPT-4, GPT-3.5-turbo, text-embedding
//   - P50kBase: text-davinci
//   - R50kBase: davinci, curie, babbage, ada
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"), strings.HasPrefix(model, "o5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci" || model == "curie" || model == "babbage" || model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}

// MessageEstimate is the token estimate for one canonical message.
type MessageEstimate struct {
	UserTokens      int  `json:"user_tokens"`
	AssistantTokens int  `json:"assistant_tokens"`
	Exact           bool `json:"exact"`
}

// EstimateTranscript estimates user and assistant tokens for each message.
func (c *Counter) EstimateTranscript(model string, messages []domain.CanonicalMessage) []MessageEstimate {
	out := make([]MessageEstimate, len(messages))
	for i, m := range messages {
		exact := true
		if m.User != nil {
			n, ok := c.CountText(model, m.User.Text)
			out[i].UserTokens = n
			exact = exact && ok
		}
		n, ok := c.CountText(model, m.Assistant.Content)
		out[i].AssistantTokens = n
		out[i].Exact = exact && ok
	}
	return out
}

// ModelMatcher matches model names by prefix or exact name.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
