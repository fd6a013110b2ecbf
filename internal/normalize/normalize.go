// Package normalize folds vendor-specific persisted conversation turns into
// canonical transcript messages.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/metrics"
)

// ErrUnknownVendor is returned when no normalizer exists for a vendor tag.
var ErrUnknownVendor = errors.New("unknown vendor")

// Normalizer converts one vendor's turn list into canonical messages.
//
// Normalize returns one message per turn. Malformed fields are skipped and
// reported in the error slice; they never abort the fold.
type Normalizer interface {
	Vendor() domain.Vendor
	Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error)
}

type options struct {
	legacyFallback bool
}

// Option configures normalizer selection.
type Option func(*options)

// WithLegacyFallback normalizes unknown vendors with the xai rules instead of
// reporting ErrUnknownVendor.
func WithLegacyFallback() Option {
	return func(o *options) {
		o.legacyFallback = true
	}
}

// For returns the normalizer for v.
func For(v domain.Vendor, opts ...Option) Normalizer {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch v {
	case domain.VendorOpenAI:
		return openAINormalizer{}
	case domain.VendorAnthropic:
		return anthropicNormalizer{}
	case domain.VendorXAI:
		return xaiNormalizer{}
	case domain.VendorGoogle:
		return googleNormalizer{}
	}
	if o.legacyFallback {
		return xaiNormalizer{}
	}
	return unknownNormalizer{tag: string(v)}
}

// ForTag parses a brand tag case-insensitively and returns its normalizer.
func ForTag(tag string, opts ...Option) Normalizer {
	v := domain.ParseVendor(tag)
	if !v.Known() {
		n := For(v, opts...)
		if u, ok := n.(unknownNormalizer); ok {
			u.tag = tag
			return u
		}
		return n
	}
	return For(v, opts...)
}

// Normalize selects the normalizer for tag and runs it.
func Normalize(tag string, turns []json.RawMessage, opts ...Option) ([]domain.CanonicalMessage, []error) {
	n := ForTag(tag, opts...)
	msgs, errs := n.Normalize(turns)
	metrics.ObserveNormalization(string(n.Vendor()), len(turns), len(errs))
	return msgs, errs
}

type unknownNormalizer struct {
	tag string
}

func (u unknownNormalizer) Vendor() domain.Vendor { return domain.VendorUnknown }

func (u unknownNormalizer) Normalize(turns []json.RawMessage) ([]domain.CanonicalMessage, []error) {
	err := domain.ErrNormalization(fmt.Sprintf("no normalizer for vendor %q", u.tag)).
		WithCode("unknown_vendor").
		WithCause(ErrUnknownVendor)
	return nil, []error{err}
}

// turnEnvelope holds the fields shared by every vendor's persisted turn.
type turnEnvelope struct {
	Messages       []json.RawMessage `json:"messages"`
	Contents       []json.RawMessage `json:"contents"`
	Usage          json.RawMessage   `json:"usage"`
	Citations      json.RawMessage   `json:"citations"`
	CreatedAt      string            `json:"created_at"`
	CreatedAtCamel string            `json:"createdAt"`
}

func (e turnEnvelope) createdAt() string {
	if e.CreatedAt != "" {
		return e.CreatedAt
	}
	return e.CreatedAtCamel
}

// fold accumulates one canonical message.
type fold struct {
	vendor    domain.Vendor
	index     int
	msg       domain.CanonicalMessage
	assistant []string
	errs      []error
}

// newFold decodes the envelope of turn i. A turn that is not an object
// still yields a message carrying the raw turn.
func newFold(v domain.Vendor, i int, raw json.RawMessage) (*fold, turnEnvelope, bool) {
	f := &fold{
		vendor: v,
		index:  i,
		msg: domain.CanonicalMessage{
			SideChannel: []domain.SideChannelBlock{},
			RawTurn:     raw,
		},
	}
	var env turnEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.fail("turn is not an object: %v", err)
		return f, env, false
	}
	if len(env.Usage) > 0 && string(env.Usage) != "null" {
		f.msg.Usage = env.Usage
	}
	return f, env, true
}

func (f *fold) fail(format string, args ...any) {
	msg := fmt.Sprintf("%s turn %d: %s", f.vendor, f.index, fmt.Sprintf(format, args...))
	f.errs = append(f.errs, domain.ErrNormalization(msg))
}

func (f *fold) setUser(text, createdAt string) {
	if f.msg.User != nil {
		return
	}
	f.msg.User = &domain.UserText{Text: text, CreatedAt: createdAt}
}

func (f *fold) addAssistant(text string) {
	if text != "" {
		f.assistant = append(f.assistant, text)
	}
}

func (f *fold) addBlock(title string, v any) {
	f.msg.SideChannel = append(f.msg.SideChannel, domain.SideChannelBlock{Title: title, JSON: v})
}

func (f *fold) finish(sep string) domain.CanonicalMessage {
	f.msg.Assistant.Content = strings.Join(f.assistant, sep)
	return f.msg
}

// title joins a label and an optional name.
func title(label, name string) string {
	if name == "" {
		return label
	}
	return label + " - " + name
}

// decodeObject decodes raw into a generic map for side-channel display.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("null object")
	}
	return out, nil
}

// contentText extracts text from a content field that is either a plain
// string or a list of {type, text} items. first limits it to the first item.
func contentText(raw json.RawMessage, first bool) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return "", false
	}
	if first {
		return items[0].Text, true
	}
	var b strings.Builder
	for _, it := range items {
		if it.Type == "" || it.Type == "text" || strings.HasSuffix(it.Type, "_text") {
			b.WriteString(it.Text)
		}
	}
	return b.String(), true
}
