package domain

import "encoding/json"

// UserText is the user side of a canonical turn.
type UserText struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// AssistantText is the assistant side of a canonical turn.
type AssistantText struct {
	Content string `json:"content"`
}

// SideChannelBlock is a named JSON block shown next to a turn: tool calls,
// tool results, citations and function calls.
type SideChannelBlock struct {
	Title string `json:"title"`
	JSON  any    `json:"json"`
}

// CanonicalMessage is one normalized exchanged turn. It is built fresh on
// every normalization pass and never mutated afterwards.
type CanonicalMessage struct {
	// User is nil when the turn carries no user text.
	User        *UserText          `json:"user,omitempty"`
	Assistant   AssistantText      `json:"assistant"`
	SideChannel []SideChannelBlock `json:"sideChannel"`
	Usage       json.RawMessage    `json:"usage,omitempty"`
	RawTurn     json.RawMessage    `json:"rawTurn,omitempty"`
}

// CumulativeSummary concatenates usage, side-channel blocks and raw turns
// across a conversation. It is recomputed on demand.
type CumulativeSummary struct {
	Usage       []json.RawMessage  `json:"usage"`
	SideChannel []SideChannelBlock `json:"sideChannel"`
	RawTurns    []json.RawMessage  `json:"rawTurns"`
}
