// Package storage defines persistence for conversations and their raw
// vendor-shaped turns.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrExists is returned when creating a conversation whose ID is taken.
	ErrExists = errors.New("conversation already exists")
)

// Conversation records which vendor shaped its turns.
type Conversation struct {
	ID        string            `json:"id"`
	Vendor    domain.Vendor     `json:"vendor"`
	Model     string            `json:"model,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoredTurn is one persisted vendor turn, kept verbatim.
type StoredTurn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int             `json:"seq"`
	Raw            json.RawMessage `json:"raw"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListOptions filters and pages ListConversations.
type ListOptions struct {
	Vendor domain.Vendor
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// TurnStore persists conversations and their turns.
type TurnStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// AppendTurns stores turns after any existing ones, in order.
	AppendTurns(ctx context.Context, convID string, turns []json.RawMessage) error
	// ListTurns returns turns in append order.
	ListTurns(ctx context.Context, convID string) ([]StoredTurn, error)
	// ListConversations returns the most recently updated conversations first.
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	Close() error
}

// Raw returns the raw turn payloads in order.
func Raw(turns []StoredTurn) []json.RawMessage {
	out := make([]json.RawMessage, len(turns))
	for i, t := range turns {
		out[i] = t.Raw
	}
	return out
}
