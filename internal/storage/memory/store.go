package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-stream/internal/storage"
)

// Store is an in-memory implementation of storage.TurnStore.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
	turns         map[string][]storage.StoredTurn
}

var _ storage.TurnStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
		turns:         make(map[string][]storage.StoredTurn),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, storage.ErrExists)
	}

	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	stored := *conv
	s.conversations[conv.ID] = &stored
	s.turns[conv.ID] = nil
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	out := *conv
	return &out, nil
}

func (s *Store) AppendTurns(ctx context.Context, convID string, turns []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	now := time.Now()
	seq := len(s.turns[convID])
	for _, raw := range turns {
		s.turns[convID] = append(s.turns[convID], storage.StoredTurn{
			ID:             uuid.NewString(),
			ConversationID: convID,
			Seq:            seq,
			Raw:            append(json.RawMessage(nil), raw...),
			CreatedAt:      now,
		})
		seq++
	}
	conv.UpdatedAt = now
	return nil
}

func (s *Store) ListTurns(ctx context.Context, convID string) ([]storage.StoredTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.conversations[convID]; !exists {
		return nil, fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	return append([]storage.StoredTurn{}, s.turns[convID]...), nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Conversation
	for _, conv := range s.conversations {
		if opts.Vendor != "" && conv.Vendor != opts.Vendor {
			continue
		}
		c := *conv
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*storage.Conversation{}, nil
	}

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	delete(s.conversations, id)
	delete(s.turns, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
