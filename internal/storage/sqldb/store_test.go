package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/storage"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLDBStore_CreateConversation(t *testing.T) {
	store := newTestStore(t, "memdb1")
	ctx := context.Background()

	conv := &storage.Conversation{
		ID:       "test-conv-1",
		Vendor:   domain.VendorOpenAI,
		Model:    "gpt-4o",
		Metadata: map[string]string{"key": "value"},
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	retrieved, err := store.GetConversation(ctx, "test-conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if retrieved.Vendor != domain.VendorOpenAI {
		t.Errorf("Vendor = %v, want openai", retrieved.Vendor)
	}
	if retrieved.Model != "gpt-4o" {
		t.Errorf("Model = %v, want gpt-4o", retrieved.Model)
	}
	if retrieved.Metadata["key"] != "value" {
		t.Errorf("Metadata = %v", retrieved.Metadata)
	}

	err = store.CreateConversation(ctx, &storage.Conversation{ID: "test-conv-1", Vendor: domain.VendorXAI})
	if !errors.Is(err, storage.ErrExists) {
		t.Errorf("duplicate CreateConversation() error = %v, want ErrExists", err)
	}
}

func TestSQLDBStore_GetConversationNotFound(t *testing.T) {
	store := newTestStore(t, "memdb2")
	_, err := store.GetConversation(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetConversation() error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_AppendTurns(t *testing.T) {
	store := newTestStore(t, "memdb3")
	ctx := context.Background()

	if err := store.CreateConversation(ctx, &storage.Conversation{ID: "c", Vendor: domain.VendorAnthropic}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	batches := [][]json.RawMessage{
		{json.RawMessage(`{"n":0}`), json.RawMessage(`{"n":1}`)},
		{json.RawMessage(`{"n":2}`)},
	}
	for _, batch := range batches {
		if err := store.AppendTurns(ctx, "c", batch); err != nil {
			t.Fatalf("AppendTurns() error = %v", err)
		}
	}

	turns, err := store.ListTurns(ctx, "c")
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i {
			t.Errorf("turn %d Seq = %d", i, turn.Seq)
		}
		if turn.ConversationID != "c" {
			t.Errorf("turn %d ConversationID = %q", i, turn.ConversationID)
		}
	}
	if string(turns[2].Raw) != `{"n":2}` {
		t.Errorf("turn 2 raw = %s", turns[2].Raw)
	}

	if err := store.AppendTurns(ctx, "missing", batches[0]); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("AppendTurns(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_ListConversations(t *testing.T) {
	store := newTestStore(t, "memdb4")
	ctx := context.Background()

	vendors := []domain.Vendor{domain.VendorOpenAI, domain.VendorXAI, domain.VendorOpenAI, domain.VendorGoogle, domain.VendorOpenAI}
	for i, v := range vendors {
		conv := &storage.Conversation{ID: "conv-" + string(rune('0'+i)), Vendor: v}
		if err := store.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
	}

	all, err := store.ListConversations(ctx, storage.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Conversations count = %d, want 5", len(all))
	}

	openai, err := store.ListConversations(ctx, storage.ListOptions{Vendor: domain.VendorOpenAI})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(openai) != 3 {
		t.Errorf("openai count = %d, want 3", len(openai))
	}

	page, err := store.ListConversations(ctx, storage.ListOptions{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page count = %d, want 1", len(page))
	}
}

func TestSQLDBStore_DeleteConversation(t *testing.T) {
	store := newTestStore(t, "memdb5")
	ctx := context.Background()

	if err := store.CreateConversation(ctx, &storage.Conversation{ID: "gone", Vendor: domain.VendorXAI}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if err := store.AppendTurns(ctx, "gone", []json.RawMessage{json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("AppendTurns() error = %v", err)
	}

	if err := store.DeleteConversation(ctx, "gone"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := store.ListTurns(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ListTurns() error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteConversation(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second DeleteConversation() error = %v, want ErrNotFound", err)
	}
}
