package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/storage"
	"github.com/tjfontaine/agent-stream/internal/storage/dialect"
)

// Store is a SQL implementation of storage.TurnStore that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.TurnStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	vendor TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	raw TEXT NOT NULL,
	created_at %s NOT NULL,
	UNIQUE (conversation_id, seq)
)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_conversations_vendor ON conversations(vendor)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type conversationRow struct {
	ID        string    `db:"id"`
	Vendor    string    `db:"vendor"`
	Model     string    `db:"model"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r conversationRow) conversation() (*storage.Conversation, error) {
	conv := &storage.Conversation{
		ID:        r.ID,
		Vendor:    domain.Vendor(r.Vendor),
		Model:     r.Model,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return conv, nil
}

type turnRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Seq            int       `db:"seq"`
	Raw            string    `db:"raw"`
	CreatedAt      time.Time `db:"created_at"`
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	metadata := []byte("{}")
	if conv.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(conv.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := s.dialect.Rebind(`INSERT INTO conversations (id, vendor, model, metadata, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", nil))

	res, err := s.db.ExecContext(ctx, query,
		conv.ID, string(conv.Vendor), conv.Model, string(metadata), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, storage.ErrExists)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	query := s.dialect.Rebind(`SELECT id, vendor, model, metadata, created_at, updated_at
	FROM conversations WHERE id = ?`)

	var row conversationRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return row.conversation()
}

func (s *Store) AppendTurns(ctx context.Context, convID string, turns []json.RawMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.GetContext(ctx, &next, s.dialect.Rebind(
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM turns WHERE conversation_id = ?`), convID)
	if err != nil {
		return fmt.Errorf("failed to read turn sequence: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	insert := s.dialect.Rebind(`INSERT INTO turns (id, conversation_id, seq, raw, created_at)
	VALUES (?, ?, ?, ?, ?)`)
	for i, raw := range turns {
		if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), convID, next+i, string(raw), now); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListTurns(ctx context.Context, convID string) ([]storage.StoredTurn, error) {
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}

	var rows []turnRow
	query := s.dialect.Rebind(`SELECT id, conversation_id, seq, raw, created_at
	FROM turns WHERE conversation_id = ? ORDER BY seq ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, convID); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}

	turns := make([]storage.StoredTurn, len(rows))
	for i, r := range rows {
		turns[i] = storage.StoredTurn{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Seq:            r.Seq,
			Raw:            json.RawMessage(r.Raw),
			CreatedAt:      r.CreatedAt,
		}
	}
	return turns, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}

	query := `SELECT id, vendor, model, metadata, created_at, updated_at FROM conversations`
	args := []any{}
	if opts.Vendor != "" {
		query += ` WHERE vendor = ?`
		args = append(args, string(opts.Vendor))
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	conversations := make([]*storage.Conversation, 0, len(rows))
	for _, r := range rows {
		conv, err := r.conversation()
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Foreign key enforcement is per connection in SQLite, so turns are
	// removed explicitly.
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM turns WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
