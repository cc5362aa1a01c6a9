// Package store is the durable storage engine: conversations, messages,
// and debate-state blobs in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Conversation modes.
const (
	ModeSimple = "simple"
	ModeDebate = "debate"
)

// debateStateKey is the fixed key of the debate-state blob inside a
// conversation's metadata_json.
const debateStateKey = "debate_state"

// titleMaxLen bounds the derived conversation title.
const titleMaxLen = 60

// Conversation is one row of the conversations table.
type Conversation struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Mode         string    `json:"mode"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Title        string    `json:"title"`
}

// Message is one row of the messages table.
type Message struct {
	Seq            int64           `json:"seq"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Model          string          `json:"model,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	Iteration      *int            `json:"iteration,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// AppendParams are the inputs to AppendMessage.
type AppendParams struct {
	ConversationID string
	Role           string
	Content        string
	Model          string
	MessageType    string
	Iteration      *int
	Metadata       json.RawMessage
}

// Store is the single-writer storage engine. Reads are concurrent-safe;
// writes serialize on the mutex in addition to SQLite's own locking.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const createConversationsSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT 'simple',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT '',
    iteration INTEGER,
    metadata_json TEXT
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`

const createConversationsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)`

// Open opens (creating if absent) the database at path and ensures the
// schema exists. The connection is a process-wide singleton with a single
// writer.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	slog.Info("Storage opened", "path", path)
	return s, nil
}

// initSchema creates tables and indexes, then applies additive migrations.
// Each statement runs separately for SQLite compatibility; every statement
// is idempotent.
func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createConversationsSQL,
		createMessagesSQL,
		createMessagesIndexSQL,
		createConversationsIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Additive migrations: adding a column that already exists is the
	// only expected failure and is ignored.
	migrations := []string{
		`ALTER TABLE messages ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				slog.Debug("Migration statement skipped", "error", err)
			}
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateOrTouch creates the conversation if absent; otherwise it updates
// the default model binding. Idempotent.
func (s *Store) CreateOrTouch(ctx context.Context, id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, model, mode, created_at, updated_at)
		VALUES (?, ?, 'simple', ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model`,
		id, model, now, now)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// AppendMessage appends a message, increments the conversation's message
// count, bumps updated_at, and derives the title from the first user
// message if the conversation has none. Atomic.
func (s *Store) AppendMessage(ctx context.Context, p AppendParams) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, p.ConversationID).Scan(&exists)
	if err != nil {
		return Message{}, fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return Message{}, ErrNotFound
	}

	now := time.Now().UTC()
	metadata := sql.NullString{}
	if len(p.Metadata) > 0 {
		metadata = sql.NullString{String: string(p.Metadata), Valid: true}
	}
	var iteration sql.NullInt64
	if p.Iteration != nil {
		iteration = sql.NullInt64{Int64: int64(*p.Iteration), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, timestamp, model, message_type, iteration, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ConversationID, p.Role, p.Content, now, p.Model, p.MessageType, iteration, metadata)
	if err != nil {
		return Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("failed to read message seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = ?
		WHERE id = ?`, now, p.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("failed to update conversation: %w", err)
	}

	if p.Role == "user" {
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET title = ? WHERE id = ? AND title = ''`,
			deriveTitle(p.Content), p.ConversationID)
		if err != nil {
			return Message{}, fmt.Errorf("failed to derive title: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	return Message{
		Seq:            seq,
		ConversationID: p.ConversationID,
		Role:           p.Role,
		Content:        p.Content,
		Timestamp:      now,
		Model:          p.Model,
		MessageType:    p.MessageType,
		Iteration:      p.Iteration,
		Metadata:       p.Metadata,
	}, nil
}

// deriveTitle truncates the first user message into a title. Rune-based
// truncation keeps multi-byte content intact.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if utf8.RuneCountInString(title) > titleMaxLen {
		runes := []rune(title)
		title = string(runes[:titleMaxLen])
	}
	return title
}

// GetConversation returns the conversation row, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model, mode, created_at, updated_at, message_count, title
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Model, &c.Mode, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by updated_at DESC.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, mode, created_at, updated_at, message_count, title
		FROM conversations ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Model, &c.Mode, &c.CreatedAt, &c.UpdatedAt,
			&c.MessageCount, &c.Title); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadMessages returns the full ordered message sequence of a
// conversation.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, conversation_id, role, content, timestamp, model, message_type, iteration, metadata_json
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var iteration sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&m.Seq, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp,
			&m.Model, &m.MessageType, &iteration, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if iteration.Valid {
			it := int(iteration.Int64)
			m.Iteration = &it
		}
		if metadata.Valid {
			m.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMode sets the conversation mode.
func (s *Store) UpdateMode(ctx context.Context, id, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET mode = ?, updated_at = ? WHERE id = ?`,
		mode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update mode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadDebateState returns the debate-state blob, or nil when none is
// stored.
func (s *Store) ReadDebateState(ctx context.Context, id string) (json.RawMessage, error) {
	var metadata string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_json FROM conversations WHERE id = ?`, id).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		return nil, fmt.Errorf("corrupt conversation metadata: %w", err)
	}
	return meta[debateStateKey], nil
}

// WriteDebateState stores the debate-state blob under its fixed metadata
// key, preserving any other metadata.
func (s *Store) WriteDebateState(ctx context.Context, id string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metadata string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata_json FROM conversations WHERE id = ?`, id).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil || meta == nil {
		meta = map[string]json.RawMessage{}
	}
	meta[debateStateKey] = state

	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		string(merged), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to write debate state: %w", err)
	}
	return tx.Commit()
}

// Delete removes a conversation and, via the cascade, its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll removes every conversation and message. Returns the number of
// conversations removed.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
