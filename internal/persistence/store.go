// Package persistence implements the durable session store on SQLite.
// Multi-row mutations (reset, compaction swap, cleanup) are single
// transactions: a reader never observes a partial state.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session states.
const (
	SessionStateActive     = "active"
	SessionStateIdle       = "idle"
	SessionStateCompacting = "compacting"
	SessionStateArchived   = "archived"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// MetaTypeCompactionSummary tags the synthesized summary message.
const MetaTypeCompactionSummary = "compaction_summary"

// ErrNotFound is returned when a session key or id does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when an insert loses a uniqueness race.
var ErrDuplicateKey = errors.New("duplicate session key")

// Session is a durable conversation identity addressed by its unique key.
type Session struct {
	ID               string            `json:"id"`
	SessionKey       string            `json:"session_key"`
	OwnerAgentID     string            `json:"owner_agent_id"`
	Channel          string            `json:"channel"`
	State            string            `json:"state"`
	ModelOverride    string            `json:"model_override,omitempty"`
	TokenCount       int               `json:"token_count"`
	MessageCount     int               `json:"message_count"`
	CompactionCount  int               `json:"compaction_count"`
	LastCompactionAt *time.Time        `json:"last_compaction_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ToolCall is one tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one conversation turn. Insertion order (ascending id) is
// the canonical conversation order.
type Message struct {
	ID         int64             `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	TokensIn   int               `json:"tokens_in"`
	TokensOut  int               `json:"tokens_out"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the clawd home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawd", "clawd.db")
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("configure pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	owner_agent_id TEXT NOT NULL DEFAULT 'main',
	channel TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'active',
	model_override TEXT NOT NULL DEFAULT '',
	token_count INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	compaction_count INTEGER NOT NULL DEFAULT 0,
	last_compaction_at TIMESTAMP,
	metadata TEXT NOT NULL DEFAULT '{}',
	last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT NOT NULL DEFAULT '[]',
	tool_call_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, last_activity_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func marshalMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if json.Unmarshal([]byte(raw), &m) != nil {
		return nil
	}
	return m
}

func marshalToolCalls(calls []ToolCall) (string, error) {
	if len(calls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(b), nil
}

func unmarshalToolCalls(raw string) []ToolCall {
	if raw == "" || raw == "[]" {
		return nil
	}
	var calls []ToolCall
	if json.Unmarshal([]byte(raw), &calls) != nil {
		return nil
	}
	return calls
}
