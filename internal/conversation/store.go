// Package conversation provides append-only persistence for
// conversations, their messages, and tool call records.
//
// Messages are immutable once appended and ordered by a strictly
// monotonic (timestamp, sequence) pair so replay is deterministic.
// Eviction never deletes: the window manager flips message status from
// active to archived, and the full history remains loadable by ID.
package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fenwick-labs/keel/internal/llm"
)

// Message statuses. Active messages are part of the live window;
// archived messages have moved to the context archive.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Message is one immutable entry in a conversation's log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int            `json:"seq"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TokenCount     int            `json:"token_count"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	Pinned         bool           `json:"pinned"`
	ToolCalls      []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
}

// ToolCallRecord tracks one tool invocation and its result.
type ToolCallRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	ToolName       string     `json:"tool_name"`
	Arguments      string     `json:"arguments"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	OK             bool       `json:"ok"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
}

// Store is the SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			token_count     INTEGER NOT NULL DEFAULT 0,
			timestamp       TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			pinned          BOOLEAN NOT NULL DEFAULT FALSE,
			tool_calls      TEXT,
			tool_call_id    TEXT,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(conversation_id, status);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tool_name       TEXT NOT NULL,
			arguments       TEXT NOT NULL,
			result          TEXT,
			error           TEXT,
			ok              BOOLEAN,
			started_at      TEXT NOT NULL,
			completed_at    TEXT,
			duration_ms     INTEGER,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_conv ON tool_calls(conversation_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_pending ON tool_calls(conversation_id, completed_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateConversation ensures a conversation row exists. Creation
// is idempotent; an existing conversation is left untouched.
func (s *Store) GetOrCreateConversation(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// AppendOption customizes a message append.
type AppendOption func(*Message)

// WithToolCalls attaches the model's tool calls to an assistant message.
func WithToolCalls(calls []llm.ToolCall) AppendOption {
	return func(m *Message) { m.ToolCalls = calls }
}

// WithToolCallID marks a tool-role message as the result for a call.
func WithToolCallID(id string) AppendOption {
	return func(m *Message) { m.ToolCallID = id }
}

// WithPinned marks a message as pinned — never evicted by the window
// manager (system prompts, compaction summaries).
func WithPinned() AppendOption {
	return func(m *Message) { m.Pinned = true }
}

// AppendMessage appends one message to a conversation. The sequence
// number is assigned inside a transaction so ordering is strictly
// monotonic even under concurrent appends from different conversations
// sharing the store.
func (s *Store) AppendMessage(conversationID, role, content string, opts ...AppendOption) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUID: %w", err)
	}

	msg := &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     llm.EstimateTokens(content),
		Timestamp:      time.Now().UTC(),
		Status:         StatusActive,
	}
	for _, opt := range opts {
		opt(msg)
	}

	var toolCallsJSON any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = string(b)
		msg.TokenCount += llm.EstimateTokens(string(b))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}
	msg.Seq = 0
	if maxSeq.Valid {
		msg.Seq = int(maxSeq.Int64) + 1
	}

	_, err = tx.Exec(`
		INSERT INTO messages
			(id, conversation_id, seq, role, content, token_count, timestamp, status, pinned, tool_calls, tool_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, msg.Seq, role, content, msg.TokenCount,
		msg.Timestamp.Format(time.RFC3339Nano), msg.Status, msg.Pinned,
		toolCallsJSON, nullString(msg.ToolCallID))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.Timestamp.Format(time.RFC3339Nano), conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// ActiveMessages returns a conversation's live (non-archived) messages
// in sequence order.
func (s *Store) ActiveMessages(conversationID string) ([]Message, error) {
	return s.queryMessages(`
		SELECT id, conversation_id, seq, role, content, token_count, timestamp, status, pinned, tool_calls, tool_call_id
		FROM messages
		WHERE conversation_id = ? AND status = ?
		ORDER BY seq ASC
	`, conversationID, StatusActive)
}

// GetMessage loads a single message by ID. Idempotent load-by-id for
// the persistence boundary.
func (s *Store) GetMessage(id string) (*Message, error) {
	msgs, err := s.queryMessages(`
		SELECT id, conversation_id, seq, role, content, token_count, timestamp, status, pinned, tool_calls, tool_call_id
		FROM messages WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &msgs[0], nil
}

// ActiveTokenCount sums token counts of a conversation's live messages.
func (s *Store) ActiveTokenCount(conversationID string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(token_count) FROM messages
		WHERE conversation_id = ? AND status = ?
	`, conversationID, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("token count: %w", err)
	}
	return int(n.Int64), nil
}

// MarkArchived flips messages in [fromSeq, toSeq] to archived status.
// The rows stay in place; only the lifecycle status changes.
func (s *Store) MarkArchived(conversationID string, fromSeq, toSeq int) error {
	_, err := s.db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND seq >= ? AND seq <= ?
	`, StatusArchived, conversationID, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

// SearchActive does a substring search over a conversation's live
// messages, newest first. This is the in-conversation leg of the
// retrieval fan-out.
func (s *Store) SearchActive(conversationID, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryMessages(`
		SELECT id, conversation_id, seq, role, content, token_count, timestamp, status, pinned, tool_calls, tool_call_id
		FROM messages
		WHERE conversation_id = ? AND status = ? AND content LIKE ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, StatusActive, "%"+query+"%", limit)
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var tsStr string
		var toolCalls, toolCallID sql.NullString

		err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&m.TokenCount, &tsStr, &m.Status, &m.Pinned, &toolCalls, &toolCallID)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		m.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls for %s: %w", m.ID, err)
			}
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecordToolCall inserts a pending tool call row at invocation time.
func (s *Store) RecordToolCall(conversationID, callID, toolName, argsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, callID, conversationID, toolName, argsJSON,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// CompleteToolCall records the result for a pending tool call.
func (s *Store) CompleteToolCall(callID string, ok bool, result, errMsg string, duration time.Duration) error {
	_, err := s.db.Exec(`
		UPDATE tool_calls
		SET result = ?, error = ?, ok = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, nullString(result), nullString(errMsg), ok,
		time.Now().UTC().Format(time.RFC3339Nano), duration.Milliseconds(), callID)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	return nil
}

// PendingToolCalls counts calls with no recorded result. The
// orchestrator requires this to be zero before every model invocation.
func (s *Store) PendingToolCalls(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM tool_calls
		WHERE conversation_id = ? AND completed_at IS NULL
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending tool calls: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
