// Package archive provides durable storage for context chunks evicted
// from the live window. Chunks are write-once, read-many: the window
// manager writes them during compression and retrieval reads them back
// by query, so nothing leaves the context window without staying
// retrievable.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Chunk is one evicted run of messages, stored with topic metadata.
type Chunk struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FromSeq        int       `json:"from_seq"`
	ToSeq          int       `json:"to_seq"`
	TopicTags      []string  `json:"topic_tags"`
	TokenCount     int       `json:"token_count"`
	Content        string    `json:"content"`
	Summary        string    `json:"summary,omitempty"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// Store is the SQLite-backed chunk archive.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	ftsEnabled bool
}

// NewStore creates an archive store at the given database path. Pass
// nil for logger to suppress startup logging.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migrate: %w", err)
	}

	// Try to enable FTS5 — gracefully degrade if not available.
	s.ftsEnabled = s.tryEnableFTS()

	if logger != nil {
		if s.ftsEnabled {
			logger.Info("context archive initialized", "path", dbPath, "fts5", true)
		} else {
			logger.Warn("context archive: FTS5 not available — search will use slower LIKE fallback",
				"path", dbPath, "fts5", false)
		}
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			from_seq        INTEGER NOT NULL,
			to_seq          INTEGER NOT NULL,
			topic_tags      TEXT,
			token_count     INTEGER NOT NULL DEFAULT 0,
			content         TEXT NOT NULL,
			summary         TEXT,
			archived_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_conv ON chunks(conversation_id, from_seq);
		CREATE INDEX IF NOT EXISTS idx_chunks_archived ON chunks(archived_at);
	`)
	return err
}

// tryEnableFTS attempts to create the FTS5 virtual table. Returns true
// if FTS5 is available, false otherwise.
func (s *Store) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content,
			topic_tags,
			content=chunks,
			content_rowid=rowid
		)
	`)
	return err == nil
}

// FTSEnabled returns whether FTS5 full-text search is available.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write stores one chunk. Chunks are write-once: re-writing an ID is
// ignored rather than overwritten.
func (s *Store) Write(chunk *Chunk) error {
	if chunk.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate UUID: %w", err)
		}
		chunk.ID = id.String()
	}
	if chunk.ArchivedAt.IsZero() {
		chunk.ArchivedAt = time.Now().UTC()
	}

	tagsJSON, err := json.Marshal(chunk.TopicTags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`
		INSERT OR IGNORE INTO chunks
			(id, conversation_id, from_seq, to_seq, topic_tags, token_count, content, summary, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.ConversationID, chunk.FromSeq, chunk.ToSeq,
		string(tagsJSON), chunk.TokenCount, chunk.Content,
		nullString(chunk.Summary), chunk.ArchivedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
	}

	// Only sync FTS if a row was actually inserted (not ignored as duplicate).
	affected, _ := result.RowsAffected()
	if affected > 0 && s.ftsEnabled {
		_, err = tx.Exec(`
			INSERT INTO chunks_fts(rowid, content, topic_tags)
			SELECT rowid, content, topic_tags FROM chunks WHERE id = ?
		`, chunk.ID)
		if err != nil {
			return fmt.Errorf("fts sync %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

// Get loads a chunk by ID.
func (s *Store) Get(id string) (*Chunk, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, from_seq, to_seq, topic_tags, token_count, content, summary, archived_at
		FROM chunks WHERE id = ?
	`, id)
	return scanChunk(row)
}

// Search returns chunks matching the query, best first. Scope (a
// conversation ID) is optional. Read-only and deterministic: identical
// queries return identically ranked chunks absent new writes — ties
// break on chunk ID.
func (s *Store) Search(query, scope string, limit int) ([]*Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if limit <= 0 {
		limit = 10
	}

	var sqlQuery string
	var args []any

	if s.ftsEnabled {
		sqlQuery = `
			SELECT c.id, c.conversation_id, c.from_seq, c.to_seq, c.topic_tags,
			       c.token_count, c.content, c.summary, c.archived_at
			FROM chunks_fts
			JOIN chunks c ON chunks_fts.rowid = c.rowid
			WHERE chunks_fts MATCH ?
		`
		args = []any{sanitizeFTSQuery(query)}
		if scope != "" {
			sqlQuery += " AND c.conversation_id = ?"
			args = append(args, scope)
		}
		sqlQuery += " ORDER BY rank, c.id LIMIT ?"
		args = append(args, limit)
	} else {
		// LIKE fallback — less precise but functional.
		sqlQuery = `
			SELECT id, conversation_id, from_seq, to_seq, topic_tags,
			       token_count, content, summary, archived_at
			FROM chunks
			WHERE (content LIKE ? OR topic_tags LIKE ?)
		`
		like := "%" + query + "%"
		args = []any{like, like}
		if scope != "" {
			sqlQuery += " AND conversation_id = ?"
			args = append(args, scope)
		}
		sqlQuery += " ORDER BY archived_at DESC, id LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of chunks archived for a conversation.
func (s *Store) ChunkCount(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM chunks WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chunk count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(sc scanner) (*Chunk, error) {
	var c Chunk
	var tagsJSON, summary sql.NullString
	var archivedStr string

	err := sc.Scan(&c.ID, &c.ConversationID, &c.FromSeq, &c.ToSeq, &tagsJSON,
		&c.TokenCount, &c.Content, &summary, &archivedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &c.TopicTags)
	}
	if summary.Valid {
		c.Summary = summary.String
	}
	c.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedStr)
	return &c, nil
}

// sanitizeFTSQuery wraps each term in double quotes so special
// characters (periods, colons, hyphens) don't break FTS5 syntax.
func sanitizeFTSQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
