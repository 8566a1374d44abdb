// Package memory provides long-term memory for salient facts that must
// survive context eviction: user preferences, decisions, constraints.
// Records carry an embedding for similarity retrieval and an importance
// weight that scales their ranking.
//
// Records are immutable after creation except for access statistics,
// which retrieval updates in place.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fenwick-labs/keel/internal/embeddings"
)

// Record is one long-term memory entry.
type Record struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	Importance     float64   `json:"importance"`
	Tags           []string  `json:"tags,omitempty"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Hit is a retrieved record with its relevance score.
type Hit struct {
	Record
	Score float64 `json:"score"`
}

// Store manages memory persistence and similarity retrieval.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
}

// NewStore creates a memory store at the given database path. The
// embedder is required; pass embeddings.HashEmbedder{} when no model
// server is available.
func NewStore(dbPath string, embedder embeddings.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			content          TEXT NOT NULL UNIQUE,
			embedding        BLOB,
			importance       REAL NOT NULL DEFAULT 0.5,
			tags             TEXT,
			access_count     INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(last_accessed_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a memory. Saving identical content again updates
// importance and tags instead of duplicating the record; access
// statistics are preserved.
func (s *Store) Save(ctx context.Context, content string, importance float64, tags []string) (*Record, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1 {
		importance = 1
	}

	now := time.Now().UTC()
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	var existingID string
	err = s.db.QueryRow(`SELECT id FROM memories WHERE content = ?`, content).Scan(&existingID)
	if err == nil {
		_, err = s.db.Exec(`
			UPDATE memories SET importance = ?, tags = ? WHERE id = ?
		`, importance, string(tagsJSON), existingID)
		if err != nil {
			return nil, fmt.Errorf("update memory: %w", err)
		}
		return s.Get(existingID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing: %w", err)
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUID: %w", err)
	}

	rec := &Record{
		ID:             id.String(),
		Content:        content,
		Embedding:      vec,
		Importance:     importance,
		Tags:           tags,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	_, err = s.db.Exec(`
		INSERT INTO memories (id, content, embedding, importance, tags, access_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, rec.ID, content, encodeVector(vec), importance, string(tagsJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return rec, nil
}

// Get loads a record by ID without touching access statistics.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, content, embedding, importance, tags, access_count, created_at, last_accessed_at
		FROM memories WHERE id = ?
	`, id)
	return scanRecord(row)
}

// Count returns the number of stored memories.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Retrieve returns the most relevant memories for a query, best first.
// Relevance is cosine similarity scaled by importance; ties break on
// most recent access, then ID. Returned records get their access count
// and last-accessed time bumped — the only mutation records see after
// creation.
func (s *Store) Retrieve(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, content, embedding, importance, tags, access_count, created_at, last_accessed_at
		FROM memories
	`)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		sim := float64(embeddings.CosineSimilarity(queryVec, rec.Embedding))
		score := sim * rec.Importance
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Record: *rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if !almostEqual(hits[i].Score, hits[j].Score) {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].LastAccessedAt.Equal(hits[j].LastAccessedAt) {
			return hits[i].LastAccessedAt.After(hits[j].LastAccessedAt)
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	now := time.Now().UTC()
	for i := range hits {
		_, err := s.db.Exec(`
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
			WHERE id = ?
		`, now.Format(time.RFC3339Nano), hits[i].ID)
		if err != nil {
			return nil, fmt.Errorf("touch memory %s: %w", hits[i].ID, err)
		}
		hits[i].AccessCount++
		hits[i].LastAccessedAt = now
	}

	return hits, nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var blob []byte
	var tagsJSON sql.NullString
	var created, accessed string

	err := sc.Scan(&rec.ID, &rec.Content, &blob, &rec.Importance, &tagsJSON,
		&rec.AccessCount, &created, &accessed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	rec.Embedding = decodeVector(blob)
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, accessed)
	return &rec, nil
}

// encodeVector packs a float32 slice as little-endian bytes for BLOB
// storage.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
