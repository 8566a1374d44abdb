// Package todo tracks the ordered task list the agent maintains per
// scope (a conversation or sub-context). Items move through
// not-started → in-progress → completed, with at most one in-progress
// item per scope at any time.
package todo

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Status is the lifecycle state of a todo item.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// validStatus reports whether s is a known status value.
func validStatus(s Status) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Item is one tracked task.
type Item struct {
	ID          string    `json:"id"`
	ScopeID     string    `json:"scope_id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InvalidTransitionError reports a state machine contract violation:
// a second in-progress item in a scope, a backward transition out of
// completed, or an unknown status value. It is a programming/contract
// error and is never retried.
type InvalidTransitionError struct {
	ItemID string
	From   Status
	To     Status
	Reason string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid todo transition %s → %s for item %s: %s", e.From, e.To, e.ItemID, e.Reason)
}

// Machine is the todo state machine, backed by SQLite. Mutations are
// applied under a per-scope lock since the orchestrator loop and the
// continuation tracker both read and write todo state.
type Machine struct {
	db *sql.DB

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// NewMachine creates a todo state machine at the given database path.
func NewMachine(dbPath string) (*Machine, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := &Machine{db: db, scopeLocks: make(map[string]*sync.Mutex)}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

// NewMachineWithDB creates a todo state machine on an existing
// database connection.
func NewMachineWithDB(db *sql.DB) (*Machine, error) {
	m := &Machine{db: db, scopeLocks: make(map[string]*sync.Mutex)}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *Machine) migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS todo_items (
			id          TEXT PRIMARY KEY,
			scope_id    TEXT NOT NULL,
			description TEXT NOT NULL,
			status      TEXT NOT NULL,
			position    INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_todo_scope ON todo_items(scope_id, position);
		CREATE INDEX IF NOT EXISTS idx_todo_status ON todo_items(scope_id, status);
	`)
	return err
}

// Close closes the database connection.
func (m *Machine) Close() error {
	return m.db.Close()
}

// scopeLock returns the mutex guarding a scope, creating it on first use.
func (m *Machine) scopeLock(scopeID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.scopeLocks[scopeID]
	if !ok {
		l = &sync.Mutex{}
		m.scopeLocks[scopeID] = l
	}
	return l
}

// Add appends a new not-started item to the end of a scope's list.
func (m *Machine) Add(scopeID, description string) (*Item, error) {
	lock := m.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	var maxPos sql.NullInt64
	if err := m.db.QueryRow(
		`SELECT MAX(position) FROM todo_items WHERE scope_id = ?`, scopeID,
	).Scan(&maxPos); err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}
	pos := 0
	if maxPos.Valid {
		pos = int(maxPos.Int64) + 1
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUID: %w", err)
	}

	now := time.Now().UTC()
	item := &Item{
		ID:          id.String(),
		ScopeID:     scopeID,
		Description: description,
		Status:      StatusNotStarted,
		Position:    pos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = m.db.Exec(`
		INSERT INTO todo_items (id, scope_id, description, status, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, scopeID, description, item.Status, pos,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	return item, nil
}

// SetStatus transitions an item to a new status, enforcing the
// single-in-progress invariant per scope and the terminality of
// completed. Setting a completed item to completed again is an
// idempotent no-op.
func (m *Machine) SetStatus(itemID string, newStatus Status) error {
	if !validStatus(newStatus) {
		return &InvalidTransitionError{ItemID: itemID, To: newStatus, Reason: "unknown status"}
	}

	item, err := m.Get(itemID)
	if err != nil {
		return err
	}

	lock := m.scopeLock(item.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another caller may have transitioned it.
	item, err = m.Get(itemID)
	if err != nil {
		return err
	}

	if item.Status == StatusCompleted {
		if newStatus == StatusCompleted {
			return nil // idempotent
		}
		return &InvalidTransitionError{
			ItemID: itemID, From: item.Status, To: newStatus,
			Reason: "completed is terminal; create a new item for re-opened work",
		}
	}

	if newStatus == StatusInProgress && item.Status != StatusInProgress {
		var n int
		err := m.db.QueryRow(`
			SELECT COUNT(*) FROM todo_items
			WHERE scope_id = ? AND status = ? AND id != ?
		`, item.ScopeID, StatusInProgress, itemID).Scan(&n)
		if err != nil {
			return fmt.Errorf("count in-progress: %w", err)
		}
		if n > 0 {
			return &InvalidTransitionError{
				ItemID: itemID, From: item.Status, To: newStatus,
				Reason: "another item in this scope is already in-progress",
			}
		}
	}

	_, err = m.db.Exec(`
		UPDATE todo_items SET status = ?, updated_at = ? WHERE id = ?
	`, newStatus, time.Now().UTC().Format(time.RFC3339Nano), itemID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Get returns a single item by ID.
func (m *Machine) Get(itemID string) (*Item, error) {
	row := m.db.QueryRow(`
		SELECT id, scope_id, description, status, position, created_at, updated_at
		FROM todo_items WHERE id = ?
	`, itemID)
	return scanItem(row)
}

// List returns a scope's items in position order. Read-only and safe
// for concurrent callers.
func (m *Machine) List(scopeID string) ([]*Item, error) {
	rows, err := m.db.Query(`
		SELECT id, scope_id, description, status, position, created_at, updated_at
		FROM todo_items WHERE scope_id = ?
		ORDER BY position ASC
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Outstanding returns the count of items in a scope that are not yet
// completed. Used by the continuation tracker to judge premature
// completion claims.
func (m *Machine) Outstanding(scopeID string) (int, error) {
	var n int
	err := m.db.QueryRow(`
		SELECT COUNT(*) FROM todo_items
		WHERE scope_id = ? AND status != ?
	`, scopeID, StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding: %w", err)
	}
	return n, nil
}

// scanner abstracts sql.Row and sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var item Item
	var createdStr, updatedStr string

	err := s.Scan(&item.ID, &item.ScopeID, &item.Description, &item.Status,
		&item.Position, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("todo item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}

	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &item, nil
}

// Snapshot renders a scope's todo list as the prompt fragment the
// orchestrator injects each iteration. Returns an empty string when
// the scope has no items.
func Snapshot(items []*Item) string {
	if len(items) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Current tasks\n")
	for _, item := range items {
		marker := "[ ]"
		switch item.Status {
		case StatusInProgress:
			marker = "[>]"
		case StatusCompleted:
			marker = "[x]"
		}
		fmt.Fprintf(&sb, "- %s %s (id: %s)\n", marker, item.Description, item.ID)
	}
	return sb.String()
}
