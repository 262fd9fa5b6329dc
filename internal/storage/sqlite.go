package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements DeadLetterStore using SQLite. This is the default
// for single-node workers: the dead-letter queue must survive process
// restarts but is consulted only by the worker that owns it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite dead-letter store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache mode so all pooled
	// connections see the same database.
	connStr := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			operation_name TEXT NOT NULL,
			arguments BLOB,
			failure_reason TEXT NOT NULL DEFAULT '',
			failure_type TEXT NOT NULL,
			attempts_made INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at
			ON dead_letters(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create dead_letters table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, entry *DeadLetterEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OperationName, entry.Arguments, entry.FailureReason,
		entry.FailureType, entry.AttemptsMade, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at
		FROM dead_letters WHERE id = ?`, id)

	entry := &DeadLetterEntry{}
	err := row.Scan(&entry.ID, &entry.OperationName, &entry.Arguments,
		&entry.FailureReason, &entry.FailureType, &entry.AttemptsMade, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at
		FROM dead_letters ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		entry := &DeadLetterEntry{}
		if err := rows.Scan(&entry.ID, &entry.OperationName, &entry.Arguments,
			&entry.FailureReason, &entry.FailureType, &entry.AttemptsMade, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
