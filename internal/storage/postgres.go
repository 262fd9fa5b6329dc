package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements DeadLetterStore using PostgreSQL, for fleets
// where operators replay dead letters from a shared console.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL dead-letter store from a
// postgres:// connection string.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			operation_name TEXT NOT NULL,
			arguments BYTEA,
			failure_reason TEXT NOT NULL DEFAULT '',
			failure_type TEXT NOT NULL,
			attempts_made INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at
			ON dead_letters(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create dead_letters table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, entry *DeadLetterEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.OperationName, entry.Arguments, entry.FailureReason,
		entry.FailureType, entry.AttemptsMade, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at
		FROM dead_letters WHERE id = $1`, id)

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

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_name, arguments, failure_reason, failure_type, attempts_made, created_at
		FROM dead_letters ORDER BY created_at ASC LIMIT $1`, limit)
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
