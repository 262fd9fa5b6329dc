// Package storage provides the dead-letter store: durable terminal home for
// units that exhausted retry, replayable by id.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested dead-letter entry does not exist.
var ErrNotFound = errors.New("dead letter entry not found")

// Failure types recorded on dead-letter entries.
const (
	FailureTimeout        = "timeout"         // unit was never confirmed
	FailureExecutionError = "execution_error" // task ran and returned an error
)

// DeadLetterEntry captures enough state to re-submit a unit later.
type DeadLetterEntry struct {
	ID            string    `json:"id"`
	OperationName string    `json:"operation_name"`
	Arguments     []byte    `json:"arguments"` // JSON-encoded task arguments
	FailureReason string    `json:"failure_reason"`
	FailureType   string    `json:"failure_type"`
	AttemptsMade  int       `json:"attempts_made"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeadLetterStore persists dead-letter entries. Implementations must be
// safe for concurrent use.
type DeadLetterStore interface {
	// Initialize sets up the store (create tables, etc.)
	Initialize(ctx context.Context) error

	// Insert adds an entry.
	Insert(ctx context.Context, entry *DeadLetterEntry) error

	// Get retrieves an entry by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)

	// Delete removes an entry by id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns entries ordered oldest first, up to limit (0 = 100).
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)

	// Close closes the store connection.
	Close() error
}
