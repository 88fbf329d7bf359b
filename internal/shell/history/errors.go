// Package history persists a ledger of dispatch runs and their per-host
// outcomes in SQLite.
package history

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a run is not in the ledger.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateID is returned when a run ID is already recorded.
	ErrDuplicateID = errors.New("run with this ID already exists")

	// ErrConnectionFailed is returned when the database cannot be opened.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when the schema cannot be migrated.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")
)

// HistoryError wraps errors with additional context.
type HistoryError struct {
	Op      string // Operation that failed (e.g., "FinishRun")
	ID      string // Run ID if applicable
	Message string
	Err     error
}

func (e *HistoryError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s run %s: %s", e.Op, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *HistoryError) Unwrap() error {
	return e.Err
}

// NewHistoryError creates a new HistoryError.
func NewHistoryError(op, id, message string, err error) *HistoryError {
	return &HistoryError{
		Op:      op,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
