package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/dataqueryagent/server/internal/warehouse"
)

// Entry is a self-describing spilled result set.
type Entry struct {
	Key       string            `json:"key"`
	SessionID string            `json:"session_id"`
	QueryIdx  int               `json:"query_idx"`
	Schema    []warehouse.Field `json:"schema"`
	RowCount  int               `json:"row_count"`
	CreatedAt time.Time         `json:"created_at"`
	Payload   []warehouse.Row   `json:"payload"`
}

// Store persists oversized intermediate results under a key. Implementations
// must be safe for concurrent put/get with key-level atomicity; sessions
// share a store but never a key, because keys embed the session identifier.
type Store interface {
	// Put stores rows under a key derived from (session_id, query_idx, attempt)
	// and returns the key.
	Put(ctx context.Context, sessionID string, queryIdx, attempt int, rows []warehouse.Row, schema []warehouse.Field) (string, error)

	// Get retrieves a previously stored entry by key.
	Get(ctx context.Context, key string) (*Entry, error)

	// List returns the keys stored for a session.
	List(ctx context.Context, sessionID string) ([]string, error)

	// Delete removes a single entry.
	Delete(ctx context.Context, key string) error

	// Sweep removes entries created before the given instant.
	Sweep(ctx context.Context, olderThan time.Time) error
}

// entryKey derives the storage key. Writes are keyed by
// (session_id, query_idx, attempt) so retried executions never collide.
func entryKey(sessionID string, queryIdx, attempt int) string {
	return fmt.Sprintf("spill:%s:%d:%d", sessionID, queryIdx, attempt)
}

// ErrNotFound reports a missing key.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("memory entry %q not found", e.Key)
}
