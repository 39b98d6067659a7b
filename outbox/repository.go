package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so the producer can participate in the
// caller's unit of work without an adapter layer between the domain write
// and the outbox insert.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox messages.
//
// FetchBatch must atomically claim the returned rows (a lease on
// claimed_until) so that concurrent dispatcher instances never publish the
// same row while a lease is live. MarkSent and MarkFailed release the claim.
type Repository interface {
	// CreateWithTx inserts a PENDING row inside the caller's transaction.
	CreateWithTx(ctx context.Context, tx Tx, message *Message) error
	// FetchBatch returns up to limit undelivered rows (status PENDING or
	// ERROR, unclaimed or with an expired claim), oldest first.
	FetchBatch(ctx context.Context, limit int) ([]*Message, error)
	// GetByID retrieves a message by id.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// MarkSent finalizes a delivered row: status SENT, publishedAt set,
	// publishAttempts incremented, claim released. SENT rows are never
	// mutated again.
	MarkSent(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	// MarkFailed records a failed attempt: publishAttempts incremented,
	// lastError/lastAttemptAt set, formatErrorCount incremented when
	// formatError, claim released. The row flips to BLOCKED in the same
	// statement once both blocking thresholds are reached, otherwise ERROR.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, formatError bool) error
	// CountUndelivered counts rows that are neither SENT nor BLOCKED.
	// Feeds the readiness backlog check.
	CountUndelivered(ctx context.Context) (int64, error)
}
