// Package inbox provides the consumer-side idempotency ledger and the
// dead-letter quarantine store.
//
// Each successfully handled message leaves a Consumed row keyed by
// (message id, service, handler); the row is written in the same database
// transaction as the handler's effects, so a redelivered message is detected
// and acknowledged without re-running the handler. Messages the consumer
// gives up on are recorded as DeadLetter rows for operator inspection and
// manual replay.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyConsumed is returned by MarkConsumed when the
	// (message id, service, handler) key already exists.
	ErrAlreadyConsumed = errors.New("message already consumed")

	ErrMessageIDRequired   = errors.New("message id is required")
	ErrServiceNameRequired = errors.New("service name is required")
	ErrHandlerNameRequired = errors.New("handler name is required")
	ErrRoutingKeyRequired  = errors.New("routing key is required")
	ErrTransactionRequired = errors.New("database transaction is required")
)

// Consumed is one row of the idempotency ledger.
type Consumed struct {
	MessageID   uuid.UUID
	ServiceName string
	HandlerName string
	ConsumedAt  time.Time
}

// ConsumedStore persists the idempotency ledger.
type ConsumedStore interface {
	// MarkConsumed inserts the dedup row inside the caller's transaction.
	// Returns ErrAlreadyConsumed when the composite key already exists.
	MarkConsumed(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, serviceName, handlerName string) error

	// IsConsumed reports whether the message was already handled by the
	// given service and handler.
	IsConsumed(ctx context.Context, messageID uuid.UUID, serviceName, handlerName string) (bool, error)
}

// DeadLetter is a quarantined message the consumer gave up on: unparsable
// payload, protocol-version mismatch, or handler retries exhausted.
type DeadLetter struct {
	MessageID     uuid.UUID
	ServiceName   string
	HandlerName   string
	RoutingKey    string
	Payload       []byte
	Headers       map[string]string
	ErrorMessage  string
	ReceivedAt    time.Time
	LastAttemptAt time.Time
}

// DeadLetterStore persists quarantined messages.
type DeadLetterStore interface {
	// Record upserts by message id: the first failure inserts the row,
	// repeated failures update LastAttemptAt and ErrorMessage.
	Record(ctx context.Context, letter *DeadLetter) error

	// GetByMessageID retrieves a quarantined message, or sql.ErrNoRows.
	GetByMessageID(ctx context.Context, messageID uuid.UUID) (*DeadLetter, error)

	// Count returns the number of quarantined messages for a service.
	Count(ctx context.Context, serviceName string) (int64, error)
}

// Validate checks the dead-letter row before persistence.
func (letter *DeadLetter) Validate() error {
	if letter == nil {
		return ErrMessageIDRequired
	}

	if letter.MessageID == uuid.Nil {
		return ErrMessageIDRequired
	}

	if letter.ServiceName == "" {
		return ErrServiceNameRequired
	}

	if letter.RoutingKey == "" {
		return ErrRoutingKeyRequired
	}

	return nil
}
