// Package audit records which events each consumer received, as an
// append-only trail keyed by message id.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrStoreRequired      = errors.New("audit store is required")
	ErrEventRequired      = errors.New("audit event is required")
	ErrMessageIDRequired  = errors.New("message id is required")
	ErrRoutingKeyRequired = errors.New("routing key is required")
)

// Event is one received-message record.
type Event struct {
	ID         uuid.UUID
	RoutingKey string
	MessageID  uuid.UUID
	Payload    []byte
	ReceivedAt time.Time
}

// NewEvent builds a trail record for a received message.
func NewEvent(routingKey string, messageID uuid.UUID, payload []byte, receivedAt time.Time) (*Event, error) {
	if routingKey == "" {
		return nil, ErrRoutingKeyRequired
	}

	if messageID == uuid.Nil {
		return nil, ErrMessageIDRequired
	}

	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return &Event{
		ID:         uuid.New(),
		RoutingKey: routingKey,
		MessageID:  messageID,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}, nil
}

// Store persists the audit trail. Append-only: records are never updated.
type Store interface {
	// RecordWithTx appends inside the caller's transaction.
	RecordWithTx(ctx context.Context, tx *sql.Tx, event *Event) error

	// Record appends outside any transaction.
	Record(ctx context.Context, event *Event) error

	// CountByMessageID counts trail records for one message.
	CountByMessageID(ctx context.Context, messageID uuid.UUID) (int64, error)
}

// Recorder adapts a Store to the harness per-delivery audit hook.
type Recorder struct {
	store Store
}

// NewRecorder creates the harness audit hook.
func NewRecorder(store Store) (*Recorder, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	return &Recorder{store: store}, nil
}

// RecordReceived appends one trail record for a received delivery.
func (recorder *Recorder) RecordReceived(ctx context.Context, routingKey string, messageID uuid.UUID, receivedAt time.Time) error {
	if recorder == nil || recorder.store == nil {
		return ErrStoreRequired
	}

	event, err := NewEvent(routingKey, messageID, nil, receivedAt)
	if err != nil {
		return err
	}

	return recorder.store.Record(ctx, event)
}
