package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/meridianbank/lib-eventrelay/consumer"
	"github.com/meridianbank/lib-eventrelay/events"
)

const handlerName = "audit"

// Handler is the audit service's consumer: it appends one trail record per
// handled event, payload included, inside the harness transaction.
type Handler struct {
	store Store
}

var _ consumer.Handler = (*Handler)(nil)

// NewHandler creates the audit trail consumer.
func NewHandler(store Store) (*Handler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	return &Handler{store: store}, nil
}

// Name identifies the handler in the idempotency ledger.
func (handler *Handler) Name() string { return handlerName }

// Version is the envelope protocol version this handler understands.
func (handler *Handler) Version() string { return events.ProtocolVersion }

// Handle appends the trail record in the harness transaction, so the record
// exists exactly once per message even under broker redelivery.
func (handler *Handler) Handle(ctx context.Context, tx *sql.Tx, envelope *events.Envelope) error {
	event, err := NewEvent(consumer.RoutingKeyFromContext(ctx), envelope.EventID, envelope.Payload, time.Now().UTC())
	if err != nil {
		return err
	}

	return handler.store.RecordWithTx(ctx, tx, event)
}
