// Package antifraud consumes account activity events for the antifraud
// service: client blocks and credit movements.
package antifraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianbank/lib-eventrelay/consumer"
	"github.com/meridianbank/lib-eventrelay/events"
)

// Routing keys the antifraud consumer subscribes to.
const (
	RoutingKeyClientBlocked = "client.blocked"
	RoutingKeyMoneyCredited = "money.credited"
)

var (
	ErrStoreRequired         = errors.New("antifraud store is required")
	ErrClientIDRequired      = errors.New("client id is required")
	ErrAccountIDRequired     = errors.New("account id is required")
	ErrAmountNotPositive     = errors.New("amount must be positive")
	ErrCurrencyRequired      = errors.New("currency is required")
	ErrUnsupportedRoutingKey = errors.New("unsupported routing key")
)

// ClientBlocked is the client.blocked payload.
type ClientBlocked struct {
	ClientID uuid.UUID `json:"clientId"`
	Reason   string    `json:"reason"`
}

// Validate checks the payload fields.
func (payload ClientBlocked) Validate() error {
	if payload.ClientID == uuid.Nil {
		return ErrClientIDRequired
	}

	return nil
}

// MoneyCredited is the money.credited payload. Amounts are decimal to avoid
// binary floating point on money.
type MoneyCredited struct {
	AccountID uuid.UUID       `json:"accountId"`
	ClientID  uuid.UUID       `json:"clientId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Validate checks the payload fields.
func (payload MoneyCredited) Validate() error {
	if payload.AccountID == uuid.Nil {
		return ErrAccountIDRequired
	}

	if payload.ClientID == uuid.Nil {
		return ErrClientIDRequired
	}

	if !payload.Amount.IsPositive() {
		return ErrAmountNotPositive
	}

	if payload.Currency == "" {
		return ErrCurrencyRequired
	}

	return nil
}

// Store applies antifraud status changes inside the harness transaction.
type Store interface {
	BlockClient(ctx context.Context, tx *sql.Tx, clientID uuid.UUID, reason string) error
	RecordCredit(ctx context.Context, tx *sql.Tx, credit MoneyCredited) error
}

// StatusHandler routes account activity events to the antifraud store.
type StatusHandler struct {
	store Store
}

var _ consumer.Handler = (*StatusHandler)(nil)

// NewStatusHandler creates the antifraud consumer.
func NewStatusHandler(store Store) (*StatusHandler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	return &StatusHandler{store: store}, nil
}

// Name identifies the handler in the idempotency ledger.
func (handler *StatusHandler) Name() string { return "antifraud-status" }

// Version is the envelope protocol version this handler understands.
func (handler *StatusHandler) Version() string { return events.ProtocolVersion }

// Handle dispatches on the delivery routing key. An unknown key is a
// permanent error; the harness quarantines it after retries.
func (handler *StatusHandler) Handle(ctx context.Context, tx *sql.Tx, envelope *events.Envelope) error {
	routingKey := consumer.RoutingKeyFromContext(ctx)

	switch routingKey {
	case RoutingKeyClientBlocked:
		return handler.handleClientBlocked(ctx, tx, envelope)
	case RoutingKeyMoneyCredited:
		return handler.handleMoneyCredited(ctx, tx, envelope)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedRoutingKey, routingKey)
	}
}

func (handler *StatusHandler) handleClientBlocked(ctx context.Context, tx *sql.Tx, envelope *events.Envelope) error {
	var payload ClientBlocked
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("parse client.blocked payload: %w", err)
	}

	if err := payload.Validate(); err != nil {
		return err
	}

	return handler.store.BlockClient(ctx, tx, payload.ClientID, payload.Reason)
}

func (handler *StatusHandler) handleMoneyCredited(ctx context.Context, tx *sql.Tx, envelope *events.Envelope) error {
	var payload MoneyCredited
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("parse money.credited payload: %w", err)
	}

	if err := payload.Validate(); err != nil {
		return err
	}

	return handler.store.RecordCredit(ctx, tx, payload)
}
