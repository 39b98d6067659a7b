// Package postgres persists the audit trail in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianbank/lib-eventrelay/audit"
	"github.com/meridianbank/lib-eventrelay/log"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("audit store not initialized")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const defaultTableName = "audit_events"

// Option configures the store.
type Option func(*Store)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTableName overrides the audit table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store persists the audit trail in PostgreSQL.
type Store struct {
	conn      *libPostgres.Connection
	logger    log.Logger
	tableName string
}

var _ audit.Store = (*Store)(nil)

// NewStore creates the PostgreSQL audit trail store.
func NewStore(conn *libPostgres.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("audit table name: %w", err)
	}

	return store, nil
}

// RecordWithTx appends inside the caller's transaction.
func (store *Store) RecordWithTx(ctx context.Context, tx *sql.Tx, event *audit.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if tx == nil {
		return errors.New("database transaction is required")
	}

	if err := validateEvent(event); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, store.insertQuery(),
		event.ID, event.RoutingKey, event.MessageID, event.Payload, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}

	return nil
}

// Record appends outside any transaction.
func (store *Store) Record(ctx context.Context, event *audit.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if err := validateEvent(event); err != nil {
		return err
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}

	_, err = db.ExecContext(ctx, store.insertQuery(),
		event.ID, event.RoutingKey, event.MessageID, event.Payload, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}

	return nil
}

// CountByMessageID counts trail records for one message.
func (store *Store) CountByMessageID(ctx context.Context, messageID uuid.UUID) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return 0, ErrStoreNotInitialized
	}

	if messageID == uuid.Nil {
		return 0, audit.ErrMessageIDRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}

	query := "SELECT COUNT(*) FROM " + quoteIdentifier(store.tableName) + " WHERE message_id = $1"

	var count int64
	if err := db.QueryRowContext(ctx, query, messageID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}

	return count, nil
}

func (store *Store) insertQuery() string {
	return "INSERT INTO " + quoteIdentifier(store.tableName) +
		" (id, routing_key, message_id, payload, received_at) VALUES ($1, $2, $3, $4, $5)"
}

func validateEvent(event *audit.Event) error {
	if event == nil {
		return audit.ErrEventRequired
	}

	if event.MessageID == uuid.Nil {
		return audit.ErrMessageIDRequired
	}

	if event.RoutingKey == "" {
		return audit.ErrRoutingKeyRequired
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func validateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}
