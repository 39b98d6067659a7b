// Package postgres persists the inbox ledgers in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridianbank/lib-eventrelay/inbox"
	"github.com/meridianbank/lib-eventrelay/log"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
	ErrLetterRequired      = errors.New("dead letter is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const (
	defaultConsumedTable   = "inbox_consumed"
	defaultDeadLetterTable = "inbox_dead_letters"

	uniqueViolationCode = "23505"
)

// ConsumedStore persists the idempotency ledger in PostgreSQL.
type ConsumedStore struct {
	conn      *libPostgres.Connection
	logger    log.Logger
	tableName string
}

var _ inbox.ConsumedStore = (*ConsumedStore)(nil)

// ConsumedOption configures the consumed store.
type ConsumedOption func(*ConsumedStore)

// WithConsumedLogger sets a structured logger.
func WithConsumedLogger(logger log.Logger) ConsumedOption {
	return func(store *ConsumedStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithConsumedTableName overrides the ledger table name.
func WithConsumedTableName(tableName string) ConsumedOption {
	return func(store *ConsumedStore) {
		store.tableName = tableName
	}
}

// NewConsumedStore creates the PostgreSQL idempotency ledger.
func NewConsumedStore(conn *libPostgres.Connection, opts ...ConsumedOption) (*ConsumedStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &ConsumedStore{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultConsumedTable,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultConsumedTable
	}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("consumed table name: %w", err)
	}

	return store, nil
}

// MarkConsumed inserts the dedup row inside the caller's transaction. A
// composite-key collision maps to inbox.ErrAlreadyConsumed so the harness
// can distinguish a concurrent duplicate from a storage failure.
func (store *ConsumedStore) MarkConsumed(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, serviceName, handlerName string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if tx == nil {
		return inbox.ErrTransactionRequired
	}

	if err := validateKey(messageID, serviceName, handlerName); err != nil {
		return err
	}

	query := "INSERT INTO " + quoteIdentifier(store.tableName) +
		" (message_id, service_name, handler_name, consumed_at) VALUES ($1, $2, $3, $4)"

	_, err := tx.ExecContext(ctx, query, messageID, serviceName, handlerName, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return inbox.ErrAlreadyConsumed
		}

		return fmt.Errorf("marking message consumed: %w", err)
	}

	return nil
}

// IsConsumed reports whether the ledger already holds the composite key.
func (store *ConsumedStore) IsConsumed(ctx context.Context, messageID uuid.UUID, serviceName, handlerName string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return false, ErrStoreNotInitialized
	}

	if err := validateKey(messageID, serviceName, handlerName); err != nil {
		return false, err
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return false, fmt.Errorf("checking consumed message: %w", err)
	}

	query := "SELECT EXISTS (SELECT 1 FROM " + quoteIdentifier(store.tableName) +
		" WHERE message_id = $1 AND service_name = $2 AND handler_name = $3)"

	var consumed bool
	if err := db.QueryRowContext(ctx, query, messageID, serviceName, handlerName).Scan(&consumed); err != nil {
		return false, fmt.Errorf("checking consumed message: %w", err)
	}

	return consumed, nil
}

// DeadLetterStore persists quarantined messages in PostgreSQL.
type DeadLetterStore struct {
	conn      *libPostgres.Connection
	logger    log.Logger
	tableName string
}

var _ inbox.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterOption configures the dead-letter store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterLogger sets a structured logger.
func WithDeadLetterLogger(logger log.Logger) DeadLetterOption {
	return func(store *DeadLetterStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithDeadLetterTableName overrides the quarantine table name.
func WithDeadLetterTableName(tableName string) DeadLetterOption {
	return func(store *DeadLetterStore) {
		store.tableName = tableName
	}
}

// NewDeadLetterStore creates the PostgreSQL dead-letter quarantine.
func NewDeadLetterStore(conn *libPostgres.Connection, opts ...DeadLetterOption) (*DeadLetterStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &DeadLetterStore{
		conn:      conn,
		logger:    log.NewNop(),
		tableName: defaultDeadLetterTable,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultDeadLetterTable
	}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("dead letter table name: %w", err)
	}

	return store, nil
}

// Record upserts by message id. Repeat failures for the same message update
// the last attempt timestamp and error text instead of inserting a second
// row.
func (store *DeadLetterStore) Record(ctx context.Context, letter *inbox.DeadLetter) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return ErrStoreNotInitialized
	}

	if letter == nil {
		return ErrLetterRequired
	}

	if err := letter.Validate(); err != nil {
		return err
	}

	headers, err := marshalHeaders(letter.Headers)
	if err != nil {
		return fmt.Errorf("marshal dead letter headers: %w", err)
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}

	now := time.Now().UTC()

	receivedAt := letter.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	lastAttemptAt := letter.LastAttemptAt
	if lastAttemptAt.IsZero() {
		lastAttemptAt = now
	}

	query := "INSERT INTO " + quoteIdentifier(store.tableName) +
		" (message_id, service_name, handler_name, routing_key, payload, headers, error_message, received_at, last_attempt_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
		" ON CONFLICT (message_id) DO UPDATE SET" +
		" error_message = EXCLUDED.error_message, last_attempt_at = EXCLUDED.last_attempt_at"

	_, err = db.ExecContext(ctx, query,
		letter.MessageID,
		letter.ServiceName,
		letter.HandlerName,
		letter.RoutingKey,
		letter.Payload,
		headers,
		letter.ErrorMessage,
		receivedAt,
		lastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}

	return nil
}

// GetByMessageID retrieves a quarantined message.
func (store *DeadLetterStore) GetByMessageID(ctx context.Context, messageID uuid.UUID) (*inbox.DeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return nil, ErrStoreNotInitialized
	}

	if messageID == uuid.Nil {
		return nil, inbox.ErrMessageIDRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting dead letter: %w", err)
	}

	query := "SELECT message_id, service_name, handler_name, routing_key, payload, headers, error_message, received_at, last_attempt_at" +
		" FROM " + quoteIdentifier(store.tableName) + " WHERE message_id = $1"

	var (
		letter  inbox.DeadLetter
		headers []byte
	)

	err = db.QueryRowContext(ctx, query, messageID).Scan(
		&letter.MessageID,
		&letter.ServiceName,
		&letter.HandlerName,
		&letter.RoutingKey,
		&letter.Payload,
		&headers,
		&letter.ErrorMessage,
		&letter.ReceivedAt,
		&letter.LastAttemptAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting dead letter: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &letter.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter headers: %w", err)
		}
	}

	return &letter, nil
}

// Count returns the number of quarantined messages for a service.
func (store *DeadLetterStore) Count(ctx context.Context, serviceName string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if store == nil || store.conn == nil {
		return 0, ErrStoreNotInitialized
	}

	if serviceName == "" {
		return 0, inbox.ErrServiceNameRequired
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}

	query := "SELECT COUNT(*) FROM " + quoteIdentifier(store.tableName) + " WHERE service_name = $1"

	var count int64
	if err := db.QueryRowContext(ctx, query, serviceName).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}

	return count, nil
}

func validateKey(messageID uuid.UUID, serviceName, handlerName string) error {
	if messageID == uuid.Nil {
		return inbox.ErrMessageIDRequired
	}

	if serviceName == "" {
		return inbox.ErrServiceNameRequired
	}

	if handlerName == "" {
		return inbox.ErrHandlerNameRequired
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}

	return false
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	return json.Marshal(headers)
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
