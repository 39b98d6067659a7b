// Package postgres persists outbox messages in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianbank/lib-eventrelay/log"
	"github.com/meridianbank/lib-eventrelay/outbox"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrStateTransitionConflict  = errors.New("outbox message state transition conflict")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const (
	defaultTableName  = "outbox_messages"
	defaultClaimLease = 30 * time.Second

	outboxColumns = "id, created_at, service_name, routing_key, exchange, payload, headers, " +
		"publish_attempts, published_at, last_attempt_at, last_error, status, format_error_count, claimed_until"
)

// Option configures the repository.
type Option func(*Repository)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithClaimLease overrides how long a fetched batch stays claimed before
// another dispatcher instance may reclaim it.
func WithClaimLease(lease time.Duration) Option {
	return func(repo *Repository) {
		if lease > 0 {
			repo.claimLease = lease
		}
	}
}

// Repository persists outbox messages in PostgreSQL.
type Repository struct {
	conn       *libPostgres.Connection
	logger     log.Logger
	tableName  string
	claimLease time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:       conn,
		logger:     log.NewNop(),
		tableName:  defaultTableName,
		claimLease: defaultClaimLease,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// CreateWithTx inserts a PENDING row inside the caller's transaction.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, message *outbox.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return ErrRepositoryNotInitialized
	}

	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if message == nil {
		return outbox.ErrMessageRequired
	}

	headers, err := marshalHeaders(message.Headers)
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}

	query := "INSERT INTO " + quoteIdentifier(repo.tableName) +
		" (id, created_at, service_name, routing_key, exchange, payload, headers, publish_attempts, status, format_error_count)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

	_, err = tx.ExecContext(ctx, query,
		message.ID,
		message.CreatedAt,
		message.ServiceName,
		message.RoutingKey,
		message.Exchange,
		message.Payload,
		headers,
		message.PublishAttempts,
		string(outbox.StatusPending),
		message.FormatErrorCount,
	)
	if err != nil {
		return fmt.Errorf("creating outbox message: %w", err)
	}

	return nil
}

// FetchBatch atomically claims up to limit undelivered rows and returns
// them oldest first. Rows already claimed by a live lease are skipped, so
// concurrent dispatcher instances never double-publish a leased row.
func (repo *Repository) FetchBatch(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching outbox batch: %w", err)
	}

	now := time.Now().UTC()
	table := quoteIdentifier(repo.tableName)

	query := "UPDATE " + table + " SET claimed_until = $1" +
		" WHERE id IN (" +
		" SELECT id FROM " + table +
		" WHERE status IN ($2, $3) AND (claimed_until IS NULL OR claimed_until < $4)" +
		" ORDER BY created_at ASC LIMIT $5" +
		" FOR UPDATE SKIP LOCKED" +
		") RETURNING " + outboxColumns

	rows, err := db.QueryContext(ctx, query,
		now.Add(repo.claimLease),
		string(outbox.StatusPending),
		string(outbox.StatusError),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching outbox batch: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("fetching outbox batch: %w", err)
	}

	// UPDATE ... RETURNING does not guarantee row order.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// GetByID retrieves an outbox message by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifier(repo.tableName) + " WHERE id = $1"

	message, err := scanMessage(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return message, nil
}

// MarkSent finalizes a delivered row. SENT rows are never mutated again, so
// the predicate only matches rows still in a dispatchable state; a zero row
// count signals a state conflict.
func (repo *Repository) MarkSent(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("marking outbox message sent: %w", err)
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) + " SET" +
		" status = $2, published_at = $3, last_attempt_at = $3," +
		" publish_attempts = publish_attempts + 1, claimed_until = NULL" +
		" WHERE id = $1 AND status IN ($4, $5)"

	result, err := db.ExecContext(ctx, query,
		id,
		string(outbox.StatusSent),
		publishedAt.UTC(),
		string(outbox.StatusPending),
		string(outbox.StatusError),
	)
	if err != nil {
		return fmt.Errorf("marking outbox message sent: %w", err)
	}

	return requireOneRow(result)
}

// MarkFailed records a failed attempt in a single statement: attempts and
// format-error bookkeeping, claim release, and the PENDING/ERROR -> ERROR |
// BLOCKED decision. BLOCKED is reached only when both thresholds are met.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, formatError bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("marking outbox message failed: %w", err)
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) + " SET" +
		" publish_attempts = publish_attempts + 1," +
		" format_error_count = format_error_count + CASE WHEN $3 THEN 1 ELSE 0 END," +
		" last_error = $2, last_attempt_at = $4, claimed_until = NULL," +
		" status = CASE" +
		"  WHEN publish_attempts + 1 >= $5 AND format_error_count + CASE WHEN $3 THEN 1 ELSE 0 END >= $6 THEN $7" +
		"  ELSE $8" +
		" END" +
		" WHERE id = $1 AND status IN ($8, $9)"

	result, err := db.ExecContext(ctx, query,
		id,
		errMsg,
		formatError,
		time.Now().UTC(),
		outbox.BlockPublishAttempts,
		outbox.BlockFormatErrors,
		string(outbox.StatusBlocked),
		string(outbox.StatusError),
		string(outbox.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("marking outbox message failed: %w", err)
	}

	return requireOneRow(result)
}

// CountUndelivered counts rows that are neither SENT nor BLOCKED.
func (repo *Repository) CountUndelivered(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.conn == nil {
		return 0, ErrRepositoryNotInitialized
	}

	db, err := repo.conn.GetDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting undelivered outbox messages: %w", err)
	}

	query := "SELECT COUNT(*) FROM " + quoteIdentifier(repo.tableName) + " WHERE status NOT IN ($1, $2)"

	var count int64
	if err := db.QueryRowContext(ctx, query, string(outbox.StatusSent), string(outbox.StatusBlocked)).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting undelivered outbox messages: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*outbox.Message, error) {
	var (
		message       outbox.Message
		headers       []byte
		publishedAt   sql.NullTime
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
		claimedUntil  sql.NullTime
		rawStatus     string
	)

	err := row.Scan(
		&message.ID,
		&message.CreatedAt,
		&message.ServiceName,
		&message.RoutingKey,
		&message.Exchange,
		&message.Payload,
		&headers,
		&message.PublishAttempts,
		&publishedAt,
		&lastAttemptAt,
		&lastError,
		&rawStatus,
		&message.FormatErrorCount,
		&claimedUntil,
	)
	if err != nil {
		return nil, err
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	message.Status = status

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &message.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal outbox headers: %w", err)
		}
	}

	if publishedAt.Valid {
		publishedAtValue := publishedAt.Time
		message.PublishedAt = &publishedAtValue
	}

	if lastAttemptAt.Valid {
		lastAttemptValue := lastAttemptAt.Time
		message.LastAttemptAt = &lastAttemptValue
	}

	if lastError.Valid {
		message.LastError = lastError.String
	}

	if claimedUntil.Valid {
		claimedUntilValue := claimedUntil.Time
		message.ClaimedUntil = &claimedUntilValue
	}

	return &message, nil
}

func scanMessages(rows *sql.Rows) ([]*outbox.Message, error) {
	var messages []*outbox.Message

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	return json.Marshal(headers)
}

func requireOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return ErrStateTransitionConflict
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
