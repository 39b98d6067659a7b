// Package consumer provides a generic idempotent consumer harness.
//
// The harness owns the broker connection lifecycle, per-message retries, the
// idempotency check against the inbox ledger, and dead-letter quarantine.
// Concrete consumers are plain Handler implementations plugged into the
// harness; they never touch the broker.
package consumer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meridianbank/lib-eventrelay/events"
)

var (
	ErrHandlerRequired          = errors.New("handler is required")
	ErrConsumedStoreRequired    = errors.New("consumed store is required")
	ErrDeadLetterStoreRequired  = errors.New("dead letter store is required")
	ErrDatabaseRequired         = errors.New("database connection is required")
	ErrConnectionStringRequired = errors.New("broker connection string is required")
	ErrServiceNameRequired      = errors.New("service name is required")
	ErrQueueRequired            = errors.New("queue name is required")
	ErrExchangeRequired         = errors.New("exchange name is required")
	ErrHarnessRequired          = errors.New("harness is required")
	ErrHarnessRunning           = errors.New("harness is already running")
)

// Handler processes one decoded envelope inside the harness-owned database
// transaction. The harness commits the transaction together with the
// idempotency row, so a handler's effects are applied at most once per
// message.
type Handler interface {
	// Name identifies the handler in the idempotency ledger and the
	// dead-letter quarantine.
	Name() string

	// Version is the envelope protocol version the handler understands.
	// Mismatched envelopes are dead-lettered without invoking Handle.
	Version() string

	// Handle applies the handler's effect. Returning an error rolls the
	// transaction back; the harness retries with backoff.
	Handle(ctx context.Context, tx *sql.Tx, envelope *events.Envelope) error
}

// AuditRecorder observes every delivery the harness receives, before dedup
// and handling. Failures are logged, never fatal.
type AuditRecorder interface {
	RecordReceived(ctx context.Context, routingKey string, messageID uuid.UUID, receivedAt time.Time) error
}

// State is the harness connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// Config controls harness connection and retry behavior.
type Config struct {
	// ServiceName keys the idempotency ledger together with the handler
	// name.
	ServiceName string
	// Queue is the consumer queue. Declared with dead-lettering enabled.
	Queue string
	// Exchange is the topic exchange the queue binds to.
	Exchange string
	// BindingKeys are the routing-key patterns the queue subscribes to.
	BindingKeys []string
	// Prefetch is the broker QoS prefetch count. One unacknowledged
	// message in flight keeps handling sequential per instance.
	Prefetch int
	// MaxAttempts bounds per-message handler retries.
	MaxAttempts int
	// RetryBase is the base for the per-attempt backoff 2^(attempt-1).
	RetryBase time.Duration
	// ReconnectCap bounds the reconnect backoff.
	ReconnectCap time.Duration
	// ReconnectJitter is the max random fraction added to reconnect
	// delays.
	ReconnectJitter float64
}

// DefaultConfig returns the baseline harness configuration: prefetch 1, ten
// handler attempts with exponential backoff, reconnect delays capped at 60s
// with 10% jitter.
func DefaultConfig() Config {
	return Config{
		Prefetch:        1,
		MaxAttempts:     10,
		RetryBase:       1 * time.Second,
		ReconnectCap:    60 * time.Second,
		ReconnectJitter: 0.10,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaults.Prefetch
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}

	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaults.ReconnectCap
	}

	if cfg.ReconnectJitter <= 0 || cfg.ReconnectJitter > 1 {
		cfg.ReconnectJitter = defaults.ReconnectJitter
	}
}

func (cfg Config) validate() error {
	if cfg.ServiceName == "" {
		return ErrServiceNameRequired
	}

	if cfg.Queue == "" {
		return ErrQueueRequired
	}

	if cfg.Exchange == "" {
		return ErrExchangeRequired
	}

	return nil
}
