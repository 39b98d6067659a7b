package eventrelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianbank/lib-eventrelay/log"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
	"github.com/meridianbank/lib-eventrelay/rabbitmq"
)

// Status is a health probe outcome.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

var ErrHealthNotConfigured = errors.New("health checks are not configured")

// UndeliveredCounter reports the outbox backlog. Satisfied by the outbox
// repository.
type UndeliveredCounter interface {
	CountUndelivered(ctx context.Context) (int64, error)
}

// HealthOption configures Health.
type HealthOption func(*Health)

// WithHealthLogger sets a structured logger.
func WithHealthLogger(logger log.Logger) HealthOption {
	return func(health *Health) {
		if logger != nil {
			health.logger = logger
		}
	}
}

// WithBacklog wires the outbox backlog into readiness: more than threshold
// undelivered rows reports degraded.
func WithBacklog(counter UndeliveredCounter, threshold int64) HealthOption {
	return func(health *Health) {
		health.counter = counter
		health.backlogThreshold = threshold
	}
}

// Health implements the liveness and readiness probes: liveness verifies the
// outbox database is reachable and a broker connection can be opened;
// readiness additionally inspects the outbox backlog.
type Health struct {
	db                     *libPostgres.Connection
	brokerConnectionString string
	counter                UndeliveredCounter
	backlogThreshold       int64
	logger                 log.Logger
}

// NewHealth creates the health probe surface.
func NewHealth(db *libPostgres.Connection, brokerConnectionString string, opts ...HealthOption) (*Health, error) {
	if db == nil && brokerConnectionString == "" {
		return nil, ErrHealthNotConfigured
	}

	health := &Health{
		db:                     db,
		brokerConnectionString: brokerConnectionString,
		logger:                 log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(health)
		}
	}

	return health, nil
}

// Liveness pings the database and dials the broker.
func (health *Health) Liveness(ctx context.Context) error {
	if health == nil {
		return ErrHealthNotConfigured
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if health.db != nil {
		if err := health.db.Ping(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
	}

	if health.brokerConnectionString != "" {
		if err := rabbitmq.Ping(ctx, health.brokerConnectionString); err != nil {
			return fmt.Errorf("broker unreachable: %w", err)
		}
	}

	return nil
}

// Readiness runs liveness and then inspects the outbox backlog. A backlog
// above the threshold reports degraded: the pipeline is alive but consumers
// are falling behind the producers.
func (health *Health) Readiness(ctx context.Context) (Status, error) {
	if health == nil {
		return StatusDown, ErrHealthNotConfigured
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := health.Liveness(ctx); err != nil {
		return StatusDown, err
	}

	if health.counter == nil {
		return StatusUp, nil
	}

	undelivered, err := health.counter.CountUndelivered(ctx)
	if err != nil {
		health.logger.Log(ctx, log.LevelWarn, "failed to count undelivered outbox rows", log.Err(err))

		return StatusDown, fmt.Errorf("outbox backlog check: %w", err)
	}

	if health.backlogThreshold > 0 && undelivered > health.backlogThreshold {
		health.logger.Log(ctx, log.LevelWarn, "outbox backlog above threshold",
			log.Int("undelivered", int(undelivered)),
			log.Int("threshold", int(health.backlogThreshold)),
		)

		return StatusDegraded, nil
	}

	return StatusUp, nil
}
