package eventrelay

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/meridianbank/lib-eventrelay/rabbitmq"
)

var (
	ErrConsumersRequireBroker = errors.New("consumers require the broker feature")
	ErrConsumersRequireInbox  = errors.New("consumers require the inbox feature")
	ErrOutboxRequiresBroker   = errors.New("outbox requires the broker feature")
)

// Features is the subset of pipeline components a service enables.
type Features struct {
	// Outbox enables the producer and dispatcher.
	Outbox bool
	// Inbox enables the idempotency and dead-letter ledgers.
	Inbox bool
	// Audit enables the received-message trail.
	Audit bool
	// Broker enables the RabbitMQ connection.
	Broker bool
	// Consumers enables the consumer harnesses.
	Consumers bool
}

// DatabaseConfig locates the PostgreSQL primary and optional read replica.
type DatabaseConfig struct {
	Host        string `validate:"required"`
	Port        string `validate:"required"`
	User        string `validate:"required"`
	Password    string
	Name        string `validate:"required"`
	ReplicaHost string
	ReplicaPort string
	SSLMode     string
	// MigrationsPath points at the embedded or on-disk migration files.
	MigrationsPath string
	MaxOpenConns   int `validate:"gte=0"`
	MaxIdleConns   int `validate:"gte=0"`
}

// PrimaryDSN builds the primary connection string.
func (cfg DatabaseConfig) PrimaryDSN() string {
	return cfg.dsn(cfg.Host, cfg.Port)
}

// ReplicaDSN builds the replica connection string; falls back to the primary
// when no replica is configured.
func (cfg DatabaseConfig) ReplicaDSN() string {
	if cfg.ReplicaHost == "" {
		return cfg.PrimaryDSN()
	}

	port := cfg.ReplicaPort
	if port == "" {
		port = cfg.Port
	}

	return cfg.dsn(cfg.ReplicaHost, port)
}

func (cfg DatabaseConfig) dsn(host, port string) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + cfg.Name,
	}

	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// BrokerConfig locates the RabbitMQ broker.
type BrokerConfig struct {
	Protocol string `validate:"required,oneof=amqp amqps"`
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string
	Password string
	VHost    string
	// Exchange is the topic exchange events flow through.
	Exchange string `validate:"required"`
}

// ConnectionString builds the AMQP connection string.
func (cfg BrokerConfig) ConnectionString() string {
	return rabbitmq.BuildConnectionString(cfg.Protocol, cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
}

// Config is the typed configuration surface, validated once at
// construction. No mutable builder, no hidden flags.
type Config struct {
	// ServiceName keys outbox rows and the idempotency ledger.
	ServiceName string `validate:"required"`

	Features Features

	Database DatabaseConfig
	Broker   BrokerConfig

	// BacklogThreshold is the undelivered-row count above which readiness
	// reports degraded.
	BacklogThreshold int64 `validate:"gte=0"`
}

// Validate checks field constraints and the feature dependency graph:
// Consumers need Broker and Inbox, Outbox needs Broker.
func (cfg Config) Validate() error {
	validate := validator.New()

	if err := validate.StructPartial(cfg, "ServiceName", "BacklogThreshold"); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Features.Outbox || cfg.Features.Inbox || cfg.Features.Audit || cfg.Features.Consumers {
		if err := validate.Struct(cfg.Database); err != nil {
			return fmt.Errorf("invalid database configuration: %w", err)
		}
	}

	if cfg.Features.Broker {
		if err := validate.Struct(cfg.Broker); err != nil {
			return fmt.Errorf("invalid broker configuration: %w", err)
		}
	}

	if cfg.Features.Consumers && !cfg.Features.Broker {
		return ErrConsumersRequireBroker
	}

	if cfg.Features.Consumers && !cfg.Features.Inbox {
		return ErrConsumersRequireInbox
	}

	if cfg.Features.Outbox && !cfg.Features.Broker {
		return ErrOutboxRequiresBroker
	}

	return nil
}

// FromEnv loads configuration from the environment, reading a .env file
// first when present, and validates it.
func FromEnv() (Config, error) {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := Config{
		ServiceName: os.Getenv("EVENTRELAY_SERVICE_NAME"),
		Features: Features{
			Outbox:    envBool("EVENTRELAY_OUTBOX_ENABLED"),
			Inbox:     envBool("EVENTRELAY_INBOX_ENABLED"),
			Audit:     envBool("EVENTRELAY_AUDIT_ENABLED"),
			Broker:    envBool("EVENTRELAY_BROKER_ENABLED"),
			Consumers: envBool("EVENTRELAY_CONSUMERS_ENABLED"),
		},
		Database: DatabaseConfig{
			Host:           os.Getenv("EVENTRELAY_DB_HOST"),
			Port:           envOrDefault("EVENTRELAY_DB_PORT", "5432"),
			User:           os.Getenv("EVENTRELAY_DB_USER"),
			Password:       os.Getenv("EVENTRELAY_DB_PASSWORD"),
			Name:           os.Getenv("EVENTRELAY_DB_NAME"),
			ReplicaHost:    os.Getenv("EVENTRELAY_DB_REPLICA_HOST"),
			ReplicaPort:    os.Getenv("EVENTRELAY_DB_REPLICA_PORT"),
			SSLMode:        os.Getenv("EVENTRELAY_DB_SSLMODE"),
			MigrationsPath: os.Getenv("EVENTRELAY_DB_MIGRATIONS_PATH"),
			MaxOpenConns:   envInt("EVENTRELAY_DB_MAX_OPEN_CONNS", 0),
			MaxIdleConns:   envInt("EVENTRELAY_DB_MAX_IDLE_CONNS", 0),
		},
		Broker: BrokerConfig{
			Protocol: envOrDefault("EVENTRELAY_BROKER_PROTOCOL", "amqp"),
			Host:     os.Getenv("EVENTRELAY_BROKER_HOST"),
			Port:     envOrDefault("EVENTRELAY_BROKER_PORT", "5672"),
			User:     os.Getenv("EVENTRELAY_BROKER_USER"),
			Password: os.Getenv("EVENTRELAY_BROKER_PASSWORD"),
			VHost:    os.Getenv("EVENTRELAY_BROKER_VHOST"),
			Exchange: os.Getenv("EVENTRELAY_BROKER_EXCHANGE"),
		},
		BacklogThreshold: int64(envInt("EVENTRELAY_BACKLOG_THRESHOLD", 0)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	return fallback
}

func envBool(key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return false
	}

	return value
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}
