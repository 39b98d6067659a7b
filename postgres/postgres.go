// Package postgres provides the shared PostgreSQL connection hub used by the
// outbox, inbox, and audit stores. It resolves reads to a replica and writes
// to the primary, and runs schema migrations on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meridianbank/lib-eventrelay/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub dealing with postgres connections for the library's
// three tables (outbox, inbox ledgers, audit trail).
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	db        dbresolver.DB
	primary   *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}

	if conn.ConnectionStringReplica == "" {
		conn.ConnectionStringReplica = conn.ConnectionStringPrimary
	}
}

// Connect opens primary and replica pools, runs migrations, and pings.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.db != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	tunePool(primary, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replica, err := sql.Open("pgx", conn.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	tunePool(replica, conn.MaxOpenConnections, conn.MaxIdleConnections)

	resolved, err := newResolver(primary, replica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if conn.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(conn.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrations(ctx, primary, migrationsPath, conn.DatabaseName, conn.Logger); err != nil {
			return err
		}
	}

	if err := resolved.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.db = resolved
	conn.primary = primary
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

func newResolver(primary, replica *sql.DB) (resolved dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("failed to create resolver: %v", recovered)
		}
	}()

	resolved = dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if resolved == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return resolved, nil
}

// GetDB returns the resolver, connecting lazily if necessary.
func (conn *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.db != nil {
		db := conn.db
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.db != nil {
		return conn.db, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.db, nil
}

// Primary returns the primary pool for transactional writes.
func (conn *Connection) Primary(ctx context.Context) (*sql.DB, error) {
	if _, err := conn.GetDB(ctx); err != nil {
		return nil, err
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if conn.primary == nil {
		return nil, errors.New("primary database not connected")
	}

	return conn.primary, nil
}

// Ping verifies database reachability. Used by the liveness check.
func (conn *Connection) Ping(ctx context.Context) error {
	db, err := conn.GetDB(ctx)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	return nil
}

// IsConnected reports whether the resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.db == nil {
		return nil
	}

	err := conn.db.Close()
	conn.db = nil
	conn.primary = nil
	conn.connected = false

	return err
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for part := range strings.SplitSeq(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(ctx context.Context, primary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
