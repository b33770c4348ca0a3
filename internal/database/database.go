package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"tenebrinet/internal/config"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// DB wraps the SQL connection and carries the driver name so repositories
// can pick the right placeholder style.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// New opens the database, configures the pool and initializes the schema.
func New(logger *zap.Logger, cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{
		logger: logger,
		db:     db,
		driver: cfg.Driver,
	}

	if err := d.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database connected",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.New("database not initialized")
	}
	return d.db.PingContext(ctx)
}

// Execute runs a statement without returning rows.
func (d *DB) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	if duration := time.Since(start); duration > 100*time.Millisecond {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", duration),
		)
	}
	return result, err
}

// Query runs a query and returns rows.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if duration := time.Since(start); duration > 100*time.Millisecond {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", duration),
		)
	}
	return rows, err
}

// QueryRow runs a query expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Stats returns connection pool statistics.
func (d *DB) Stats() sql.DBStats {
	if d.db == nil {
		return sql.DBStats{}
	}
	return d.db.Stats()
}

// initializeSchema creates the tables if they do not exist. The UNIQUE
// constraint on attacks.fingerprint is what makes persistence idempotent:
// a retried unit re-runs its inserts and the duplicates are ignored.
func (d *DB) initializeSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var statements []string
	switch d.driver {
	case "sqlite3":
		statements = []string{
			`CREATE TABLE IF NOT EXISTS attacks (
				id TEXT PRIMARY KEY,
				fingerprint TEXT NOT NULL UNIQUE,
				source_ip TEXT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				service TEXT NOT NULL,
				payload BLOB,
				category TEXT NOT NULL,
				confidence REAL NOT NULL,
				country TEXT,
				asn INTEGER,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_timestamp ON attacks (timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_source_ip ON attacks (source_ip)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_category ON attacks (category)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				attack_id TEXT NOT NULL REFERENCES attacks(id),
				start_time TIMESTAMP NOT NULL,
				end_time TIMESTAMP,
				commands TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS credentials (
				id TEXT PRIMARY KEY,
				attack_id TEXT NOT NULL REFERENCES attacks(id),
				username TEXT NOT NULL,
				password TEXT NOT NULL,
				success INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credentials_attack ON credentials (attack_id)`,
		}
	case "postgres":
		statements = []string{
			`CREATE TABLE IF NOT EXISTS attacks (
				id UUID PRIMARY KEY,
				fingerprint TEXT NOT NULL UNIQUE,
				source_ip TEXT NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				service TEXT NOT NULL,
				payload BYTEA,
				category TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL,
				country TEXT,
				asn INTEGER,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_timestamp ON attacks (timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_source_ip ON attacks (source_ip)`,
			`CREATE INDEX IF NOT EXISTS idx_attacks_category ON attacks (category)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id UUID PRIMARY KEY,
				attack_id UUID NOT NULL REFERENCES attacks(id),
				start_time TIMESTAMPTZ NOT NULL,
				end_time TIMESTAMPTZ,
				commands JSONB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS credentials (
				id UUID PRIMARY KEY,
				attack_id UUID NOT NULL REFERENCES attacks(id),
				username TEXT NOT NULL,
				password TEXT NOT NULL,
				success BOOLEAN NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credentials_attack ON credentials (attack_id)`,
		}
	default:
		return fmt.Errorf("unsupported driver for schema initialization: %s", d.driver)
	}

	for _, stmt := range statements {
		if _, err := d.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
