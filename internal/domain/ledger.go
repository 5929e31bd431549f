package domain

import (
	"context"
	"time"
)

// Ledger is the authoritative, durable transaction history.
// The risk engine only reads it from the refresh scheduler and from
// training; the hot path never blocks on it.
type Ledger interface {
	// Insert stores a transaction together with its decision.
	Insert(ctx context.Context, tx *Transaction, d *Decision) (*Record, error)

	// QueryFlagged returns a user's flagged records, most recent first, at most limit.
	QueryFlagged(ctx context.Context, userID string, limit int) ([]*Record, error)

	// QueryHistory returns a user's transactions with timestamp >= since, oldest first.
	QueryHistory(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)

	// ListUsers returns every user with at least one transaction.
	ListUsers(ctx context.Context) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LedgerConfig holds configuration for ledger initialization.
type LedgerConfig struct {
	// Driver is one of "sqlite", "postgres", "mongo" or "memory".
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// MongoDB specific
	MongoHost   string
	MongoPort   int
	MongoDBName string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
