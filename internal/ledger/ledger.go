// Package ledger provides the durable transaction history behind domain.Ledger.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
)

// DefaultFlaggedLimit is used when QueryFlagged receives a non-positive limit.
const DefaultFlaggedLimit = 100

// ErrInvalidInput is returned for calls missing required arguments.
var ErrInvalidInput = errors.New("invalid input")

// New creates a ledger based on configuration.
func New(ctx context.Context, cfg domain.LedgerConfig) (domain.Ledger, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		return NewSQL(cfg)
	case "mongo":
		return NewMongo(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
}

// SQLLedger implements domain.Ledger using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLLedger struct {
	db     *sql.DB
	driver string
}

// NewSQL opens a SQL ledger and runs migrations.
func NewSQL(cfg domain.LedgerConfig) (*SQLLedger, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(&cfg)
	case "postgres":
		db, err = openPostgres(&cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	l := &SQLLedger{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return l, nil
}

func (l *SQLLedger) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := l.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores a transaction with its decision and returns the persisted record.
func (l *SQLLedger) Insert(ctx context.Context, tx *domain.Transaction, d *domain.Decision) (*domain.Record, error) {
	rec, err := newRecord(tx, d)
	if err != nil {
		return nil, err
	}

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reasons: %w", err)
	}

	var mlScore sql.NullFloat64
	if rec.MLScore != nil {
		mlScore = sql.NullFloat64{Float64: *rec.MLScore, Valid: true}
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, location, merchant_category, timestamp_ns,
			risk_level, reasons, ml_score, is_flagged, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = l.db.ExecContext(ctx, l.rebind(query),
		rec.ID, rec.UserID, rec.Amount, rec.Location, rec.MerchantCategory,
		rec.Timestamp.UnixNano(),
		string(rec.RiskLevel), string(reasons), mlScore, rec.IsFlagged,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert: %w", domain.ErrLedgerUnavailable, err)
	}
	return rec, nil
}

// QueryFlagged returns a user's flagged records, most recent first.
func (l *SQLLedger) QueryFlagged(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	query := `
		SELECT id, user_id, amount, location, merchant_category, timestamp_ns,
			   risk_level, reasons, ml_score, is_flagged, created_at_ns
		FROM transactions
		WHERE user_id = ? AND is_flagged = ?
		ORDER BY timestamp_ns DESC, created_at_ns DESC
		LIMIT ?
	`

	rows, err := l.db.QueryContext(ctx, l.rebind(query), userID, true, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query flagged: %w", domain.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		var (
			rec       domain.Record
			risk      string
			reasons   string
			mlScore   sql.NullFloat64
			tsNanos   int64
			createdNs int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Amount, &rec.Location, &rec.MerchantCategory, &tsNanos,
			&risk, &reasons, &mlScore, &rec.IsFlagged, &createdNs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flagged record: %w", err)
		}

		rec.Timestamp = time.Unix(0, tsNanos).UTC()
		rec.CreatedAt = time.Unix(0, createdNs).UTC()
		rec.RiskLevel = domain.RiskLevel(risk)
		if mlScore.Valid {
			v := mlScore.Float64
			rec.MLScore = &v
		}
		rec.Reasons = []string{}
		if reasons != "" {
			if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
				return nil, fmt.Errorf("failed to decode reasons for record %s: %w", rec.ID, err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query flagged: %w", domain.ErrLedgerUnavailable, err)
	}

	return records, nil
}

// QueryHistory returns a user's transactions at or after since, oldest first.
// A zero since returns the full history.
func (l *SQLLedger) QueryHistory(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, amount, location, merchant_category, timestamp_ns
		FROM transactions
		WHERE user_id = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns ASC, created_at_ns ASC
	`

	rows, err := l.db.QueryContext(ctx, l.rebind(query), userID, sinceNanos(since))
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", domain.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var tsNanos int64
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Location, &tx.MerchantCategory, &tsNanos); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		tx.Timestamp = time.Unix(0, tsNanos).UTC()
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query history: %w", domain.ErrLedgerUnavailable, err)
	}

	return txs, nil
}

// ListUsers returns every user with at least one transaction, sorted.
func (l *SQLLedger) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM transactions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", domain.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list users: %w", domain.ErrLedgerUnavailable, err)
	}
	return users, nil
}

// Ping checks database connectivity.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (l *SQLLedger) rebind(query string) string {
	if l.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// newRecord validates tx and assigns the ledger id.
func newRecord(tx *domain.Transaction, d *domain.Decision) (*domain.Record, error) {
	if tx == nil || d == nil {
		return nil, fmt.Errorf("%w: transaction and decision are required", ErrInvalidInput)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	rec := domain.NewRecord(tx, d)
	rec.ID = uuid.New().String()
	if rec.Reasons == nil {
		rec.Reasons = []string{}
	}
	return rec, nil
}

func sinceNanos(since time.Time) int64 {
	switch {
	case since.IsZero(), since.Before(domain.MinTimestamp):
		return math.MinInt64
	case since.After(domain.MaxTimestamp):
		return math.MaxInt64
	}
	return since.UnixNano()
}
