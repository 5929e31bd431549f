package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/merlin/internal/domain"
)

// postgresDSN builds the lib/pq connection URL with ledger defaults.
func postgresDSN(cfg domain.LedgerConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "merlin"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"application_name": {"merlin-ledger"},
			"connect_timeout":  {"5"},
		}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}

// openPostgres opens the ledger database on a PostgreSQL server.
func openPostgres(cfg *domain.LedgerConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(*cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres ledger at %s:%d: %w", cfg.PostgresHost, cfg.PostgresPort, err)
	}

	return db, nil
}
