package ledger

// Schema definitions for the Merlin ledger.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored as
// Unix nanoseconds so ordering is exact on either engine.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    location TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    timestamp_ns BIGINT NOT NULL,
    risk_level TEXT NOT NULL,
    reasons TEXT NOT NULL,
    ml_score DOUBLE PRECISION,
    is_flagged BOOLEAN NOT NULL,
    created_at_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_transactions_user_flagged ON transactions(user_id, is_flagged, timestamp_ns);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
	}
}
