// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"math"
	"strings"
	"time"
)

// Timestamps must fit in int64 Unix nanoseconds, the ledger's storage format.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Transaction is an incoming transaction to be evaluated.
// It is never mutated after creation.
type Transaction struct {
	// ID is assigned by the ledger on insert; evaluation does not use it.
	ID string `json:"id,omitempty"`

	UserID           string    `json:"user_id"`
	Amount           float64   `json:"amount"`
	Location         string    `json:"location"`
	MerchantCategory string    `json:"merchant_category"`
	Timestamp        time.Time `json:"timestamp"`
}

// TransactionRequest is the API request payload for POST /transactions.
type TransactionRequest struct {
	UserID           string    `json:"user_id"`
	Amount           *float64  `json:"amount"`
	Location         string    `json:"location"`
	MerchantCategory string    `json:"merchant_category"`
	Timestamp        time.Time `json:"timestamp"`
}

// ToTransaction validates the request and converts it to a normalized Transaction.
// Location is upper-cased and merchant category lower-cased so that
// rule comparisons and feature encodings see canonical values.
func (r *TransactionRequest) ToTransaction() (*Transaction, error) {
	if r.Amount == nil {
		return nil, &ValidationError{Field: "amount", Message: "is required"}
	}

	tx := &Transaction{
		UserID:           strings.TrimSpace(r.UserID),
		Amount:           *r.Amount,
		Location:         strings.ToUpper(strings.TrimSpace(r.Location)),
		MerchantCategory: strings.ToLower(strings.TrimSpace(r.MerchantCategory)),
		Timestamp:        r.Timestamp.UTC(),
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Validate checks the fields the risk engine depends on.
func (t *Transaction) Validate() error {
	switch {
	case t.UserID == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0):
		return &ValidationError{Field: "amount", Message: "must be a finite number"}
	case t.Amount < 0:
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	case t.Location == "":
		return &ValidationError{Field: "location", Message: "is required"}
	case t.MerchantCategory == "":
		return &ValidationError{Field: "merchant_category", Message: "is required"}
	case t.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Message: "is required"}
	case t.Timestamp.Before(MinTimestamp) || t.Timestamp.After(MaxTimestamp):
		return &ValidationError{Field: "timestamp", Message: "is out of range"}
	}
	return nil
}

// Record is a transaction as persisted in the ledger together with its decision.
type Record struct {
	Transaction

	RiskLevel RiskLevel `json:"risk_level"`
	Reasons   []string  `json:"reasons"`
	MLScore   *float64  `json:"ml_score"`
	IsFlagged bool      `json:"is_flagged"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord pairs a transaction with the decision made for it.
func NewRecord(tx *Transaction, d *Decision) *Record {
	rec := &Record{
		Transaction: *tx,
		CreatedAt:   time.Now().UTC(),
	}
	if d != nil {
		rec.RiskLevel = d.RiskLevel
		rec.Reasons = append([]string(nil), d.Reasons...)
		rec.MLScore = d.MLScore
		rec.IsFlagged = d.Flagged()
	}
	return rec
}
