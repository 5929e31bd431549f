package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// MemoryLedger is an in-process domain.Ledger. Contents are lost on restart;
// it backs tests and single-run demos.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []*domain.Record
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{}
}

// Insert stores a copy of the transaction and decision.
func (m *MemoryLedger) Insert(ctx context.Context, tx *domain.Transaction, d *domain.Decision) (*domain.Record, error) {
	rec, err := newRecord(tx, d)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)

	out := *rec
	return &out, nil
}

// QueryFlagged returns a user's flagged records, most recent first.
func (m *MemoryLedger) QueryFlagged(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	m.mu.RLock()
	var out []*domain.Record
	for _, r := range m.records {
		if r.UserID == userID && r.IsFlagged {
			c := *r
			c.Reasons = slices.Clone(r.Reasons)
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *domain.Record) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryHistory returns a user's transactions at or after since, oldest first.
func (m *MemoryLedger) QueryHistory(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	m.mu.RLock()
	var out []*domain.Transaction
	for _, r := range m.records {
		if r.UserID == userID && !r.Timestamp.Before(since) {
			tx := r.Transaction
			out = append(out, &tx)
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b *domain.Transaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// ListUsers returns every user with at least one transaction, sorted.
func (m *MemoryLedger) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, r := range m.records {
		seen[r.UserID] = struct{}{}
	}
	m.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	slices.SortFunc(users, cmp.Compare[string])
	return users, nil
}

// Len returns the number of stored records.
func (m *MemoryLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Ping always succeeds.
func (m *MemoryLedger) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryLedger) Close() error {
	return nil
}
