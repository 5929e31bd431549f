// Package ingest is the path shared by the HTTP API and the bus worker:
// evaluate, persist, then announce the decision.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/metrics"
)

// Evaluator decides a transaction's risk.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error)
}

// Result is the outcome of processing one transaction.
type Result struct {
	Record   *domain.Record
	Decision *domain.Decision
}

// Service evaluates transactions and records the decisions.
type Service struct {
	evaluator Evaluator
	ledger    domain.Ledger
	bus       domain.EventBus
}

// NewService creates the ingest service. bus may be nil.
func NewService(evaluator Evaluator, ledger domain.Ledger, bus domain.EventBus) *Service {
	return &Service{
		evaluator: evaluator,
		ledger:    ledger,
		bus:       bus,
	}
}

// Process evaluates tx and writes it to the ledger before returning.
//
// When the write fails the decision is still returned alongside an error
// wrapping domain.ErrLedgerUnavailable. The in-memory baseline has already
// absorbed tx; the next refresh cycle reconciles it with the ledger.
func (s *Service) Process(ctx context.Context, tx *domain.Transaction) (*Result, error) {
	d, err := s.evaluator.Evaluate(ctx, tx)
	if err != nil {
		return nil, err
	}

	rec, err := s.ledger.Insert(ctx, tx, d)
	if err != nil {
		metrics.LedgerWriteFailuresTotal.Inc()
		slog.Error("failed to record decision",
			"user_id", tx.UserID,
			"risk_level", d.RiskLevel,
			"error", err,
		)
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
		}
		return &Result{Decision: d}, err
	}

	s.publish(ctx, rec, d)

	return &Result{Record: rec, Decision: d}, nil
}

// Flagged returns a user's flagged records, most recent first.
func (s *Service) Flagged(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	return s.ledger.QueryFlagged(ctx, userID, limit)
}

// publish announces the decision, and raises an alert for high risk.
// Failures are logged only.
func (s *Service) publish(ctx context.Context, rec *domain.Record, d *domain.Decision) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.DecisionEvent{
		RecordID:    rec.ID,
		Transaction: rec.Transaction,
		Decision:    *d,
	})
	if err != nil {
		slog.Error("failed to marshal decision event", "record_id", rec.ID, "error", err)
		return
	}

	if err := s.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Warn("failed to publish decision",
			"record_id", rec.ID,
			"error", err,
		)
	}

	if d.Flagged() {
		if err := s.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Warn("failed to publish alert",
				"record_id", rec.ID,
				"error", err,
			)
		}
	}
}
