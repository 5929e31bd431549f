// Package evaluator runs the per-transaction risk pipeline.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/decision"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/features"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/rules"
)

var tracer = otel.Tracer("merlin-evaluator")

// Scorer produces an anomaly score for a feature vector.
// It returns domain.ErrModelUnavailable when no model is loaded.
type Scorer interface {
	Score(v []float64) (float64, error)
}

// Evaluator orchestrates baseline snapshot, rules, features, scoring,
// combination and baseline write-back for one transaction.
type Evaluator struct {
	cache    *baseline.Cache
	engine   *rules.Engine
	scorer   Scorer
	combiner *decision.Combiner
}

// New creates an evaluator. scorer may be nil, which is the same as a
// scorer that never has a model.
func New(cache *baseline.Cache, engine *rules.Engine, scorer Scorer, combiner *decision.Combiner) *Evaluator {
	return &Evaluator{
		cache:    cache,
		engine:   engine,
		scorer:   scorer,
		combiner: combiner,
	}
}

// Evaluate decides the risk of tx and then folds tx into its user's baseline.
//
// Evaluations for the same user are serialized from snapshot to write-back,
// so a transaction is always judged against a baseline that includes every
// earlier transaction for that user and never itself. Different users run
// in parallel.
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "evaluate",
		trace.WithAttributes(
			attribute.String("user.id", tx.UserID),
			attribute.Float64("tx.amount", tx.Amount),
		),
	)
	defer span.End()

	start := time.Now()

	release := e.cache.Acquire(tx.UserID)
	defer release()

	snapshot := e.cache.Get(tx.UserID)

	// Rules and features both read only the snapshot.
	var (
		wg     sync.WaitGroup
		vector []float64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		vector = features.Build(tx, snapshot)
	}()

	outcomes, err := e.engine.Evaluate(tx, snapshot)
	wg.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule evaluation failed")
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	score, err := e.score(ctx, vector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		return nil, err
	}

	d := e.combiner.Combine(outcomes, score)

	// Post-decision: the transaction never sees itself in its own baseline.
	e.cache.ApplyTransaction(tx)

	elapsed := time.Since(start)
	metrics.EvaluationDuration.Observe(elapsed.Seconds())
	metrics.DecisionsTotal.WithLabelValues(string(d.RiskLevel)).Inc()
	for _, name := range decision.Triggered(outcomes) {
		metrics.RuleTriggersTotal.WithLabelValues(name).Inc()
	}

	span.SetAttributes(
		attribute.String("risk.level", string(d.RiskLevel)),
		attribute.Int("rules.triggered", len(decision.Triggered(outcomes))),
		attribute.Bool("ml.available", score != nil),
	)

	slog.Debug("transaction evaluated",
		"user_id", tx.UserID,
		"risk_level", d.RiskLevel,
		"reasons", len(d.Reasons),
		"cold_baseline", snapshot.IsCold(),
		"duration_us", elapsed.Microseconds(),
	)

	return d, nil
}

// score returns nil when no model is available; any other scorer error is
// a schema problem and is returned.
func (e *Evaluator) score(ctx context.Context, v []float64) (*float64, error) {
	if e.scorer == nil {
		metrics.MLUnavailableTotal.Inc()
		return nil, nil
	}

	s, err := e.scorer.Score(v)
	if errors.Is(err, domain.ErrModelUnavailable) {
		metrics.MLUnavailableTotal.Inc()
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "anomaly scoring failed", "error", err)
		return nil, fmt.Errorf("anomaly scoring failed: %w", err)
	}
	return &s, nil
}

// Baseline returns the current snapshot for a user.
func (e *Evaluator) Baseline(userID string) domain.Baseline {
	return e.cache.Get(userID)
}
