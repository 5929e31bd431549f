// Package training builds anomaly-model datasets by replaying ledger history.
package training

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/opensource-finance/merlin/internal/anomaly"
	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/features"
)

// History is the slice of the ledger replay reads.
type History interface {
	ListUsers(ctx context.Context) ([]string, error)
	QueryHistory(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error)
}

// Dataset returns one feature vector per ledger transaction, each built
// against the baseline the user had just before that transaction.
func Dataset(ctx context.Context, h History, window time.Duration) ([][]float64, error) {
	users, err := h.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var data [][]float64
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		history, err := h.QueryHistory(ctx, userID, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("failed to read history for %s: %w", userID, err)
		}

		b := domain.ColdBaseline(userID)
		for _, tx := range history {
			data = append(data, features.Build(tx, b))
			b = baseline.Next(b, tx, window)
		}
	}
	return data, nil
}

// Bootstrap trains a model from ledger history and saves it to cfg.Path.
// It fails with anomaly.ErrInsufficientData when fewer than cfg.MinSamples
// vectors are available.
func Bootstrap(ctx context.Context, h History, cfg domain.ModelConfig, window time.Duration) (*anomaly.Model, error) {
	data, err := Dataset(ctx, h, window)
	if err != nil {
		return nil, err
	}
	if len(data) < cfg.MinSamples {
		return nil, fmt.Errorf("%w: %d samples, need %d", anomaly.ErrInsufficientData, len(data), cfg.MinSamples)
	}

	start := time.Now()
	m, err := anomaly.Train(data, anomaly.Params{
		Trees:         cfg.Trees,
		SampleSize:    cfg.SampleSize,
		Contamination: cfg.Contamination,
		Seed:          cfg.Seed,
		Fingerprint:   features.Fingerprint(),
	})
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	if err := anomaly.Save(cfg.Path, m); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}

	slog.Info("anomaly model trained",
		"samples", len(data),
		"trees", len(m.Trees),
		"path", cfg.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return m, nil
}

// LoadOrTrain installs a model into scorer. It loads cfg.Path when present,
// otherwise trains from history if cfg.TrainIfMissing is set. A missing
// model is not an error: the scorer stays unavailable and decisions are
// made on rules alone. A model built for another feature schema is.
func LoadOrTrain(ctx context.Context, scorer *anomaly.Scorer, h History, cfg domain.ModelConfig, window time.Duration) error {
	m, err := anomaly.Load(cfg.Path)
	switch {
	case err == nil:
		if err := scorer.Install(m); err != nil {
			return err
		}
		slog.Info("anomaly model loaded",
			"path", cfg.Path,
			"trees", len(m.Trees),
			"samples", m.Samples,
		)
		return nil

	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	if !cfg.TrainIfMissing {
		slog.Warn("no anomaly model, decisions are rules-only", "path", cfg.Path)
		return nil
	}

	m, err = Bootstrap(ctx, h, cfg, window)
	if err != nil {
		slog.Warn("could not train anomaly model, decisions are rules-only",
			"path", cfg.Path,
			"error", err,
		)
		return nil
	}
	return scorer.Install(m)
}
